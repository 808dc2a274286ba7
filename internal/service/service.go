package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tillpoint/backend/internal/cache"
	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

const maxListLimit = 100

type Service struct {
	repo          store.Repository
	reportCache   cache.ReportCache
	logger        *zap.Logger
	taxRate       float64
	creditDueDays int
	cacheTTL      time.Duration
}

// New wires the settlement engine. taxRatePercent is the flat sale tax
// applied on the subtotal; creditDueDays is how long a credit sale has until
// its due date.
func New(repo store.Repository, reportCache cache.ReportCache, logger *zap.Logger, taxRatePercent float64, creditDueDays int, cacheTTL time.Duration) *Service {
	if reportCache == nil {
		reportCache = cache.NoopReportCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if taxRatePercent <= 0 {
		taxRatePercent = 18
	}
	if creditDueDays < 1 {
		creditDueDays = 30
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Service{
		repo:          repo,
		reportCache:   reportCache,
		logger:        logger,
		taxRate:       taxRatePercent / 100,
		creditDueDays: creditDueDays,
		cacheTTL:      cacheTTL,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

// CreateSale assembles a sale from the request lines: it reserves stock per
// line, prices the sale, allocates the invoice code and opens the payment
// record. Lines are reserved one at a time; when a later line fails, earlier
// reservations stay decremented and the sale is rejected. Reconciliation of
// that stock is an administrative action, not an engine rollback.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (*domain.SaleCreateResponse, error) {
	if len(req.Products) == 0 {
		return nil, fmt.Errorf("%w: sale requires at least one line", store.ErrInvalidRequest)
	}
	if !domain.IsSupportedPaymentMethod(req.PaymentMethod) {
		return nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidRequest, req.PaymentMethod)
	}
	if req.Discount < 0 {
		return nil, fmt.Errorf("%w: discount cannot be negative", store.ErrInvalidRequest)
	}
	if req.PaidAmount != nil && *req.PaidAmount < 0 {
		return nil, fmt.Errorf("%w: paid amount cannot be negative", store.ErrInvalidAmount)
	}
	for _, line := range req.Products {
		if strings.TrimSpace(line.ProductID) == "" {
			return nil, fmt.Errorf("%w: line is missing a product id", store.ErrInvalidRequest)
		}
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity must be at least 1", store.ErrInvalidRequest)
		}
	}

	customer := domain.WalkInCustomer()
	if req.Customer != nil && strings.TrimSpace(req.Customer.Name) != "" {
		customer = *req.Customer
		customer.Name = strings.TrimSpace(customer.Name)
	}

	now := time.Now().UTC()
	items := make([]domain.SaleLineItem, 0, len(req.Products))
	subtotal := 0.0
	for _, line := range req.Products {
		snapshot, err := s.repo.ReserveStock(ctx, line.ProductID, line.Quantity)
		if err != nil {
			if errors.Is(err, store.ErrInsufficientStock) {
				name := line.ProductID
				if product, lookupErr := s.repo.GetProduct(ctx, line.ProductID); lookupErr == nil {
					name = product.Name
				}
				return nil, fmt.Errorf("%w for %s", store.ErrInsufficientStock, name)
			}
			if errors.Is(err, store.ErrProductNotFound) {
				return nil, fmt.Errorf("%w: %s", store.ErrProductNotFound, line.ProductID)
			}
			return nil, err
		}

		items = append(items, domain.SaleLineItem{
			ProductID:     snapshot.ID,
			Name:          snapshot.Name,
			Price:         snapshot.Price,
			PurchasePrice: snapshot.CostBasis(),
			Quantity:      line.Quantity,
		})
		subtotal += snapshot.Price * float64(line.Quantity)
	}

	tax := subtotal * s.taxRate
	total := subtotal + tax - req.Discount
	if total < 0 {
		return nil, fmt.Errorf("%w: discount exceeds sale total", store.ErrInvalidRequest)
	}

	year := now.Year()
	seq, err := s.repo.NextInvoiceSeq(ctx, year)
	if err != nil {
		return nil, err
	}
	invoiceID := domain.FormatInvoiceCode(year, seq)

	cashier := ""
	if actor, ok := ActorFromContext(ctx); ok {
		cashier = actor.Username
	}

	sale := domain.Sale{
		InvoiceID:     invoiceID,
		Customer:      customer,
		Items:         items,
		Subtotal:      subtotal,
		Discount:      req.Discount,
		Tax:           tax,
		Total:         total,
		PaymentMethod: req.PaymentMethod,
		Status:        domain.SaleStatusCompleted,
		Cashier:       cashier,
		CreatedAt:     now,
	}
	createdSale, err := s.repo.CreateSale(ctx, sale)
	if err != nil {
		return nil, err
	}

	payment, err := s.openPaymentFor(ctx, createdSale, req.PaidAmount, now)
	if err != nil {
		return nil, err
	}

	s.logger.Info("sale created",
		zap.String("invoice_id", createdSale.InvoiceID),
		zap.Float64("total", createdSale.Total),
		zap.String("payment_method", createdSale.PaymentMethod),
		zap.String("payment_status", payment.Status),
		zap.String("cashier", cashier),
	)

	return &domain.SaleCreateResponse{Sale: *createdSale, Payment: *payment}, nil
}

// openPaymentFor creates the settlement record of a freshly persisted sale.
// Cash, card and upi settle in full at the counter unless the request
// overrides the initial paid amount; credit opens unpaid with a due date.
func (s *Service) openPaymentFor(ctx context.Context, sale *domain.Sale, paidOverride *float64, now time.Time) (*domain.PaymentRecord, error) {
	initialPaid := 0.0
	if domain.SettlesImmediately(sale.PaymentMethod) {
		initialPaid = sale.Total
	}
	if paidOverride != nil {
		initialPaid = *paidOverride
		if initialPaid > sale.Total {
			initialPaid = sale.Total
		}
	}

	payment := domain.PaymentRecord{
		InvoiceID:  sale.InvoiceID,
		Customer:   sale.Customer,
		Amount:     sale.Total,
		PaidAmount: initialPaid,
		Method:     sale.PaymentMethod,
		Status:     domain.PaymentStatusFor(initialPaid, sale.Total),
		Notes:      "Auto-created from " + sale.InvoiceID,
		CreatedAt:  now,
	}
	if payment.Status == domain.PaymentStatusPaid {
		paidAt := now
		payment.PaidDate = &paidAt
	} else {
		dueAt := now.AddDate(0, 0, s.creditDueDays)
		payment.DueDate = &dueAt
	}
	if initialPaid > 0 {
		payment.TransactionID = fmt.Sprintf("TXN-%d", now.UnixMilli())
	}

	return s.repo.CreatePayment(ctx, payment)
}

func (s *Service) GetSaleByInvoice(ctx context.Context, invoiceID string) (*domain.Sale, error) {
	if strings.TrimSpace(invoiceID) == "" {
		return nil, store.ErrInvalidRequest
	}
	return s.repo.GetSaleByInvoice(ctx, invoiceID)
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	filter.Limit = clampLimit(filter.Limit)
	return s.repo.ListSales(ctx, filter)
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 50
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
