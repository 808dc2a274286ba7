package store

import (
	"context"
	"errors"
	"time"

	"tillpoint/backend/internal/domain"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrSaleNotFound      = errors.New("sale not found")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidAmount     = errors.New("invalid payment amount")
)

// Repository is the persistent record store the engine runs against. Two
// operations carry a serialization contract every implementation must honor:
//
//   - ReserveStock is an atomic check-then-decrement on a single product.
//     Two concurrent reservations against the same product must never both
//     pass the stock check on a stale count.
//   - NextInvoiceSeq is an atomic increment-and-fetch scoped per calendar
//     year; concurrent callers must receive distinct sequence numbers.
//
// Everything else needs only per-record atomicity.
type Repository interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	// ReserveStock decrements stock by qty and returns the product snapshot
	// priced at reservation time. ErrProductNotFound if the product does not
	// exist, ErrInsufficientStock if qty exceeds the current stock.
	ReserveStock(ctx context.Context, productID string, qty int) (*domain.Product, error)
	// ReleaseStock adds qty back. Used only by administrative reconciliation,
	// never called during sale assembly (failures there leave stock as-is).
	ReleaseStock(ctx context.Context, productID string, qty int) error

	NextInvoiceSeq(ctx context.Context, year int) (int64, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSaleByInvoice(ctx context.Context, invoiceID string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)

	CreatePayment(ctx context.Context, payment domain.PaymentRecord) (*domain.PaymentRecord, error)
	GetPayment(ctx context.Context, id string) (*domain.PaymentRecord, error)
	ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.PaymentRecord, error)
	// ApplyPayment performs the read-modify-write of recording a payment
	// against one record under the store's per-record write guard.
	ApplyPayment(ctx context.Context, id string, amount float64, method string, transactionID string, note string, at time.Time) (*domain.PaymentRecord, error)
	MarkPaymentOverdue(ctx context.Context, id string, at time.Time) (*domain.PaymentRecord, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
