package memory

import (
	"context"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

// Store is the in-memory Repository used for development and tests. A single
// mutex serializes all writes, which trivially satisfies the atomicity
// contracts of ReserveStock and NextInvoiceSeq.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	salesByID       map[string]domain.Sale
	salesByInvoice  map[string]string
	paymentsByID    map[string]domain.PaymentRecord
	invoiceSeq      map[int]int64
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		salesByID:       make(map[string]domain.Sale),
		salesByInvoice:  make(map[string]string),
		paymentsByID:    make(map[string]domain.PaymentRecord),
		invoiceSeq:      make(map[int]int64),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with a small catalog and the dev/demo
// user accounts, mirroring what a fresh deployment looks like.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	products := []domain.Product{
		{ID: "prod-rice-5kg", Name: "Basmati Rice 5kg", Category: "grocery", Price: 550, PurchasePrice: 470, Stock: 80, Unit: "pack", LowStockThreshold: 10},
		{ID: "prod-atta-10kg", Name: "Wheat Atta 10kg", Category: "grocery", Price: 420, PurchasePrice: 356, Stock: 60, Unit: "pack", LowStockThreshold: 10},
		{ID: "prod-oil-1l", Name: "Sunflower Oil 1L", Category: "grocery", Price: 145, PurchasePrice: 121, Stock: 120, Unit: "pcs", LowStockThreshold: 15},
		{ID: "prod-milk-1l", Name: "Toned Milk 1L", Category: "dairy", Price: 56, Stock: 200, Unit: "pcs", LowStockThreshold: 24},
		{ID: "prod-tea-250g", Name: "Assam Tea 250g", Category: "beverage", Price: 165, PurchasePrice: 128, Stock: 90, Unit: "box", LowStockThreshold: 12},
		{ID: "prod-soap-4pk", Name: "Bath Soap 4-pack", Category: "household", Price: 132, PurchasePrice: 98, Stock: 150, Unit: "pack", LowStockThreshold: 20},
		{ID: "prod-biscuit", Name: "Marie Biscuits", Category: "snack", Price: 30, Stock: 300, Unit: "pcs", LowStockThreshold: 40},
		{ID: "prod-detergent", Name: "Detergent 1kg", Category: "household", Price: 210, PurchasePrice: 168, Stock: 70, Unit: "pack", LowStockThreshold: 10},
	}
	for _, p := range products {
		p.CreatedAt = now
		s.products[p.ID] = p
	}
	s.usersByUsername = seedUsers()
	return s
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables, with hardcoded dev defaults as fallback. These
// accounts are never used in production (the backend runs on PostgreSQL
// when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// PutProduct inserts or replaces a catalog record. Catalog management is an
// external collaborator; this exists for seeding and tests.
func (s *Store) PutProduct(_ context.Context, product domain.Product) error {
	if product.ID == "" || product.Name == "" || product.Price < 0 || product.Stock < 0 {
		return store.ErrInvalidRequest
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
	return nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrProductNotFound
	}
	copied := product
	return &copied, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return strings.Compare(a.Name, b.Name)
		}
		return strings.Compare(a.Category, b.Category)
	})
	return products, nil
}

// ReserveStock is the check-then-decrement executed under the store mutex.
// Either the full quantity is reserved or nothing changes.
func (s *Store) ReserveStock(_ context.Context, productID string, qty int) (*domain.Product, error) {
	if qty < 1 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[productID]
	if !exists {
		return nil, store.ErrProductNotFound
	}
	if qty > product.Stock {
		return nil, store.ErrInsufficientStock
	}

	product.Stock -= qty
	s.products[productID] = product

	snapshot := product
	return &snapshot, nil
}

func (s *Store) ReleaseStock(_ context.Context, productID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[productID]
	if !exists {
		return store.ErrProductNotFound
	}
	product.Stock += qty
	s.products[productID] = product
	return nil
}

func (s *Store) NextInvoiceSeq(_ context.Context, year int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invoiceSeq[year]++
	return s.invoiceSeq[year], nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.InvoiceID == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.salesByInvoice[sale.InvoiceID]; exists {
		return nil, store.ErrInvalidRequest
	}

	sale.Items = slices.Clone(sale.Items)
	s.salesByID[sale.ID] = sale
	s.salesByInvoice[sale.InvoiceID] = sale.ID

	created := cloneSale(sale)
	return &created, nil
}

func (s *Store) GetSaleByInvoice(_ context.Context, invoiceID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.salesByInvoice[invoiceID]
	if !exists {
		return nil, store.ErrSaleNotFound
	}
	sale := cloneSale(s.salesByID[id])
	return &sale, nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, len(s.salesByID))
	for _, sale := range s.salesByID {
		if !saleMatches(sale, filter) {
			continue
		}
		result = append(result, cloneSale(sale))
	}

	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func saleMatches(sale domain.Sale, filter domain.SaleFilter) bool {
	if filter.Status != "" && sale.Status != filter.Status {
		return false
	}
	if filter.From != nil && sale.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && sale.CreatedAt.After(*filter.To) {
		return false
	}
	if filter.Customer != "" {
		needle := strings.ToLower(filter.Customer)
		if !strings.Contains(strings.ToLower(sale.Customer.Name), needle) &&
			!strings.Contains(sale.Customer.Phone, filter.Customer) {
			return false
		}
	}
	return true
}

func (s *Store) CreatePayment(_ context.Context, payment domain.PaymentRecord) (*domain.PaymentRecord, error) {
	if payment.InvoiceID == "" || payment.Amount < 0 {
		return nil, store.ErrInvalidRequest
	}
	if payment.ID == "" {
		payment.ID = xid.New("pay")
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}
	payment.UpdatedAt = payment.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()

	s.paymentsByID[payment.ID] = payment
	created := payment
	return &created, nil
}

func (s *Store) GetPayment(_ context.Context, id string) (*domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payment, exists := s.paymentsByID[id]
	if !exists {
		return nil, store.ErrPaymentNotFound
	}
	copied := payment
	return &copied, nil
}

func (s *Store) ListPayments(_ context.Context, filter domain.PaymentFilter) ([]domain.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PaymentRecord, 0, len(s.paymentsByID))
	for _, payment := range s.paymentsByID {
		if !paymentMatches(payment, filter) {
			continue
		}
		result = append(result, payment)
	}

	slices.SortFunc(result, func(a, b domain.PaymentRecord) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return strings.Compare(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func paymentMatches(payment domain.PaymentRecord, filter domain.PaymentFilter) bool {
	if filter.Status != "" && payment.Status != filter.Status {
		return false
	}
	if filter.Method != "" && payment.Method != filter.Method {
		return false
	}
	if filter.From != nil && payment.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && payment.CreatedAt.After(*filter.To) {
		return false
	}
	return true
}

func (s *Store) ApplyPayment(_ context.Context, id string, amount float64, method string, transactionID string, note string, at time.Time) (*domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment, exists := s.paymentsByID[id]
	if !exists {
		return nil, store.ErrPaymentNotFound
	}

	payment.ApplyPayment(amount, method, transactionID, note, at)
	s.paymentsByID[id] = payment

	updated := payment
	return &updated, nil
}

func (s *Store) MarkPaymentOverdue(_ context.Context, id string, at time.Time) (*domain.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment, exists := s.paymentsByID[id]
	if !exists {
		return nil, store.ErrPaymentNotFound
	}

	payment.Status = domain.PaymentStatusOverdue
	payment.UpdatedAt = at
	s.paymentsByID[id] = payment

	updated := payment
	return &updated, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidRequest
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrInvalidRequest
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cloneSale(sale domain.Sale) domain.Sale {
	sale.Items = slices.Clone(sale.Items)
	return sale
}
