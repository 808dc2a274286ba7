package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
	"tillpoint/backend/internal/xid"
)

// Store is the PostgreSQL Repository. Expected tables: products,
// invoice_counters, sales (line items as jsonb), payments, users.
type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, category, price, purchase_price, stock, unit, low_stock_threshold, created_at
		FROM products
		WHERE id = $1
	`, id).Scan(&product.ID, &product.Name, &product.Category, &product.Price, &product.PurchasePrice,
		&product.Stock, &product.Unit, &product.LowStockThreshold, &product.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrProductNotFound
		}
		return nil, err
	}
	product.CreatedAt = product.CreatedAt.UTC()
	return &product, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, category, price, purchase_price, stock, unit, low_stock_threshold, created_at
		FROM products
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.PurchasePrice,
			&p.Stock, &p.Unit, &p.LowStockThreshold, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

// ReserveStock decrements the product row with a conditional UPDATE, so two
// concurrent reservations serialize on the row lock and the stock check is
// re-evaluated against the committed count.
func (s *Store) ReserveStock(ctx context.Context, productID string, qty int) (*domain.Product, error) {
	if qty < 1 {
		return nil, store.ErrInvalidRequest
	}

	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock - $2
		WHERE id = $1 AND stock >= $2
		RETURNING id, name, category, price, purchase_price, stock, unit, low_stock_threshold, created_at
	`, productID, qty).Scan(&product.ID, &product.Name, &product.Category, &product.Price, &product.PurchasePrice,
		&product.Stock, &product.Unit, &product.LowStockThreshold, &product.CreatedAt)
	if err == nil {
		product.CreatedAt = product.CreatedAt.UTC()
		return &product, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	// No row matched: either the product is missing or stock is short.
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrProductNotFound
	}
	return nil, store.ErrInsufficientStock
}

func (s *Store) ReleaseStock(ctx context.Context, productID string, qty int) error {
	if qty < 1 {
		return store.ErrInvalidRequest
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2
		WHERE id = $1
	`, productID, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrProductNotFound
	}
	return nil
}

// NextInvoiceSeq uses an upsert so the first sale of a year creates the
// counter row and later sales increment it, all under the row lock.
func (s *Store) NextInvoiceSeq(ctx context.Context, year int) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO invoice_counters (year, seq)
		VALUES ($1, 1)
		ON CONFLICT (year)
		DO UPDATE SET seq = invoice_counters.seq + 1
		RETURNING seq
	`, year).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.InvoiceID == "" || len(sale.Items) == 0 {
		return nil, store.ErrInvalidRequest
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	itemsJSON, err := json.Marshal(sale.Items)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sales (
			id, invoice_id, customer_name, customer_phone, customer_email,
			items, subtotal, discount, tax, total,
			payment_method, status, cashier, notes, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, sale.ID, sale.InvoiceID, sale.Customer.Name, sale.Customer.Phone, sale.Customer.Email,
		itemsJSON, sale.Subtotal, sale.Discount, sale.Tax, sale.Total,
		sale.PaymentMethod, sale.Status, nullIfEmpty(sale.Cashier), sale.Notes, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}

	created := sale
	return &created, nil
}

func (s *Store) GetSaleByInvoice(ctx context.Context, invoiceID string) (*domain.Sale, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, invoice_id, customer_name, customer_phone, customer_email,
			items, subtotal, discount, tax, total,
			payment_method, status, COALESCE(cashier,''), notes, created_at
		FROM sales
		WHERE invoice_id = $1
	`, invoiceID)

	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSaleNotFound
		}
		return nil, err
	}
	return sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, customer_name, customer_phone, customer_email,
			items, subtotal, discount, tax, total,
			payment_method, status, COALESCE(cashier,''), notes, created_at
		FROM sales
		WHERE ($1 = '' OR status = $1)
			AND ($2::timestamptz IS NULL OR created_at >= $2)
			AND ($3::timestamptz IS NULL OR created_at <= $3)
			AND ($4 = '' OR customer_name ILIKE '%' || $4 || '%' OR customer_phone LIKE '%' || $4 || '%')
		ORDER BY created_at DESC
		LIMIT $5
	`, filter.Status, nullTime(filter.From), nullTime(filter.To), filter.Customer, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var itemsJSON []byte
	err := row.Scan(&sale.ID, &sale.InvoiceID, &sale.Customer.Name, &sale.Customer.Phone, &sale.Customer.Email,
		&itemsJSON, &sale.Subtotal, &sale.Discount, &sale.Tax, &sale.Total,
		&sale.PaymentMethod, &sale.Status, &sale.Cashier, &sale.Notes, &sale.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(itemsJSON, &sale.Items); err != nil {
		return nil, err
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return &sale, nil
}

func (s *Store) CreatePayment(ctx context.Context, payment domain.PaymentRecord) (*domain.PaymentRecord, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, invoice_id, customer_name, customer_phone, customer_email,
			amount, paid_amount, method, status, due_date, paid_date,
			transaction_id, notes, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, payment.ID, payment.InvoiceID, payment.Customer.Name, payment.Customer.Phone, payment.Customer.Email,
		payment.Amount, payment.PaidAmount, payment.Method, payment.Status, nullTime(payment.DueDate), nullTime(payment.PaidDate),
		nullIfEmpty(payment.TransactionID), payment.Notes, payment.CreatedAt, payment.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidRequest
		}
		return nil, err
	}

	created := payment
	return &created, nil
}

func (s *Store) GetPayment(ctx context.Context, id string) (*domain.PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, invoice_id, customer_name, customer_phone, customer_email,
			amount, paid_amount, method, status, due_date, paid_date,
			COALESCE(transaction_id,''), notes, created_at, updated_at
		FROM payments
		WHERE id = $1
	`, id)

	payment, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

func (s *Store) ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.PaymentRecord, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, customer_name, customer_phone, customer_email,
			amount, paid_amount, method, status, due_date, paid_date,
			COALESCE(transaction_id,''), notes, created_at, updated_at
		FROM payments
		WHERE ($1 = '' OR status = $1)
			AND ($2 = '' OR method = $2)
			AND ($3::timestamptz IS NULL OR created_at >= $3)
			AND ($4::timestamptz IS NULL OR created_at <= $4)
		ORDER BY created_at DESC
		LIMIT $5
	`, filter.Status, filter.Method, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.PaymentRecord, 0, limit)
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *payment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

func scanPayment(row rowScanner) (*domain.PaymentRecord, error) {
	var payment domain.PaymentRecord
	var dueDate sql.NullTime
	var paidDate sql.NullTime
	err := row.Scan(&payment.ID, &payment.InvoiceID, &payment.Customer.Name, &payment.Customer.Phone, &payment.Customer.Email,
		&payment.Amount, &payment.PaidAmount, &payment.Method, &payment.Status, &dueDate, &paidDate,
		&payment.TransactionID, &payment.Notes, &payment.CreatedAt, &payment.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if dueDate.Valid {
		at := dueDate.Time.UTC()
		payment.DueDate = &at
	}
	if paidDate.Valid {
		at := paidDate.Time.UTC()
		payment.PaidDate = &at
	}
	payment.CreatedAt = payment.CreatedAt.UTC()
	payment.UpdatedAt = payment.UpdatedAt.UTC()
	return &payment, nil
}

// ApplyPayment locks the payment row, applies the amount through the domain
// state machine, and writes the result back in the same transaction.
func (s *Store) ApplyPayment(ctx context.Context, id string, amount float64, method string, transactionID string, note string, at time.Time) (*domain.PaymentRecord, error) {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	row := pgTx.QueryRowContext(ctx, `
		SELECT id, invoice_id, customer_name, customer_phone, customer_email,
			amount, paid_amount, method, status, due_date, paid_date,
			COALESCE(transaction_id,''), notes, created_at, updated_at
		FROM payments
		WHERE id = $1
		FOR UPDATE
	`, id)

	payment, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrPaymentNotFound
		}
		return nil, err
	}

	payment.ApplyPayment(amount, method, transactionID, note, at)

	_, err = pgTx.ExecContext(ctx, `
		UPDATE payments
		SET paid_amount = $2, method = $3, status = $4, paid_date = $5,
			transaction_id = $6, notes = $7, updated_at = $8
		WHERE id = $1
	`, payment.ID, payment.PaidAmount, payment.Method, payment.Status, nullTime(payment.PaidDate),
		nullIfEmpty(payment.TransactionID), payment.Notes, payment.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *Store) MarkPaymentOverdue(ctx context.Context, id string, at time.Time) (*domain.PaymentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE payments
		SET status = $2, updated_at = $3
		WHERE id = $1
		RETURNING id, invoice_id, customer_name, customer_phone, customer_email,
			amount, paid_amount, method, status, due_date, paid_date,
			COALESCE(transaction_id,''), notes, created_at, updated_at
	`, id, domain.PaymentStatusOverdue, at)

	payment, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidRequest
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidRequest
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password = $2
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrInvalidRequest
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
