package domain

import (
	"fmt"
	"math"
	"time"
)

// Product is the catalog record. The engine never edits catalog fields;
// Stock is the only attribute it mutates, and only through the store's
// atomic reserve operation.
type Product struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Category          string    `json:"category"`
	Price             float64   `json:"price"`
	PurchasePrice     float64   `json:"purchase_price"`
	Stock             int       `json:"stock"`
	Unit              string    `json:"unit"`
	LowStockThreshold int       `json:"low_stock_threshold"`
	CreatedAt         time.Time `json:"created_at"`
}

// CostBasis returns the per-unit cost used for profit arithmetic. Products
// without an explicit purchase price are assumed to carry a 70% cost basis.
// The default is applied exactly once, at reservation time, so every
// downstream profit figure agrees.
func (p Product) CostBasis() float64 {
	if p.PurchasePrice > 0 {
		return p.PurchasePrice
	}
	return p.Price * 0.7
}

// CustomerInfo is a denormalized snapshot embedded in sales and payments.
// Later customer edits never rewrite historical invoices.
type CustomerInfo struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

// WalkInCustomer is the snapshot used when a sale carries no customer.
func WalkInCustomer() CustomerInfo {
	return CustomerInfo{Name: "Walk-in Customer"}
}

type SaleLineItem struct {
	ProductID     string  `json:"product_id"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	PurchasePrice float64 `json:"purchase_price"`
	Quantity      int     `json:"quantity"`
	Discount      float64 `json:"discount"`
}

// Profit is (price - cost basis) x quantity for this line.
func (l SaleLineItem) Profit() float64 {
	return (l.Price - l.PurchasePrice) * float64(l.Quantity)
}

type Sale struct {
	ID            string         `json:"id"`
	InvoiceID     string         `json:"invoice_id"`
	Customer      CustomerInfo   `json:"customer"`
	Items         []SaleLineItem `json:"items"`
	Subtotal      float64        `json:"subtotal"`
	Discount      float64        `json:"discount"`
	Tax           float64        `json:"tax"`
	Total         float64        `json:"total"`
	PaymentMethod string         `json:"payment_method"`
	Status        string         `json:"status"`
	Cashier       string         `json:"cashier"`
	Notes         string         `json:"notes"`
	CreatedAt     time.Time      `json:"created_at"`
}

// PaymentRecord tracks settlement of one sale. Amount is fixed at creation;
// PaidAmount only ever grows.
type PaymentRecord struct {
	ID            string       `json:"id"`
	InvoiceID     string       `json:"invoice_id"`
	Customer      CustomerInfo `json:"customer"`
	Amount        float64      `json:"amount"`
	PaidAmount    float64      `json:"paid_amount"`
	Method        string       `json:"method"`
	Status        string       `json:"status"`
	DueDate       *time.Time   `json:"due_date,omitempty"`
	PaidDate      *time.Time   `json:"paid_date,omitempty"`
	TransactionID string       `json:"transaction_id"`
	Notes         string       `json:"notes"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Balance is the outstanding amount. Never negative.
func (p PaymentRecord) Balance() float64 {
	balance := p.Amount - p.PaidAmount
	if balance < 0 {
		return 0
	}
	return balance
}

// Progress is the settled percentage, rounded to the nearest integer.
func (p PaymentRecord) Progress() int {
	if p.Amount <= 0 {
		return 0
	}
	return int(math.Round(p.PaidAmount / p.Amount * 100))
}

// PaymentStatusFor derives the settlement status from the amounts alone.
// The overdue status is an administrative override and never derived here.
func PaymentStatusFor(paidAmount float64, amount float64) string {
	switch {
	case paidAmount >= amount:
		return PaymentStatusPaid
	case paidAmount > 0:
		return PaymentStatusPartial
	default:
		return PaymentStatusPending
	}
}

// ApplyPayment adds amount to the record's paid total and recomputes the
// settlement status. PaidDate is stamped on the transition into paid, and a
// non-empty note is appended to the existing log rather than overwriting it.
// Payments are never retracted through this path.
func (p *PaymentRecord) ApplyPayment(amount float64, method string, transactionID string, note string, now time.Time) {
	p.PaidAmount += amount
	if method != "" {
		p.Method = method
	}
	if transactionID != "" {
		p.TransactionID = transactionID
	}
	if note != "" {
		if p.Notes != "" {
			p.Notes += "\n"
		}
		p.Notes += note
	}

	wasPaid := p.Status == PaymentStatusPaid
	p.Status = PaymentStatusFor(p.PaidAmount, p.Amount)
	if p.Status == PaymentStatusPaid && !wasPaid {
		paidAt := now
		p.PaidDate = &paidAt
	}
	p.UpdatedAt = now
}

// FormatInvoiceCode renders the year-scoped invoice code, e.g. INV-2024-0007.
func FormatInvoiceCode(year int, seq int64) string {
	return fmt.Sprintf("INV-%d-%04d", year, seq)
}

type SaleLineRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type SaleCreateRequest struct {
	Products      []SaleLineRequest `json:"products"`
	PaymentMethod string            `json:"payment_method"`
	Customer      *CustomerInfo     `json:"customer,omitempty"`
	Discount      float64           `json:"discount"`
	// PaidAmount overrides the default initial settlement: full for
	// cash/card/upi, zero for credit.
	PaidAmount *float64 `json:"paid_amount,omitempty"`
}

// SaleCreateResponse couples the persisted sale with the payment record the
// engine opened for it.
type SaleCreateResponse struct {
	Sale    Sale          `json:"sale"`
	Payment PaymentRecord `json:"payment"`
}

type RecordPaymentRequest struct {
	Amount        float64 `json:"amount"`
	Method        string  `json:"method,omitempty"`
	TransactionID string  `json:"transaction_id,omitempty"`
	Notes         string  `json:"notes,omitempty"`
}

type SaleFilter struct {
	From     *time.Time
	To       *time.Time
	Status   string
	Customer string
	Limit    int
}

type PaymentFilter struct {
	From   *time.Time
	To     *time.Time
	Status string
	Method string
	Limit  int
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

// Report shapes. Monetary report fields are rounded integers; percentage
// fields keep one decimal of precision on the wire.

type RevenueSummary struct {
	Current      int64   `json:"current"`
	LastMonth    int64   `json:"last_month"`
	Today        int64   `json:"today"`
	Change       float64 `json:"change"`
	Profit       int64   `json:"profit"`
	ProfitMargin float64 `json:"profit_margin"`
}

type SalesSummary struct {
	Count          int   `json:"count"`
	Today          int   `json:"today"`
	LastMonthCount int   `json:"last_month_count"`
	AvgOrderValue  int64 `json:"avg_order_value"`
}

type ProductsSummary struct {
	Total           int   `json:"total"`
	LowStock        int   `json:"low_stock"`
	OutOfStock      int   `json:"out_of_stock"`
	InventoryValue  int64 `json:"inventory_value"`
	PurchaseValue   int64 `json:"purchase_value"`
	PotentialProfit int64 `json:"potential_profit"`
}

type PaymentsSummary struct {
	Pending       int64 `json:"pending"`
	PendingCount  int   `json:"pending_count"`
	Overdue       int   `json:"overdue"`
	OverdueAmount int64 `json:"overdue_amount"`
}

type DashboardReport struct {
	Revenue  RevenueSummary  `json:"revenue"`
	Sales    SalesSummary    `json:"sales"`
	Products ProductsSummary `json:"products"`
	Payments PaymentsSummary `json:"payments"`
}

type SalesReportSummary struct {
	TotalSales    int     `json:"total_sales"`
	TotalAmount   int64   `json:"total_amount"`
	TotalItems    int     `json:"total_items"`
	TotalProfit   int64   `json:"total_profit"`
	AvgOrderValue int64   `json:"avg_order_value"`
	ProfitMargin  float64 `json:"profit_margin"`
}

type SalesReport struct {
	Sales   []Sale             `json:"sales"`
	Summary SalesReportSummary `json:"summary"`
}

type PaymentsReportSummary struct {
	TotalPayments int              `json:"total_payments"`
	TotalPaid     int64            `json:"total_paid"`
	TotalPending  int64            `json:"total_pending"`
	ByMethod      map[string]int64 `json:"by_method"`
}

type PaymentsReport struct {
	Payments []PaymentRecord       `json:"payments"`
	Summary  PaymentsReportSummary `json:"summary"`
}

type PaymentStatCounts struct {
	Paid    int `json:"paid"`
	Pending int `json:"pending"`
	Partial int `json:"partial"`
	Overdue int `json:"overdue"`
}

type PaymentStatAmounts struct {
	Total       int64 `json:"total"`
	Paid        int64 `json:"paid"`
	Outstanding int64 `json:"outstanding"`
}

type PaymentStats struct {
	TotalPayments int                `json:"total_payments"`
	Counts        PaymentStatCounts  `json:"counts"`
	Amounts       PaymentStatAmounts `json:"amounts"`
}

const (
	SaleStatusCompleted = "completed"
	SaleStatusPending   = "pending"
	SaleStatusCancelled = "cancelled"
	SaleStatusRefunded  = "refunded"
)

const (
	PaymentStatusPending = "pending"
	PaymentStatusPartial = "partial"
	PaymentStatusPaid    = "paid"
	PaymentStatusOverdue = "overdue"
)

const (
	MethodCash   = "cash"
	MethodCard   = "card"
	MethodUPI    = "upi"
	MethodCredit = "credit"
)

// SettlesImmediately reports whether a payment method settles the sale in
// full at the counter. Credit sales open with a zero paid amount and a due
// date instead.
func SettlesImmediately(method string) bool {
	switch method {
	case MethodCash, MethodCard, MethodUPI:
		return true
	}
	return false
}

func IsSupportedPaymentMethod(method string) bool {
	switch method {
	case MethodCash, MethodCard, MethodUPI, MethodCredit:
		return true
	}
	return false
}
