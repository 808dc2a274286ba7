package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/store"
)

func TestReserveStockDecrementsAndSnapshots(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.PutProduct(ctx, domain.Product{
		ID:    "prod-test",
		Name:  "Test Product",
		Price: 100,
		Stock: 10,
	})
	if err != nil {
		t.Fatalf("put product failed: %v", err)
	}

	snapshot, err := s.ReserveStock(ctx, "prod-test", 3)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if snapshot.Stock != 7 {
		t.Fatalf("expected snapshot stock 7, got %d", snapshot.Stock)
	}

	product, err := s.GetProduct(ctx, "prod-test")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.Stock != 7 {
		t.Fatalf("expected stock 7 after reserve, got %d", product.Stock)
	}
}

func TestReserveStockRejectsOverdraw(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.PutProduct(ctx, domain.Product{ID: "prod-few", Name: "Few", Price: 10, Stock: 2}); err != nil {
		t.Fatalf("put product failed: %v", err)
	}

	_, err := s.ReserveStock(ctx, "prod-few", 3)
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	product, err := s.GetProduct(ctx, "prod-few")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.Stock != 2 {
		t.Fatalf("failed reserve must not change stock, got %d", product.Stock)
	}

	_, err = s.ReserveStock(ctx, "prod-missing", 1)
	if !errors.Is(err, store.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestReleaseStockRestoresReservedUnits(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.PutProduct(ctx, domain.Product{ID: "prod-return", Name: "Return", Price: 10, Stock: 4}); err != nil {
		t.Fatalf("put product failed: %v", err)
	}

	if _, err := s.ReserveStock(ctx, "prod-return", 3); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := s.ReleaseStock(ctx, "prod-return", 3); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	product, err := s.GetProduct(ctx, "prod-return")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.Stock != 4 {
		t.Fatalf("expected stock restored to 4, got %d", product.Stock)
	}

	if err := s.ReleaseStock(ctx, "prod-missing", 1); !errors.Is(err, store.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestReserveStockConcurrentNeverOversells(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.PutProduct(ctx, domain.Product{ID: "prod-race", Name: "Race", Price: 10, Stock: 5}); err != nil {
		t.Fatalf("put product failed: %v", err)
	}

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ReserveStock(ctx, "prod-race", 3)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one reservation to succeed, got %d", succeeded)
	}

	product, err := s.GetProduct(ctx, "prod-race")
	if err != nil {
		t.Fatalf("get product failed: %v", err)
	}
	if product.Stock != 2 {
		t.Fatalf("expected remaining stock 2, got %d", product.Stock)
	}
}

func TestNextInvoiceSeqConcurrentIsDense(t *testing.T) {
	s := New()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	seqs := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.NextInvoiceSeq(ctx, 2026)
			if err != nil {
				t.Errorf("next invoice seq failed: %v", err)
				return
			}
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool, workers)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("duplicate invoice sequence %d", seq)
		}
		seen[seq] = true
	}
	for want := int64(1); want <= workers; want++ {
		if !seen[want] {
			t.Fatalf("sequence %d missing, expected dense 1..%d", want, workers)
		}
	}
}

func TestNextInvoiceSeqScopedPerYear(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.NextInvoiceSeq(ctx, 2025); err != nil {
			t.Fatalf("next invoice seq failed: %v", err)
		}
	}
	seq, err := s.NextInvoiceSeq(ctx, 2026)
	if err != nil {
		t.Fatalf("next invoice seq failed: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected fresh year to start at 1, got %d", seq)
	}
}

func TestSaleRoundTripAndInvoiceUniqueness(t *testing.T) {
	s := New()
	ctx := context.Background()

	sale := domain.Sale{
		InvoiceID:     "INV-2026-0001",
		Customer:      domain.WalkInCustomer(),
		Items:         []domain.SaleLineItem{{ProductID: "prod-a", Name: "A", Price: 100, Quantity: 2}},
		Subtotal:      200,
		Tax:           36,
		Total:         236,
		PaymentMethod: domain.MethodCash,
		Status:        domain.SaleStatusCompleted,
		CreatedAt:     time.Now().UTC(),
	}
	created, err := s.CreateSale(ctx, sale)
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated sale id")
	}

	fetched, err := s.GetSaleByInvoice(ctx, "INV-2026-0001")
	if err != nil {
		t.Fatalf("get sale by invoice failed: %v", err)
	}
	if fetched.Total != 236 {
		t.Fatalf("expected total 236, got %v", fetched.Total)
	}

	if _, err := s.CreateSale(ctx, sale); err == nil {
		t.Fatalf("expected duplicate invoice id to be rejected")
	}
}

func TestListSalesFiltersAndOrders(t *testing.T) {
	s := New()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, status := range []string{domain.SaleStatusCompleted, domain.SaleStatusCompleted, domain.SaleStatusCancelled} {
		_, err := s.CreateSale(ctx, domain.Sale{
			InvoiceID: domain.FormatInvoiceCode(2026, int64(i+1)),
			Customer:  domain.CustomerInfo{Name: "Asha Rao", Phone: "9000000001"},
			Items:     []domain.SaleLineItem{{ProductID: "prod-a", Name: "A", Price: 50, Quantity: 1}},
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("create sale #%d failed: %v", i, err)
		}
	}

	completed, err := s.ListSales(ctx, domain.SaleFilter{Status: domain.SaleStatusCompleted})
	if err != nil {
		t.Fatalf("list sales failed: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("expected 2 completed sales, got %d", len(completed))
	}
	if completed[0].CreatedAt.Before(completed[1].CreatedAt) {
		t.Fatalf("expected newest-first ordering")
	}

	from := base.Add(90 * time.Minute)
	windowed, err := s.ListSales(ctx, domain.SaleFilter{From: &from})
	if err != nil {
		t.Fatalf("list sales failed: %v", err)
	}
	if len(windowed) != 1 {
		t.Fatalf("expected 1 sale after window start, got %d", len(windowed))
	}

	byCustomer, err := s.ListSales(ctx, domain.SaleFilter{Customer: "asha"})
	if err != nil {
		t.Fatalf("list sales failed: %v", err)
	}
	if len(byCustomer) != 3 {
		t.Fatalf("expected case-insensitive customer match, got %d", len(byCustomer))
	}

	limited, err := s.ListSales(ctx, domain.SaleFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list sales failed: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit 1, got %d", len(limited))
	}
}

func TestApplyPaymentTransitions(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.CreatePayment(ctx, domain.PaymentRecord{
		InvoiceID: "INV-2026-0001",
		Customer:  domain.WalkInCustomer(),
		Amount:    1000,
		Method:    domain.MethodCredit,
		Status:    domain.PaymentStatusPending,
	})
	if err != nil {
		t.Fatalf("create payment failed: %v", err)
	}

	now := time.Now().UTC()
	partial, err := s.ApplyPayment(ctx, created.ID, 400, domain.MethodCash, "TXN-1", "first installment", now)
	if err != nil {
		t.Fatalf("apply payment failed: %v", err)
	}
	if partial.Status != domain.PaymentStatusPartial {
		t.Fatalf("expected partial status, got %s", partial.Status)
	}
	if partial.PaidDate != nil {
		t.Fatalf("paid date must not be set before full settlement")
	}

	paid, err := s.ApplyPayment(ctx, created.ID, 600, "", "", "final installment", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("apply payment failed: %v", err)
	}
	if paid.Status != domain.PaymentStatusPaid {
		t.Fatalf("expected paid status, got %s", paid.Status)
	}
	if paid.PaidDate == nil {
		t.Fatalf("expected paid date on full settlement")
	}
	if paid.Method != domain.MethodCash {
		t.Fatalf("empty method must not overwrite previous, got %s", paid.Method)
	}
	if paid.Notes != "first installment\nfinal installment" {
		t.Fatalf("unexpected notes log: %q", paid.Notes)
	}

	_, err = s.ApplyPayment(ctx, "missing", 10, "", "", "", now)
	if !errors.Is(err, store.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestMarkPaymentOverdueIsBlindOverride(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.CreatePayment(ctx, domain.PaymentRecord{
		InvoiceID:  "INV-2026-0002",
		Customer:   domain.WalkInCustomer(),
		Amount:     500,
		PaidAmount: 500,
		Method:     domain.MethodCash,
		Status:     domain.PaymentStatusPaid,
	})
	if err != nil {
		t.Fatalf("create payment failed: %v", err)
	}

	updated, err := s.MarkPaymentOverdue(ctx, created.ID, time.Now().UTC())
	if err != nil {
		t.Fatalf("mark overdue failed: %v", err)
	}
	if updated.Status != domain.PaymentStatusOverdue {
		t.Fatalf("expected overdue status regardless of amounts, got %s", updated.Status)
	}
}

func TestSeededStoreHasCatalogAndUsers(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	products, err := s.ListProducts(ctx)
	if err != nil {
		t.Fatalf("list products failed: %v", err)
	}
	if len(products) == 0 {
		t.Fatalf("expected seeded catalog")
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	roles := map[string]bool{}
	for _, u := range users {
		roles[u.Role] = true
	}
	if !roles["admin"] || !roles["cashier"] {
		t.Fatalf("expected seeded admin and cashier accounts")
	}
}
