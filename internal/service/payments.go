package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/report"
	"tillpoint/backend/internal/store"
)

func (s *Service) GetPayment(ctx context.Context, id string) (*domain.PaymentRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, store.ErrPaymentNotFound
	}
	return s.repo.GetPayment(ctx, id)
}

func (s *Service) ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]domain.PaymentRecord, error) {
	filter.Limit = clampLimit(filter.Limit)
	return s.repo.ListPayments(ctx, filter)
}

// RecordPayment applies an installment to a payment record. The amount must
// be strictly positive; overpayment is allowed and simply keeps the record in
// the paid status.
func (s *Service) RecordPayment(ctx context.Context, id string, req domain.RecordPaymentRequest) (*domain.PaymentRecord, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be greater than zero", store.ErrInvalidAmount)
	}
	if req.Method != "" && !domain.IsSupportedPaymentMethod(req.Method) {
		return nil, fmt.Errorf("%w: unsupported payment method %q", store.ErrInvalidRequest, req.Method)
	}

	now := time.Now().UTC()
	transactionID := req.TransactionID
	if transactionID == "" {
		transactionID = fmt.Sprintf("TXN-%d", now.UnixMilli())
	}

	updated, err := s.repo.ApplyPayment(ctx, id, req.Amount, req.Method, transactionID, req.Notes, now)
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment recorded",
		zap.String("payment_id", updated.ID),
		zap.String("invoice_id", updated.InvoiceID),
		zap.Float64("amount", req.Amount),
		zap.Float64("paid_amount", updated.PaidAmount),
		zap.String("status", updated.Status),
	)

	return updated, nil
}

// MarkOverdue flips a payment to the overdue status unconditionally. It is an
// administrative override, so even fully settled records can be flagged.
func (s *Service) MarkOverdue(ctx context.Context, id string) (*domain.PaymentRecord, error) {
	updated, err := s.repo.MarkPaymentOverdue(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Warn("payment marked overdue",
		zap.String("payment_id", updated.ID),
		zap.String("invoice_id", updated.InvoiceID),
		zap.Float64("balance", updated.Balance()),
	)

	return updated, nil
}

func (s *Service) PaymentStats(ctx context.Context) (domain.PaymentStats, error) {
	payments, err := s.repo.ListPayments(ctx, domain.PaymentFilter{Limit: reportScanLimit})
	if err != nil {
		return domain.PaymentStats{}, err
	}
	return report.PaymentStats(payments), nil
}
