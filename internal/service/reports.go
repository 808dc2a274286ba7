package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/report"
)

const (
	dashboardCacheKey = "reports:dashboard"

	// reportScanLimit bounds how many records a report folds over. Reports
	// are read-only, so a truncated window degrades accuracy, not data.
	reportScanLimit = 2000
)

// Dashboard aggregates the storefront dashboard, served from the report
// cache when a fresh copy exists. Cache failures degrade to a direct read.
func (s *Service) Dashboard(ctx context.Context) (domain.DashboardReport, error) {
	if cached, found, err := s.reportCache.Get(ctx, dashboardCacheKey); err != nil {
		s.logger.Warn("dashboard cache read failed", zap.Error(err))
	} else if found {
		return *cached, nil
	}

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	lastMonthStart := monthStart.AddDate(0, -1, 0)

	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return domain.DashboardReport{}, err
	}
	sales, err := s.repo.ListSales(ctx, domain.SaleFilter{From: &lastMonthStart, Limit: reportScanLimit})
	if err != nil {
		return domain.DashboardReport{}, err
	}
	payments, err := s.repo.ListPayments(ctx, domain.PaymentFilter{Limit: reportScanLimit})
	if err != nil {
		return domain.DashboardReport{}, err
	}

	dashboard := report.Dashboard(products, sales, payments, now)

	if err := s.reportCache.Set(ctx, dashboardCacheKey, &dashboard, s.cacheTTL); err != nil {
		s.logger.Warn("dashboard cache write failed", zap.Error(err))
	}

	return dashboard, nil
}

func (s *Service) SalesReport(ctx context.Context, filter domain.SaleFilter) (domain.SalesReport, error) {
	if filter.Limit < 1 || filter.Limit > reportScanLimit {
		filter.Limit = reportScanLimit
	}
	sales, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return domain.SalesReport{}, err
	}
	return domain.SalesReport{
		Sales:   sales,
		Summary: report.SalesSummary(sales),
	}, nil
}

func (s *Service) PaymentsReport(ctx context.Context, filter domain.PaymentFilter) (domain.PaymentsReport, error) {
	filter.Limit = reportScanLimit
	payments, err := s.repo.ListPayments(ctx, filter)
	if err != nil {
		return domain.PaymentsReport{}, err
	}
	return domain.PaymentsReport{
		Payments: payments,
		Summary:  report.PaymentsSummary(payments),
	}, nil
}
