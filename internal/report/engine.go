package report

import (
	"math"
	"time"

	"tillpoint/backend/internal/domain"
)

// The aggregation functions here are pure folds over already-fetched records.
// They never mutate their inputs, so running a report twice over the same data
// yields the same result.

// Dashboard summarizes revenue, sales volume, inventory and outstanding
// payments for the storefront dashboard. Month windows are calendar months in
// UTC; cancelled and refunded sales are excluded from revenue.
func Dashboard(products []domain.Product, sales []domain.Sale, payments []domain.PaymentRecord, now time.Time) domain.DashboardReport {
	now = now.UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	lastMonthStart := monthStart.AddDate(0, -1, 0)
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var report domain.DashboardReport

	var currentRevenue, lastMonthRevenue, todayRevenue, currentProfit float64
	for _, sale := range sales {
		if !countsTowardRevenue(sale) {
			continue
		}
		at := sale.CreatedAt.UTC()
		switch {
		case !at.Before(monthStart):
			currentRevenue += sale.Total
			report.Sales.Count++
			for _, item := range sale.Items {
				currentProfit += item.Profit()
			}
			if !at.Before(todayStart) {
				todayRevenue += sale.Total
				report.Sales.Today++
			}
		case !at.Before(lastMonthStart):
			lastMonthRevenue += sale.Total
			report.Sales.LastMonthCount++
		}
	}

	report.Revenue.Current = roundMoney(currentRevenue)
	report.Revenue.LastMonth = roundMoney(lastMonthRevenue)
	report.Revenue.Today = roundMoney(todayRevenue)
	report.Revenue.Change = percentChange(currentRevenue, lastMonthRevenue)
	report.Revenue.Profit = roundMoney(currentProfit)
	report.Revenue.ProfitMargin = percentOf(currentProfit, currentRevenue)

	if report.Sales.Count > 0 {
		report.Sales.AvgOrderValue = roundMoney(currentRevenue / float64(report.Sales.Count))
	}

	var inventoryValue, purchaseValue float64
	for _, product := range products {
		report.Products.Total++
		switch {
		case product.Stock == 0:
			report.Products.OutOfStock++
		case product.Stock <= product.LowStockThreshold:
			report.Products.LowStock++
		}
		inventoryValue += product.Price * float64(product.Stock)
		purchaseValue += product.CostBasis() * float64(product.Stock)
	}
	report.Products.InventoryValue = roundMoney(inventoryValue)
	report.Products.PurchaseValue = roundMoney(purchaseValue)
	report.Products.PotentialProfit = roundMoney(inventoryValue - purchaseValue)

	var pendingBalance, overdueBalance float64
	for _, payment := range payments {
		switch payment.Status {
		case domain.PaymentStatusPending, domain.PaymentStatusPartial:
			pendingBalance += payment.Balance()
			report.Payments.PendingCount++
		}
		if isOverdue(payment, now) {
			overdueBalance += payment.Balance()
			report.Payments.Overdue++
		}
	}
	report.Payments.Pending = roundMoney(pendingBalance)
	report.Payments.OverdueAmount = roundMoney(overdueBalance)

	return report
}

// SalesSummary folds a sales window into totals. The caller decides the
// window; every sale passed in is counted.
func SalesSummary(sales []domain.Sale) domain.SalesReportSummary {
	var summary domain.SalesReportSummary
	var totalAmount, totalProfit float64

	for _, sale := range sales {
		summary.TotalSales++
		totalAmount += sale.Total
		for _, item := range sale.Items {
			summary.TotalItems += item.Quantity
			totalProfit += item.Profit()
		}
	}

	summary.TotalAmount = roundMoney(totalAmount)
	summary.TotalProfit = roundMoney(totalProfit)
	if summary.TotalSales > 0 {
		summary.AvgOrderValue = roundMoney(totalAmount / float64(summary.TotalSales))
	}
	summary.ProfitMargin = percentOf(totalProfit, totalAmount)
	return summary
}

// PaymentsSummary folds a payment window into paid/pending totals and a
// per-method breakdown of collected amounts.
func PaymentsSummary(payments []domain.PaymentRecord) domain.PaymentsReportSummary {
	summary := domain.PaymentsReportSummary{
		ByMethod: make(map[string]int64),
	}

	var totalPaid, totalPending float64
	byMethod := make(map[string]float64)
	for _, payment := range payments {
		summary.TotalPayments++
		totalPaid += payment.PaidAmount
		totalPending += payment.Balance()
		if payment.PaidAmount > 0 {
			byMethod[payment.Method] += payment.PaidAmount
		}
	}

	summary.TotalPaid = roundMoney(totalPaid)
	summary.TotalPending = roundMoney(totalPending)
	for method, amount := range byMethod {
		summary.ByMethod[method] = roundMoney(amount)
	}
	return summary
}

// PaymentStats counts records per settlement status and totals the amounts.
func PaymentStats(payments []domain.PaymentRecord) domain.PaymentStats {
	var stats domain.PaymentStats
	var total, paid, outstanding float64

	for _, payment := range payments {
		stats.TotalPayments++
		switch payment.Status {
		case domain.PaymentStatusPaid:
			stats.Counts.Paid++
		case domain.PaymentStatusPartial:
			stats.Counts.Partial++
		case domain.PaymentStatusOverdue:
			stats.Counts.Overdue++
		default:
			stats.Counts.Pending++
		}
		total += payment.Amount
		paid += payment.PaidAmount
		outstanding += payment.Balance()
	}

	stats.Amounts.Total = roundMoney(total)
	stats.Amounts.Paid = roundMoney(paid)
	stats.Amounts.Outstanding = roundMoney(outstanding)
	return stats
}

// isOverdue treats any unpaid payment past its due date as overdue, whether
// or not an administrative override has marked it yet.
func isOverdue(payment domain.PaymentRecord, now time.Time) bool {
	if payment.Status == domain.PaymentStatusPaid {
		return false
	}
	if payment.Status == domain.PaymentStatusOverdue {
		return true
	}
	return payment.DueDate != nil && payment.DueDate.Before(now)
}

func countsTowardRevenue(sale domain.Sale) bool {
	return sale.Status != domain.SaleStatusCancelled && sale.Status != domain.SaleStatusRefunded
}

// percentChange is the month-over-month delta. A zero baseline reports 100%
// when there is any current revenue, 0% otherwise.
func percentChange(current float64, previous float64) float64 {
	if previous <= 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	return round1((current - previous) / previous * 100)
}

func percentOf(part float64, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return round1(part / whole * 100)
}

func roundMoney(v float64) int64 {
	return int64(math.Round(v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
