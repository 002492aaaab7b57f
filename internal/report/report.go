// Package report builds the dashboard read model over the bill ledger.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"billdesk/backend/internal/cache"
	"billdesk/backend/internal/domain"
	"billdesk/backend/internal/store"
)

const (
	ScopeAll  = "all"
	ScopeMine = "mine"

	topLimit   = 5
	weeklyDays = 7
)

type Service struct {
	bills  store.BillLedger
	cache  cache.ReportCache
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func New(bills store.BillLedger, reportCache cache.ReportCache, ttl time.Duration, logger *slog.Logger) *Service {
	if reportCache == nil {
		reportCache = cache.NoopReportCache{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bills:  bills,
		cache:  reportCache,
		ttl:    ttl,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Dashboard returns the store-wide view for ScopeAll, or the view limited to
// bills created by editor for ScopeMine.
func (s *Service) Dashboard(ctx context.Context, scope string, editor string) (domain.Dashboard, error) {
	switch scope {
	case "", ScopeAll:
		scope, editor = ScopeAll, ""
	case ScopeMine:
		if strings.TrimSpace(editor) == "" {
			return domain.Dashboard{}, fmt.Errorf("%w: scope mine needs an editor", store.ErrInvalidBill)
		}
	default:
		return domain.Dashboard{}, fmt.Errorf("%w: unknown report scope %q", store.ErrInvalidBill, scope)
	}

	key := cache.ReportKey(scope, editor)
	if cached, ok, err := s.cache.Get(ctx, key); err != nil {
		s.logger.Warn("report cache read failed", "key", key, "error", err)
	} else if ok {
		return *cached, nil
	}

	bills, err := s.bills.ListBills(ctx, domain.BillFilter{CreatedBy: editor})
	if err != nil {
		return domain.Dashboard{}, err
	}
	dashboard, err := s.build(ctx, bills)
	if err != nil {
		return domain.Dashboard{}, err
	}
	dashboard.Scope = scope
	dashboard.Editor = editor

	if s.ttl > 0 {
		if err := s.cache.Set(ctx, key, &dashboard, s.ttl); err != nil {
			s.logger.Warn("report cache write failed", "key", key, "error", err)
		}
	}
	return dashboard, nil
}

// Invalidate drops cached dashboards after a bill or stock change.
func (s *Service) Invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("report cache invalidate failed", "error", err)
	}
}

func (s *Service) build(ctx context.Context, bills []domain.Bill) (domain.Dashboard, error) {
	now := s.now()
	dashboard := domain.Dashboard{
		TotalBills:   len(bills),
		NetSales:     decimal.Zero,
		TopEditors:   []domain.PartyStat{},
		TopCustomers: []domain.PartyStat{},
		GeneratedAt:  now,
	}

	byNumber := make(map[string]domain.Bill, len(bills))
	for _, bill := range bills {
		byNumber[bill.Number] = bill
	}

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	firstDay := today.AddDate(0, 0, -(weeklyDays - 1))
	weekly := make([]domain.DailySales, weeklyDays)
	for i := range weekly {
		weekly[i] = domain.DailySales{Date: firstDay.AddDate(0, 0, i).Format("2006-01-02"), Revenue: decimal.Zero}
	}

	editors := map[string]*domain.PartyStat{}
	customers := map[string]*domain.PartyStat{}

	for _, bill := range bills {
		if bill.Status == domain.StatusVoid {
			dashboard.Counts.Void++
			continue
		}
		switch bill.Kind {
		case domain.KindSale:
			dashboard.Counts.Sale++
		case domain.KindExchange:
			dashboard.Counts.Exchange++
		case domain.KindReturn:
			dashboard.Counts.Return++
		}

		net, err := s.netAmount(ctx, bill, byNumber)
		if err != nil {
			return domain.Dashboard{}, err
		}
		dashboard.NetSales = dashboard.NetSales.Add(net)

		addParty(editors, bill.CreatedBy, net)
		addParty(customers, bill.Customer, net)

		created := bill.CreatedAt.UTC()
		if !created.Before(firstDay) {
			day := int(created.Sub(firstDay) / (24 * time.Hour))
			if day >= 0 && day < weeklyDays {
				weekly[day].Bills++
				weekly[day].Revenue = weekly[day].Revenue.Add(net)
			}
		}
	}

	dashboard.UniqueCustomers = len(customers)
	dashboard.TopEditors = topParties(editors)
	dashboard.TopCustomers = topParties(customers)
	dashboard.WeeklySales = weekly
	return dashboard, nil
}

// netAmount is what a bill adds to net sales. An exchange only counts the
// difference against the bill it replaced.
func (s *Service) netAmount(ctx context.Context, bill domain.Bill, byNumber map[string]domain.Bill) (decimal.Decimal, error) {
	switch bill.Kind {
	case domain.KindReturn:
		return bill.TotalAmount.Neg(), nil
	case domain.KindExchange:
		parent, ok := byNumber[bill.ParentBillNumber]
		if !ok {
			fetched, err := s.bills.GetBill(ctx, bill.ParentBillNumber)
			if err != nil {
				return decimal.Zero, err
			}
			parent = *fetched
			byNumber[parent.Number] = parent
		}
		return bill.TotalAmount.Sub(parent.TotalAmount), nil
	default:
		return bill.TotalAmount, nil
	}
}

func addParty(stats map[string]*domain.PartyStat, name string, amount decimal.Decimal) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	key := strings.ToLower(name)
	stat, ok := stats[key]
	if !ok {
		stat = &domain.PartyStat{Name: name, Amount: decimal.Zero}
		stats[key] = stat
	}
	stat.Bills++
	stat.Amount = stat.Amount.Add(amount)
}

func topParties(stats map[string]*domain.PartyStat) []domain.PartyStat {
	out := make([]domain.PartyStat, 0, len(stats))
	for _, stat := range stats {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Amount.Cmp(out[j].Amount); c != 0 {
			return c > 0
		}
		if out[i].Bills != out[j].Bills {
			return out[i].Bills > out[j].Bills
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > topLimit {
		out = out[:topLimit]
	}
	return out
}
