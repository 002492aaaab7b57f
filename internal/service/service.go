package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"billdesk/backend/internal/domain"
	"billdesk/backend/internal/events"
	"billdesk/backend/internal/lineage"
	"billdesk/backend/internal/reconcile"
	"billdesk/backend/internal/report"
	"billdesk/backend/internal/store"
	"billdesk/backend/internal/xid"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo       store.Repository
	reconciler *reconcile.Reconciler
	linker     *lineage.Linker
	reports    *report.Service
	publisher  events.Publisher
	logger     *slog.Logger
}

func New(repo store.Repository, reconciler *reconcile.Reconciler, linker *lineage.Linker, reports *report.Service, publisher events.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:       repo,
		reconciler: reconciler,
		linker:     linker,
		reports:    reports,
		publisher:  publisher,
		logger:     logger,
	}
}

func (s *Service) CreateBill(ctx context.Context, req domain.BillCreateRequest) (domain.BillCreateResponse, error) {
	actor := actorOrSystem(ctx)

	transition, err := domain.NewTransition(req.Kind, strings.TrimSpace(req.ParentBillNumber))
	if err != nil {
		return domain.BillCreateResponse{}, fmt.Errorf("%w: %v", store.ErrInvalidBill, err)
	}
	if len(req.Lines) == 0 {
		return domain.BillCreateResponse{}, fmt.Errorf("%w: at least one line is required", store.ErrInvalidBill)
	}

	lines := make([]domain.DraftLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, domain.DraftLine{
			ItemID:    strings.TrimSpace(line.ItemID),
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	result, err := s.reconciler.Submit(ctx, domain.BillDraft{
		Transition: transition,
		Lines:      lines,
		Customer:   strings.TrimSpace(req.Customer),
		CreatedBy:  actor.Username,
	})
	if err != nil {
		return domain.BillCreateResponse{}, err
	}

	bill := result.Bill
	detail := fmt.Sprintf("kind=%s total=%s lines=%d", bill.Kind, bill.TotalAmount.StringFixed(2), len(bill.Lines))
	if bill.ParentBillNumber != "" {
		detail += " parent=" + bill.ParentBillNumber
	}
	s.logAudit(ctx, "bill.create", "bill", bill.Number, detail)

	s.publish(ctx, events.NewBillEvent(events.TypeBillCreated, bill, actor.Username))
	if result.Parent != nil {
		s.publish(ctx, events.NewBillEvent(events.TypeBillStatusChanged, *result.Parent, actor.Username))
	}
	s.reports.Invalidate(ctx)

	return domain.BillCreateResponse{
		BillNumber:  bill.Number,
		TotalAmount: bill.TotalAmount,
		Bill:        bill,
	}, nil
}

// GetBill returns the bill currently in force for number. With exact set the
// stored record for number is returned as is.
func (s *Service) GetBill(ctx context.Context, number string, exact bool) (domain.ResolvedBill, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return domain.ResolvedBill{}, fmt.Errorf("%w: bill number is required", store.ErrInvalidBill)
	}

	target := number
	if !exact {
		current, err := s.linker.ResolveCurrent(ctx, number)
		if err != nil {
			return domain.ResolvedBill{}, err
		}
		target = current
	}
	bill, err := s.repo.GetBill(ctx, target)
	if err != nil {
		return domain.ResolvedBill{}, err
	}
	return domain.ResolvedBill{Bill: *bill, ResolvedFrom: number}, nil
}

func (s *Service) BillLineage(ctx context.Context, number string) (domain.LineageResponse, error) {
	chain, err := s.linker.Chain(ctx, number)
	if err != nil {
		return domain.LineageResponse{}, err
	}
	current, err := s.linker.ResolveCurrent(ctx, number)
	if err != nil {
		return domain.LineageResponse{}, err
	}
	return domain.LineageResponse{BillNumber: number, Current: current, Chain: chain}, nil
}

func (s *Service) ListBills(ctx context.Context, filter domain.BillFilter, mine bool) ([]domain.Bill, error) {
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", store.ErrInvalidBill, filter.Kind)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", store.ErrInvalidBill, filter.Status)
	}
	if mine {
		filter.CreatedBy = actorOrSystem(ctx).Username
	}
	filter.Limit = clampLimit(filter.Limit)
	return s.repo.ListBills(ctx, filter)
}

func (s *Service) VoidBill(ctx context.Context, number string, req domain.BillVoidRequest) (domain.Bill, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Bill{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return domain.Bill{}, fmt.Errorf("%w: void reason is required", store.ErrInvalidBill)
	}

	result, err := s.reconciler.Void(ctx, strings.TrimSpace(number), reason)
	if err != nil {
		return domain.Bill{}, err
	}
	s.logAudit(ctx, "bill.void", "bill", result.Bill.Number, "reason="+reason)
	s.publish(ctx, events.NewBillEvent(events.TypeBillVoided, result.Bill, actorOrSystem(ctx).Username))
	s.reports.Invalidate(ctx)
	return result.Bill, nil
}

func (s *Service) ListItems(ctx context.Context, filter domain.ItemFilter, mine bool) ([]domain.Item, error) {
	if mine {
		filter.CreatedBy = actorOrSystem(ctx).Username
	}
	return s.repo.ListItems(ctx, filter)
}

func (s *Service) CreateItem(ctx context.Context, req domain.ItemCreateRequest) (domain.Item, error) {
	actor := actorOrSystem(ctx)

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Item{}, fmt.Errorf("%w: name is required", store.ErrInvalidItem)
	}
	if !req.SalePrice.IsPositive() {
		return domain.Item{}, fmt.Errorf("%w: sale price must be positive", store.ErrInvalidItem)
	}
	if req.CostPrice.IsNegative() {
		return domain.Item{}, fmt.Errorf("%w: cost price must not be negative", store.ErrInvalidItem)
	}
	if req.InitialStock < 0 {
		return domain.Item{}, fmt.Errorf("%w: initial stock must not be negative", store.ErrInvalidItem)
	}

	item, err := s.repo.CreateItem(ctx, domain.Item{
		ID:        xid.New("ITM"),
		Name:      name,
		Category:  strings.TrimSpace(req.Category),
		CostPrice: req.CostPrice.Round(2),
		SalePrice: req.SalePrice.Round(2),
		Stock:     req.InitialStock,
		CreatedBy: actor.Username,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return domain.Item{}, err
	}

	s.logAudit(ctx, "item.create", "item", item.ID, fmt.Sprintf("name=%s stock=%d", item.Name, item.Stock))
	if item.Stock > 0 {
		s.publish(ctx, events.NewStockEvent(domain.StockLevel{ItemID: item.ID, Stock: item.Stock}, actor.Username, "initial stock"))
	}
	return *item, nil
}

func (s *Service) ItemStock(ctx context.Context, itemID string) (domain.StockLevel, error) {
	item, err := s.repo.GetItem(ctx, strings.TrimSpace(itemID))
	if err != nil {
		return domain.StockLevel{}, err
	}
	return domain.StockLevel{ItemID: item.ID, Stock: item.Stock}, nil
}

func (s *Service) RestockItem(ctx context.Context, itemID string, req domain.RestockRequest) (domain.StockLevel, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.StockLevel{}, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "restock"
	}

	level, err := s.reconciler.Restock(ctx, strings.TrimSpace(itemID), req.Delta)
	if err != nil {
		return domain.StockLevel{}, err
	}
	s.logAudit(ctx, "item.restock", "item", level.ItemID, fmt.Sprintf("delta=%d stock=%d reason=%s", req.Delta, level.Stock, reason))
	s.publish(ctx, events.NewStockEvent(level, actorOrSystem(ctx).Username, reason))
	return level, nil
}

// Dashboard serves the store-wide view to admins. Editors always get their
// own view regardless of the requested scope.
func (s *Service) Dashboard(ctx context.Context, scope string) (domain.Dashboard, error) {
	actor := actorOrSystem(ctx)
	if actor.Role != domain.RoleAdmin {
		scope = report.ScopeMine
	}
	editor := ""
	if scope == report.ScopeMine {
		editor = actor.Username
	}
	return s.reports.Dashboard(ctx, scope, editor)
}

func (s *Service) ExportBills(ctx context.Context, filter domain.BillFilter, w io.Writer) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	filter.Limit = 0
	return s.reports.ExportBillsXLSX(ctx, filter, w)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalidBill)
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, clampLimit(limit))
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor := actorOrSystem(ctx)
	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to write audit log", "action", action, "entity", entityType+"/"+entityID, "error", err)
	}
}

// publish runs after commit, so a broker failure never undoes the change.
func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), event); err != nil {
		s.logger.Warn("failed to publish event", "type", event.Type, "key", event.Key(), "error", err)
	}
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("%w: admin role required", store.ErrForbidden)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit < 1 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
