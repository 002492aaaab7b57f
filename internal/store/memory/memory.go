package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"billdesk/backend/internal/auth"
	"billdesk/backend/internal/domain"
	"billdesk/backend/internal/store"
	"billdesk/backend/internal/xid"
)

type Store struct {
	mu              sync.RWMutex
	items           map[string]domain.Item
	bills           map[string]domain.Bill
	billSeq         int64
	billPrefix      string
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New(billPrefix string) *Store {
	return &Store{
		items:           make(map[string]domain.Item),
		bills:           make(map[string]domain.Bill),
		billPrefix:      billPrefix,
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with demo users and a small catalog for local
// runs without DATABASE_URL.
func NewSeeded(billPrefix string) *Store {
	s := New(billPrefix)
	s.usersByUsername = seedUsers()

	now := time.Now().UTC()
	for _, item := range []domain.Item{
		{ID: "ITM-PEN", Name: "Ballpoint Pen", Category: "stationery", CostPrice: decimal.RequireFromString("0.60"), SalePrice: decimal.RequireFromString("1.50"), Stock: 120},
		{ID: "ITM-PENCIL", Name: "HB Pencil", Category: "stationery", CostPrice: decimal.RequireFromString("0.25"), SalePrice: decimal.RequireFromString("0.80"), Stock: 200},
		{ID: "ITM-NOTEBOOK", Name: "A5 Notebook", Category: "stationery", CostPrice: decimal.RequireFromString("1.90"), SalePrice: decimal.RequireFromString("3.75"), Stock: 80},
		{ID: "ITM-MUG", Name: "Ceramic Mug", Category: "homeware", CostPrice: decimal.RequireFromString("2.40"), SalePrice: decimal.RequireFromString("6.99"), Stock: 35},
		{ID: "ITM-TOTE", Name: "Canvas Tote", Category: "accessories", CostPrice: decimal.RequireFromString("3.10"), SalePrice: decimal.RequireFromString("8.50"), Stock: 40},
	} {
		item.CreatedBy = "admin"
		item.CreatedAt = now
		s.items[item.ID] = item
	}
	return s
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_EDITOR_PASSWORD with dev fallbacks.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	editorPwd := envOr("SEED_EDITOR_PASSWORD", "editor123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_EDITOR_PASSWORD") == "" {
		slog.Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_EDITOR_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"editor", editorPwd, domain.RoleEditor},
	} {
		hash, err := auth.HashPassword(u.password)
		if err != nil {
			panic(fmt.Sprintf("memory store: hash seed password for %s: %v", u.username, err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  hash,
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

func (s *Store) CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" || item.Stock < 0 || item.SalePrice.IsNegative() || item.CostPrice.IsNegative() {
		return nil, store.ErrInvalidItem
	}
	if item.ID == "" {
		item.ID = xid.New("itm")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return nil, fmt.Errorf("%w: item %s already exists", store.ErrInvalidItem, item.ID)
	}
	s.items[item.ID] = item
	out := item
	return &out, nil
}

func (s *Store) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	s.mu.RLock()
	item, ok := s.items[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	if tx := txFrom(ctx); tx != nil {
		item.Stock += tx.deltas[id]
	}
	return &item, nil
}

func (s *Store) ListItems(_ context.Context, filter domain.ItemFilter) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Item, 0, len(s.items))
	for _, item := range s.items {
		if filter.CreatedBy != "" && item.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Category != "" && !strings.EqualFold(item.Category, filter.Category) {
			continue
		}
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.Item) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return items, nil
}

func (s *Store) Reserve(ctx context.Context, id string, qty int) error {
	item, err := s.GetItem(ctx, id)
	if err != nil {
		return err
	}
	if qty > item.Stock {
		return &store.InsufficientStockError{ItemID: id, Requested: qty, Available: item.Stock}
	}
	return nil
}

func (s *Store) ApplyDelta(ctx context.Context, id string, delta int) (int, error) {
	if tx := txFrom(ctx); tx != nil {
		item, err := s.GetItem(ctx, id)
		if err != nil {
			return 0, err
		}
		next := item.Stock + delta
		if next < 0 {
			return 0, &store.InsufficientStockError{ItemID: id, Requested: -delta, Available: item.Stock}
		}
		tx.deltas[id] += delta
		return next, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return 0, fmt.Errorf("item %s: %w", id, store.ErrNotFound)
	}
	next := item.Stock + delta
	if next < 0 {
		return 0, &store.InsufficientStockError{ItemID: id, Requested: -delta, Available: item.Stock}
	}
	item.Stock = next
	s.items[id] = item
	return next, nil
}

func (s *Store) CreateBill(ctx context.Context, bill domain.Bill) (*domain.Bill, error) {
	if len(bill.Lines) == 0 {
		return nil, store.ErrInvalidBill
	}
	now := time.Now().UTC()
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = now
	}
	bill.UpdatedAt = bill.CreatedAt
	if bill.Status == "" {
		bill.Status = domain.StatusActive
	}

	s.mu.Lock()
	s.billSeq++
	bill.Number = xid.BillNumber(s.billPrefix, s.billSeq)
	tx := txFrom(ctx)
	if tx == nil {
		s.bills[bill.Number] = cloneBill(bill)
	}
	s.mu.Unlock()

	if tx != nil {
		tx.bills[bill.Number] = cloneBill(bill)
		tx.created[bill.Number] = true
	}
	out := cloneBill(bill)
	return &out, nil
}

func (s *Store) GetBill(ctx context.Context, number string) (*domain.Bill, error) {
	if tx := txFrom(ctx); tx != nil {
		if staged, ok := tx.bills[number]; ok {
			out := cloneBill(staged)
			return &out, nil
		}
	}
	s.mu.RLock()
	bill, ok := s.bills[number]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("bill %s: %w", number, store.ErrNotFound)
	}
	out := cloneBill(bill)
	return &out, nil
}

func (s *Store) SetBillStatus(ctx context.Context, number string, from domain.BillStatus, to domain.BillStatus, reason string) (*domain.Bill, error) {
	return s.updateBill(ctx, number, func(bill *domain.Bill) error {
		if bill.Status != from || !from.CanTransition(to) {
			return fmt.Errorf("%w: %s is %s, cannot move %s -> %s", store.ErrInvalidTransition, number, bill.Status, from, to)
		}
		bill.Status = to
		if to == domain.StatusVoid {
			bill.VoidReason = reason
		}
		return nil
	})
}

func (s *Store) SetChildBill(ctx context.Context, parent string, previousChild string, child string) error {
	_, err := s.updateBill(ctx, parent, func(bill *domain.Bill) error {
		if bill.ChildBillNumber != previousChild {
			return fmt.Errorf("%w: %s is linked to %s", store.ErrAlreadyLinked, parent, bill.ChildBillNumber)
		}
		bill.ChildBillNumber = child
		return nil
	})
	return err
}

func (s *Store) updateBill(ctx context.Context, number string, mutate func(bill *domain.Bill) error) (*domain.Bill, error) {
	tx := txFrom(ctx)
	if tx != nil {
		current, err := s.GetBill(ctx, number)
		if err != nil {
			return nil, err
		}
		if !tx.created[number] {
			if _, seen := tx.expect[number]; !seen {
				s.mu.RLock()
				base := s.bills[number]
				s.mu.RUnlock()
				tx.expect[number] = billVersion{status: base.Status, child: base.ChildBillNumber}
			}
		}
		if err := mutate(current); err != nil {
			return nil, err
		}
		current.UpdatedAt = time.Now().UTC()
		tx.bills[number] = cloneBill(*current)
		out := cloneBill(*current)
		return &out, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	bill, ok := s.bills[number]
	if !ok {
		return nil, fmt.Errorf("bill %s: %w", number, store.ErrNotFound)
	}
	bill = cloneBill(bill)
	if err := mutate(&bill); err != nil {
		return nil, err
	}
	bill.UpdatedAt = time.Now().UTC()
	s.bills[number] = bill
	out := cloneBill(bill)
	return &out, nil
}

func (s *Store) ListBills(_ context.Context, filter domain.BillFilter) ([]domain.Bill, error) {
	s.mu.RLock()
	bills := make([]domain.Bill, 0, len(s.bills))
	for _, bill := range s.bills {
		if !matchesBillFilter(bill, filter) {
			continue
		}
		bills = append(bills, cloneBill(bill))
	}
	s.mu.RUnlock()

	slices.SortFunc(bills, func(a, b domain.Bill) int {
		return strings.Compare(a.Number, b.Number)
	})
	if filter.Limit > 0 && len(bills) > filter.Limit {
		bills = bills[len(bills)-filter.Limit:]
	}
	return bills, nil
}

func matchesBillFilter(bill domain.Bill, filter domain.BillFilter) bool {
	if filter.Kind != "" && bill.Kind != filter.Kind {
		return false
	}
	if filter.Status != "" && bill.Status != filter.Status {
		return false
	}
	if filter.Customer != "" && !strings.EqualFold(bill.Customer, filter.Customer) {
		return false
	}
	if filter.CreatedBy != "" && bill.CreatedBy != filter.CreatedBy {
		return false
	}
	if !filter.From.IsZero() && bill.CreatedAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && !bill.CreatedAt.Before(filter.To) {
		return false
	}
	return true
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.auditLogs = append(s.auditLogs, entry)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, len(s.auditLogs))
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
		if limit > 0 && len(logs) >= limit {
			break
		}
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return fmt.Errorf("%w: username and password hash are required", store.ErrInvalidUser)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: username %s already exists", store.ErrInvalidUser, username)
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, store.ErrNotFound)
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context, role string) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		if role != "" && user.Role != role {
			continue
		}
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) SetUserActive(_ context.Context, username string, active bool) error {
	username = strings.ToLower(strings.TrimSpace(username))
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return fmt.Errorf("user %s: %w", username, store.ErrNotFound)
	}
	user.Active = active
	s.usersByUsername[username] = user
	return nil
}

func cloneBill(src domain.Bill) domain.Bill {
	out := src
	out.Lines = slices.Clone(src.Lines)
	return out
}
