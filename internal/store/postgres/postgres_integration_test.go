package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"billdesk/backend/internal/domain"
	"billdesk/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	databaseURL := os.Getenv("BILLDESK_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set BILLDESK_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL, "ITEST", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedItem(t *testing.T, s *Store, stock int) string {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("ITM-IT-%d", time.Now().UnixNano())
	if _, err := s.CreateItem(ctx, domain.Item{ID: id, Name: "Integration Pen", SalePrice: decimal.RequireFromString("1.50"), Stock: stock}); err != nil {
		t.Fatalf("create item: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM bill_lines WHERE item_id = $1`, id)
		_, _ = s.db.ExecContext(ctx, `UPDATE bills SET child_bill_number = NULL WHERE number LIKE 'ITEST-%'`)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM bills WHERE number LIKE 'ITEST-%' AND parent_bill_number IS NOT NULL`)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM bills WHERE number LIKE 'ITEST-%'`)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id)
	})
	return id
}

func TestApplyDeltaGuardsStockInDatabase(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	id := seedItem(t, s, 3)

	if _, err := s.ApplyDelta(ctx, id, -4); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	next, err := s.ApplyDelta(ctx, id, -3)
	if err != nil || next != 0 {
		t.Fatalf("expected stock 0, got %d (%v)", next, err)
	}
}

func TestRunInTxRollsBackBillAndStock(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	id := seedItem(t, s, 10)
	boom := errors.New("boom")

	var number string
	err := s.RunInTx(ctx, func(txCtx context.Context) error {
		if _, err := s.ApplyDelta(txCtx, id, -2); err != nil {
			return err
		}
		bill, err := s.CreateBill(txCtx, domain.Bill{
			Kind:        domain.KindSale,
			Lines:       []domain.BillLine{{ItemID: id, Name: "Integration Pen", Quantity: 2, UnitPrice: decimal.RequireFromString("1.50")}},
			TotalAmount: decimal.RequireFromString("3.00"),
		})
		if err != nil {
			return err
		}
		number = bill.Number
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	item, err := s.GetItem(ctx, id)
	if err != nil || item.Stock != 10 {
		t.Fatalf("expected stock 10 after rollback, got %+v (%v)", item, err)
	}
	if _, err := s.GetBill(ctx, number); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected rolled back bill to be missing, got %v", err)
	}
}

func TestBillStatusAndChildCompareAndSet(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	id := seedItem(t, s, 10)
	line := []domain.BillLine{{ItemID: id, Quantity: 1, UnitPrice: decimal.RequireFromString("1.50")}}

	parent, err := s.CreateBill(ctx, domain.Bill{Kind: domain.KindSale, Lines: line, TotalAmount: decimal.RequireFromString("1.50")})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child, err := s.CreateBill(ctx, domain.Bill{Kind: domain.KindReturn, ParentBillNumber: parent.Number, Lines: line, TotalAmount: decimal.RequireFromString("1.50")})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	if err := s.SetChildBill(ctx, parent.Number, "", child.Number); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := s.SetChildBill(ctx, parent.Number, "", child.Number); !errors.Is(err, store.ErrAlreadyLinked) {
		t.Fatalf("expected second link to conflict, got %v", err)
	}
	updated, err := s.SetBillStatus(ctx, parent.Number, domain.StatusActive, domain.StatusReturned, "")
	if err != nil || updated.Status != domain.StatusReturned || updated.ChildBillNumber != child.Number {
		t.Fatalf("unexpected parent after transition %+v (%v)", updated, err)
	}
	if _, err := s.SetBillStatus(ctx, parent.Number, domain.StatusActive, domain.StatusExchanged, ""); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected stale transition to fail, got %v", err)
	}

	bills, err := s.ListBills(ctx, domain.BillFilter{Limit: 2})
	if err != nil || len(bills) != 2 || bills[1].Number != child.Number || len(bills[1].Lines) != 1 {
		t.Fatalf("expected the two newest bills oldest first with lines, got %+v (%v)", bills, err)
	}
}
