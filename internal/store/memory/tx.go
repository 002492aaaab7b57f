package memory

import (
	"context"
	"fmt"

	"billdesk/backend/internal/domain"
	"billdesk/backend/internal/store"
)

type txKey struct{}

type billVersion struct {
	status domain.BillStatus
	child  string
}

// memTx stages writes until commit. expect records the committed version
// of every pre-existing bill the transaction touched.
type memTx struct {
	deltas  map[string]int
	bills   map[string]domain.Bill
	created map[string]bool
	expect  map[string]billVersion
}

func txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(txKey{}).(*memTx)
	return tx
}

func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	tx := &memTx{
		deltas:  make(map[string]int),
		bills:   make(map[string]domain.Bill),
		created: make(map[string]bool),
		expect:  make(map[string]billVersion),
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, delta := range tx.deltas {
		item, ok := s.items[id]
		if !ok {
			return fmt.Errorf("item %s: %w", id, store.ErrNotFound)
		}
		if item.Stock+delta < 0 {
			return &store.InsufficientStockError{ItemID: id, Requested: -delta, Available: item.Stock}
		}
	}
	for number, want := range tx.expect {
		base, ok := s.bills[number]
		if !ok {
			return fmt.Errorf("bill %s: %w", number, store.ErrNotFound)
		}
		if base.Status != want.status || base.ChildBillNumber != want.child {
			return fmt.Errorf("%w: bill %s changed concurrently", store.ErrBusy, number)
		}
	}

	for id, delta := range tx.deltas {
		item := s.items[id]
		item.Stock += delta
		s.items[id] = item
	}
	for number, bill := range tx.bills {
		s.bills[number] = cloneBill(bill)
	}
	return nil
}
