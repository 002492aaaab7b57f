// Package lineage maintains parent and child references between bills and
// resolves a bill number to the bill currently in force.
package lineage

import (
	"context"
	"fmt"

	"billdesk/backend/internal/domain"
	"billdesk/backend/internal/store"
)

const DefaultMaxDepth = 50

type Ledger interface {
	GetBill(ctx context.Context, number string) (*domain.Bill, error)
	SetChildBill(ctx context.Context, parent string, previousChild string, child string) error
}

type Linker struct {
	ledger   Ledger
	maxDepth int
}

func New(ledger Ledger, maxDepth int) *Linker {
	if maxDepth < 1 {
		maxDepth = DefaultMaxDepth
	}
	return &Linker{ledger: ledger, maxDepth: maxDepth}
}

// ActiveChild returns the parent's non-void derivative, or nil when there
// is none.
func (l *Linker) ActiveChild(ctx context.Context, parent *domain.Bill) (*domain.Bill, error) {
	if parent == nil || parent.ChildBillNumber == "" {
		return nil, nil
	}
	child, err := l.ledger.GetBill(ctx, parent.ChildBillNumber)
	if err != nil {
		return nil, err
	}
	if child.Status == domain.StatusVoid {
		return nil, nil
	}
	return child, nil
}

// Link records child as the derivative of parent. A parent holds at most
// one non-void child.
func (l *Linker) Link(ctx context.Context, parentNumber string, childNumber string) error {
	if parentNumber == "" || childNumber == "" || parentNumber == childNumber {
		return store.ErrInvalidBill
	}
	parent, err := l.ledger.GetBill(ctx, parentNumber)
	if err != nil {
		return err
	}
	active, err := l.ActiveChild(ctx, parent)
	if err != nil {
		return err
	}
	if active != nil {
		return fmt.Errorf("%w: %s already derived into %s", store.ErrAlreadyLinked, parentNumber, active.Number)
	}
	return l.ledger.SetChildBill(ctx, parentNumber, parent.ChildBillNumber, childNumber)
}

// ResolveCurrent returns the most recent non-void bill in the lineage of
// number. A void bill resolves through its nearest non-void ancestor.
func (l *Linker) ResolveCurrent(ctx context.Context, number string) (string, error) {
	bill, err := l.ledger.GetBill(ctx, number)
	if err != nil {
		return "", err
	}

	w := l.newWalk(bill.Number)
	for bill.Status == domain.StatusVoid && bill.ParentBillNumber != "" {
		if err := w.step(bill.ParentBillNumber); err != nil {
			return "", err
		}
		if bill, err = l.ledger.GetBill(ctx, bill.ParentBillNumber); err != nil {
			return "", err
		}
	}

	for bill.ChildBillNumber != "" {
		child, err := l.ledger.GetBill(ctx, bill.ChildBillNumber)
		if err != nil {
			return "", err
		}
		if child.Status == domain.StatusVoid {
			break
		}
		if err := w.step(child.Number); err != nil {
			return "", err
		}
		bill = child
	}
	return bill.Number, nil
}

// Chain lists the whole lineage containing number, root first.
func (l *Linker) Chain(ctx context.Context, number string) ([]domain.LineageEntry, error) {
	bill, err := l.ledger.GetBill(ctx, number)
	if err != nil {
		return nil, err
	}

	up := l.newWalk(bill.Number)
	for bill.ParentBillNumber != "" {
		if err := up.step(bill.ParentBillNumber); err != nil {
			return nil, err
		}
		if bill, err = l.ledger.GetBill(ctx, bill.ParentBillNumber); err != nil {
			return nil, err
		}
	}

	chain := []domain.LineageEntry{entryOf(bill)}
	down := l.newWalk(bill.Number)
	for bill.ChildBillNumber != "" {
		if err := down.step(bill.ChildBillNumber); err != nil {
			return nil, err
		}
		if bill, err = l.ledger.GetBill(ctx, bill.ChildBillNumber); err != nil {
			return nil, err
		}
		chain = append(chain, entryOf(bill))
	}
	return chain, nil
}

type walk struct {
	seen     map[string]bool
	hops     int
	maxDepth int
}

func (l *Linker) newWalk(start string) *walk {
	return &walk{seen: map[string]bool{start: true}, maxDepth: l.maxDepth}
}

func (w *walk) step(next string) error {
	w.hops++
	if w.hops > w.maxDepth || w.seen[next] {
		return fmt.Errorf("%w: at %s after %d hops", store.ErrLineageCycle, next, w.hops)
	}
	w.seen[next] = true
	return nil
}

func entryOf(bill *domain.Bill) domain.LineageEntry {
	return domain.LineageEntry{
		BillNumber:       bill.Number,
		Kind:             bill.Kind,
		Status:           bill.Status,
		ParentBillNumber: bill.ParentBillNumber,
		CreatedAt:        bill.CreatedAt,
	}
}
