// Package reconcile applies the stock effect of sale, exchange and return
// bills together with the ledger writes that record them.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"billdesk/backend/internal/domain"
	"billdesk/backend/internal/lineage"
	"billdesk/backend/internal/lock"
	"billdesk/backend/internal/metrics"
	"billdesk/backend/internal/store"
)

type Store interface {
	store.ItemStore
	store.BillLedger
	store.Transactor
}

type Reconciler struct {
	items   store.ItemStore
	ledger  store.BillLedger
	tx      store.Transactor
	linker  *lineage.Linker
	locks   *lock.Manager
	metrics *metrics.Collector
}

// Result describes a committed reconciliation.
type Result struct {
	Bill   domain.Bill
	Parent *domain.Bill
	Deltas map[string]int
	Stock  map[string]int
}

func New(repo Store, linker *lineage.Linker, locks *lock.Manager, collector *metrics.Collector) *Reconciler {
	return &Reconciler{
		items:   repo,
		ledger:  repo,
		tx:      repo,
		linker:  linker,
		locks:   locks,
		metrics: collector,
	}
}

// Submit validates a bill draft, applies its stock deltas, persists the bill
// and, for exchanges and returns, links it to its parent and advances the
// parent's status. Either all of it commits or none of it does.
func (r *Reconciler) Submit(ctx context.Context, draft domain.BillDraft) (result *Result, err error) {
	kind := "UNKNOWN"
	if draft.Transition != nil {
		kind = string(draft.Transition.Kind())
	}
	defer func() { r.metrics.ObserveReconciliation(kind, err) }()

	lines, err := normalizeLines(draft.Lines)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(lines)+8)
	for _, line := range lines {
		keys = append(keys, lock.ItemKey(line.ItemID))
	}

	var parent *domain.Bill
	var parentNext domain.BillStatus
	switch t := draft.Transition.(type) {
	case domain.Sale:
	case domain.Exchange:
		parentNext = domain.StatusExchanged
		if parent, err = r.ledger.GetBill(ctx, t.Parent); err != nil {
			return nil, err
		}
	case domain.Return:
		parentNext = domain.StatusReturned
		if parent, err = r.ledger.GetBill(ctx, t.Parent); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown bill kind", store.ErrInvalidBill)
	}
	if parent != nil {
		keys = append(keys, lock.BillKey(parent.Number))
		for _, line := range parent.Lines {
			keys = append(keys, lock.ItemKey(line.ItemID))
		}
	}

	release, err := r.acquire(ctx, keys)
	if err != nil {
		return nil, err
	}
	defer release()

	if parent != nil {
		// status and back-link may have moved while we waited for the locks
		if parent, err = r.ledger.GetBill(ctx, parent.Number); err != nil {
			return nil, err
		}
		if err := r.checkParent(ctx, parent); err != nil {
			return nil, err
		}
	}

	priced, err := r.priceLines(ctx, draft.Transition, lines, parent)
	if err != nil {
		return nil, err
	}
	if err := checkTotal(domain.TotalAmount(priced)); err != nil {
		return nil, err
	}
	deltas := stockDeltas(draft.Transition, priced, parent)
	if err := r.validate(ctx, deltas); err != nil {
		return nil, err
	}

	bill := domain.Bill{
		Kind:      draft.Transition.Kind(),
		Status:    domain.StatusActive,
		Customer:  draft.Customer,
		CreatedBy: draft.CreatedBy,
		Lines:     priced,
		CreatedAt: time.Now().UTC(),
	}
	bill.TotalAmount = domain.TotalAmount(priced)
	if parent != nil {
		bill.ParentBillNumber = parent.Number
	}

	result = &Result{Deltas: deltas}
	// once deltas start applying the caller can no longer abort the unit
	err = r.tx.RunInTx(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		stock, err := r.apply(txCtx, deltas)
		if err != nil {
			return err
		}
		result.Stock = stock

		created, err := r.ledger.CreateBill(txCtx, bill)
		if err != nil {
			return err
		}
		result.Bill = *created
		if parent == nil {
			return nil
		}

		if err := r.linker.Link(txCtx, parent.Number, created.Number); err != nil {
			return err
		}
		updated, err := r.ledger.SetBillStatus(txCtx, parent.Number, domain.StatusActive, parentNext, "")
		if err != nil {
			return err
		}
		result.Parent = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.observeDeltas(deltas)
	return result, nil
}

// Void cancels a bill and reverses its own stock effect. A bill that has
// a live derivative must have that derivative voided first.
func (r *Reconciler) Void(ctx context.Context, number string, reason string) (result *Result, err error) {
	defer func() { r.metrics.ObserveReconciliation("VOID", err) }()

	bill, err := r.ledger.GetBill(ctx, number)
	if err != nil {
		return nil, err
	}

	var parent *domain.Bill
	if bill.ParentBillNumber != "" {
		if parent, err = r.ledger.GetBill(ctx, bill.ParentBillNumber); err != nil {
			return nil, err
		}
	}

	keys := []string{lock.BillKey(bill.Number)}
	for _, line := range bill.Lines {
		keys = append(keys, lock.ItemKey(line.ItemID))
	}
	if parent != nil {
		keys = append(keys, lock.BillKey(parent.Number))
		for _, line := range parent.Lines {
			keys = append(keys, lock.ItemKey(line.ItemID))
		}
	}

	release, err := r.acquire(ctx, keys)
	if err != nil {
		return nil, err
	}
	defer release()

	if bill, err = r.ledger.GetBill(ctx, number); err != nil {
		return nil, err
	}
	if bill.Status == domain.StatusVoid {
		return nil, fmt.Errorf("%w: bill %s is already void", store.ErrInvalidTransition, number)
	}
	child, err := r.linker.ActiveChild(ctx, bill)
	if err != nil {
		return nil, err
	}
	if child != nil {
		return nil, fmt.Errorf("%w: bill %s has active derivative %s", store.ErrInvalidTransition, number, child.Number)
	}

	deltas := negate(stockDeltas(bill.Transition(), bill.Lines, parent))
	if err := r.validate(ctx, deltas); err != nil {
		return nil, err
	}

	result = &Result{Deltas: deltas, Parent: parent}
	err = r.tx.RunInTx(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		stock, err := r.apply(txCtx, deltas)
		if err != nil {
			return err
		}
		result.Stock = stock
		voided, err := r.ledger.SetBillStatus(txCtx, number, bill.Status, domain.StatusVoid, reason)
		if err != nil {
			return err
		}
		result.Bill = *voided
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.observeDeltas(deltas)
	return result, nil
}

// Restock moves an item's stock by delta outside of any bill, for vendor
// receipts and count corrections.
func (r *Reconciler) Restock(ctx context.Context, itemID string, delta int) (domain.StockLevel, error) {
	if itemID == "" || delta == 0 || delta > maxQuantity || delta < -maxQuantity {
		return domain.StockLevel{}, fmt.Errorf("%w: restock needs an item and a non-zero delta within %d", store.ErrInvalidItem, maxQuantity)
	}
	release, err := r.acquire(ctx, []string{lock.ItemKey(itemID)})
	if err != nil {
		return domain.StockLevel{}, err
	}
	defer release()

	deltas := map[string]int{itemID: delta}
	if err := r.validate(ctx, deltas); err != nil {
		return domain.StockLevel{}, err
	}
	var stock map[string]int
	err = r.tx.RunInTx(context.WithoutCancel(ctx), func(txCtx context.Context) error {
		var err error
		stock, err = r.apply(txCtx, deltas)
		return err
	})
	if err != nil {
		return domain.StockLevel{}, err
	}
	r.observeDeltas(deltas)
	return domain.StockLevel{ItemID: itemID, Stock: stock[itemID]}, nil
}

func (r *Reconciler) checkParent(ctx context.Context, parent *domain.Bill) error {
	if parent.Kind == domain.KindReturn {
		return fmt.Errorf("%w: return bill %s can not be exchanged or returned", store.ErrInvalidBill, parent.Number)
	}
	child, err := r.linker.ActiveChild(ctx, parent)
	if err != nil {
		return err
	}
	if child != nil {
		return fmt.Errorf("%w: %s already derived into %s", store.ErrAlreadyLinked, parent.Number, child.Number)
	}
	if parent.Status != domain.StatusActive {
		return fmt.Errorf("%w: bill %s is %s", store.ErrInvalidTransition, parent.Number, parent.Status)
	}
	return nil
}

// validate checks every item that loses stock, in item order, and reports
// the first one that cannot be satisfied. It writes nothing.
func (r *Reconciler) validate(ctx context.Context, deltas map[string]int) error {
	for _, id := range sortedIDs(deltas) {
		if deltas[id] >= 0 {
			if _, err := r.items.GetItem(ctx, id); err != nil {
				return err
			}
			continue
		}
		if err := r.items.Reserve(ctx, id, -deltas[id]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) apply(ctx context.Context, deltas map[string]int) (map[string]int, error) {
	stock := make(map[string]int, len(deltas))
	for _, id := range sortedIDs(deltas) {
		if deltas[id] == 0 {
			continue
		}
		next, err := r.items.ApplyDelta(ctx, id, deltas[id])
		if err != nil {
			return nil, err
		}
		stock[id] = next
	}
	return stock, nil
}

func (r *Reconciler) acquire(ctx context.Context, keys []string) (func(), error) {
	started := time.Now()
	release, err := r.locks.Acquire(ctx, keys...)
	r.metrics.ObserveLockWait(time.Since(started))
	return release, err
}

func (r *Reconciler) observeDeltas(deltas map[string]int) {
	for _, delta := range deltas {
		r.metrics.ObserveStockMove(delta)
	}
}
