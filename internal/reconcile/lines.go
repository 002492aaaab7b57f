package reconcile

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"billdesk/backend/internal/domain"
	"billdesk/backend/internal/store"
)

// Bounds of the ledger columns: quantities and stock are 32-bit integers,
// unit prices carry four decimals and totals two, both in 14 digits.
const (
	maxQuantity   = math.MaxInt32
	maxPriceScale = 4
)

var (
	maxUnitPrice = decimal.New(1, 10)
	maxTotal     = decimal.New(1, 12)
)

// normalizeLines merges lines for the same item and orders them by item id.
// Quantities are checked before and after merging so a sum never wraps.
func normalizeLines(lines []domain.DraftLine) ([]domain.DraftLine, error) {
	merged := make(map[string]*domain.DraftLine, len(lines))
	for i, line := range lines {
		line.ItemID = strings.TrimSpace(line.ItemID)
		if line.ItemID == "" {
			return nil, fmt.Errorf("%w: line %d has no item id", store.ErrInvalidBill, i+1)
		}
		if line.Quantity < 1 || line.Quantity > maxQuantity {
			return nil, fmt.Errorf("%w: line %d quantity must be between 1 and %d", store.ErrInvalidBill, i+1, maxQuantity)
		}
		if line.UnitPrice != nil {
			if err := checkUnitPrice(*line.UnitPrice); err != nil {
				return nil, fmt.Errorf("%w: line %d %v", store.ErrInvalidBill, i+1, err)
			}
		}

		existing, ok := merged[line.ItemID]
		if !ok {
			copied := line
			merged[line.ItemID] = &copied
			continue
		}
		if existing.UnitPrice != nil && line.UnitPrice != nil && !existing.UnitPrice.Equal(*line.UnitPrice) {
			return nil, fmt.Errorf("%w: item %s listed with two different prices", store.ErrInvalidBill, line.ItemID)
		}
		if existing.UnitPrice == nil {
			existing.UnitPrice = line.UnitPrice
		}
		if existing.Quantity > maxQuantity-line.Quantity {
			return nil, fmt.Errorf("%w: item %s quantity exceeds %d", store.ErrInvalidBill, line.ItemID, maxQuantity)
		}
		existing.Quantity += line.Quantity
	}
	if len(merged) == 0 {
		return nil, fmt.Errorf("%w: bill requires at least one line", store.ErrInvalidBill)
	}

	out := make([]domain.DraftLine, 0, len(merged))
	for _, line := range merged {
		out = append(out, *line)
	}
	slices.SortFunc(out, func(a, b domain.DraftLine) int {
		return strings.Compare(a.ItemID, b.ItemID)
	})
	return out, nil
}

// checkUnitPrice rejects prices the ledger could not store exactly, so the
// stored lines always add up to the stored total.
func checkUnitPrice(price decimal.Decimal) error {
	switch {
	case price.IsNegative():
		return fmt.Errorf("unit price %s must not be negative", price)
	case !price.Equal(price.Round(maxPriceScale)):
		return fmt.Errorf("unit price %s has more than %d decimals", price, maxPriceScale)
	case price.GreaterThanOrEqual(maxUnitPrice):
		return fmt.Errorf("unit price %s is too large", price)
	}
	return nil
}

func checkTotal(total decimal.Decimal) error {
	if total.GreaterThanOrEqual(maxTotal) {
		return fmt.Errorf("%w: total %s is too large", store.ErrInvalidBill, total)
	}
	return nil
}

// priceLines resolves names and unit prices. Sale and exchange lines read
// the catalog; return lines copy the parent bill's line.
func (r *Reconciler) priceLines(ctx context.Context, transition domain.Transition, lines []domain.DraftLine, parent *domain.Bill) ([]domain.BillLine, error) {
	priced := make([]domain.BillLine, 0, len(lines))

	if _, ok := transition.(domain.Return); ok {
		sold := make(map[string]domain.BillLine, len(parent.Lines))
		for _, line := range parent.Lines {
			prev := sold[line.ItemID]
			line.Quantity += prev.Quantity
			sold[line.ItemID] = line
		}
		for _, line := range lines {
			original, ok := sold[line.ItemID]
			if !ok {
				return nil, fmt.Errorf("%w: item %s is not on bill %s", store.ErrInvalidBill, line.ItemID, parent.Number)
			}
			if line.Quantity > original.Quantity {
				return nil, fmt.Errorf("%w: cannot return %d of item %s, bill %s has %d", store.ErrInvalidBill, line.Quantity, line.ItemID, parent.Number, original.Quantity)
			}
			priced = append(priced, domain.BillLine{
				ItemID:    line.ItemID,
				Name:      original.Name,
				Quantity:  line.Quantity,
				UnitPrice: original.UnitPrice,
			})
		}
		return priced, nil
	}

	for _, line := range lines {
		item, err := r.items.GetItem(ctx, line.ItemID)
		if err != nil {
			return nil, err
		}
		price := item.SalePrice
		if line.UnitPrice != nil {
			price = *line.UnitPrice
		}
		priced = append(priced, domain.BillLine{
			ItemID:    item.ID,
			Name:      item.Name,
			Quantity:  line.Quantity,
			UnitPrice: price,
		})
	}
	return priced, nil
}

// stockDeltas returns the signed change each item's stock undergoes when a
// bill with these lines takes effect. For an exchange the parent's lines go
// back on the shelf and the new lines come off it, so an unchanged line
// nets to zero.
func stockDeltas(transition domain.Transition, lines []domain.BillLine, parent *domain.Bill) map[string]int {
	deltas := make(map[string]int, len(lines))
	switch transition.(type) {
	case domain.Sale:
		for _, line := range lines {
			deltas[line.ItemID] -= line.Quantity
		}
	case domain.Return:
		for _, line := range lines {
			deltas[line.ItemID] += line.Quantity
		}
	case domain.Exchange:
		for id, qty := range parent.LineQuantities() {
			deltas[id] += qty
		}
		for _, line := range lines {
			deltas[line.ItemID] -= line.Quantity
		}
	}
	return deltas
}

func negate(deltas map[string]int) map[string]int {
	out := make(map[string]int, len(deltas))
	for id, delta := range deltas {
		out[id] = -delta
	}
	return out
}

func sortedIDs(deltas map[string]int) []string {
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
