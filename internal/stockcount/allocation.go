package stockcount

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/inventory"
)

// Allocate spreads target over the given quants oldest first and returns one
// delta per quant.
//
// Negative lots are zeroed. When no positive lot exists the whole target goes
// to the oldest negative lot (or the oldest lot at all when every lot is
// empty). Otherwise a surplus is added to the oldest positive lot and a
// shortfall is deducted from positive lots oldest first.
func Allocate(target decimal.Decimal, quants []inventory.Quant) []LotDelta {
	deltas, positive, negative := orderedDeltas(quants)
	if len(positive) == 0 {
		return anchorTarget(deltas, negative, target)
	}
	available := decimal.Zero
	for _, i := range positive {
		available = available.Add(deltas[i].PriorQty)
	}
	return applyDifference(deltas, positive, target.Sub(available))
}

// AllocateDifference applies a counted difference to fresh quants: a surplus
// lands on the oldest positive lot and a deduction is taken from positive
// lots oldest first. Negative lots are zeroed. Without any positive lot the
// line falls back to target like Allocate does.
func AllocateDifference(target, diff decimal.Decimal, quants []inventory.Quant) []LotDelta {
	deltas, positive, negative := orderedDeltas(quants)
	if len(positive) == 0 {
		return anchorTarget(deltas, negative, target)
	}
	return applyDifference(deltas, positive, diff)
}

// orderedDeltas sorts quants by in date then id and returns one unchanged
// delta per quant with negative lots already zeroed.
func orderedDeltas(quants []inventory.Quant) ([]LotDelta, []int, []int) {
	ordered := make([]inventory.Quant, len(quants))
	copy(ordered, quants)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].InDate.Equal(ordered[j].InDate) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].InDate.Before(ordered[j].InDate)
	})

	deltas := make([]LotDelta, len(ordered))
	var positive, negative []int
	for i, q := range ordered {
		deltas[i] = LotDelta{LotID: q.LotID, LotName: q.LotName, InDate: q.InDate, PriorQty: q.Qty, NewQty: q.Qty}
		switch q.Qty.Sign() {
		case 1:
			positive = append(positive, i)
		case -1:
			negative = append(negative, i)
			deltas[i].NewQty = decimal.Zero
		}
	}
	return deltas, positive, negative
}

func anchorTarget(deltas []LotDelta, negative []int, target decimal.Decimal) []LotDelta {
	if len(deltas) == 0 {
		return deltas
	}
	anchor := 0
	if len(negative) > 0 {
		anchor = negative[0]
	}
	deltas[anchor].NewQty = target
	return deltas
}

func applyDifference(deltas []LotDelta, positive []int, diff decimal.Decimal) []LotDelta {
	if diff.IsPositive() {
		oldest := positive[0]
		deltas[oldest].NewQty = deltas[oldest].PriorQty.Add(diff)
		return deltas
	}
	remaining := diff.Neg()
	for _, i := range positive {
		if !remaining.IsPositive() {
			break
		}
		old := deltas[i].PriorQty
		if old.LessThanOrEqual(remaining) {
			deltas[i].NewQty = decimal.Zero
			remaining = remaining.Sub(old)
			continue
		}
		deltas[i].NewQty = old.Sub(remaining)
		remaining = decimal.Zero
	}
	return deltas
}

// LotAllocator computes lot deltas for lines against the ledger.
type LotAllocator struct {
	ledger Ledger
}

// NewLotAllocator binds an allocator to a ledger view.
func NewLotAllocator(ledger Ledger) *LotAllocator {
	return &LotAllocator{ledger: ledger}
}

// ScopedQuants returns the quants a line allocates over. A lot line only sees
// its own lot; a line without lot sees every lot at the location except lots
// counted on their own line (given in exclude).
func (a *LotAllocator) ScopedQuants(ctx context.Context, line Line, locationID int64, exclude map[int64]bool) ([]inventory.Quant, error) {
	quants, err := a.ledger.Quants(ctx, line.ProductID, locationID)
	if err != nil {
		return nil, fmt.Errorf("quants of product %d at location %d: %w", line.ProductID, locationID, err)
	}
	scoped := make([]inventory.Quant, 0, len(quants))
	for _, q := range quants {
		if line.LotID != 0 {
			if q.LotID == line.LotID {
				scoped = append(scoped, q)
			}
			continue
		}
		if q.LotID != 0 && exclude[q.LotID] {
			continue
		}
		scoped = append(scoped, q)
	}
	return scoped, nil
}

// LotIdentity finds a lot for a line that has no quant at the location. A lot
// line already names its lot; otherwise the oldest lot of the product anywhere
// in the company is used. The returned quant always has zero quantity.
func (a *LotAllocator) LotIdentity(ctx context.Context, line Line, companyID int64) (inventory.Quant, bool, error) {
	if line.LotID != 0 {
		return inventory.Quant{ProductID: line.ProductID, LotID: line.LotID}, true, nil
	}
	q, ok, err := a.ledger.CompanyLot(ctx, line.ProductID, companyID)
	if err != nil || !ok {
		return inventory.Quant{}, ok, err
	}
	return inventory.Quant{ProductID: q.ProductID, LotID: q.LotID, LotName: q.LotName, InDate: q.InDate}, true, nil
}

// AllocateLine computes deltas for target against the line's quants, falling
// back to a company-wide lot identity. It returns ErrNoLotAvailable when no
// lot can be found.
func (a *LotAllocator) AllocateLine(ctx context.Context, line Line, target decimal.Decimal, locationID, companyID int64, exclude map[int64]bool) ([]LotDelta, decimal.Decimal, error) {
	quants, err := a.ScopedQuants(ctx, line, locationID, exclude)
	if err != nil {
		return nil, decimal.Zero, err
	}
	onHand := inventory.SumQuants(quants)
	if len(quants) == 0 {
		q, ok, err := a.LotIdentity(ctx, line, companyID)
		if err != nil {
			return nil, decimal.Zero, err
		}
		if !ok {
			return nil, decimal.Zero, fmt.Errorf("%w: product %d at location %d", ErrNoLotAvailable, line.ProductID, locationID)
		}
		quants = []inventory.Quant{q}
	}
	return Allocate(target, quants), onHand, nil
}

// NeedsAttention reports whether a counted difference can no longer be
// applied: it is a reduction larger than the fresh on-hand, or the fresh
// on-hand is already negative.
func NeedsAttention(diff, onHand decimal.Decimal) bool {
	if !diff.IsNegative() {
		return false
	}
	return onHand.IsNegative() || diff.Abs().GreaterThan(onHand)
}

// lotsWithOwnLine maps product -> lots that have a dedicated line.
func lotsWithOwnLine(lines []Line) map[int64]map[int64]bool {
	out := map[int64]map[int64]bool{}
	for _, l := range lines {
		if l.LotID == 0 {
			continue
		}
		if out[l.ProductID] == nil {
			out[l.ProductID] = map[int64]bool{}
		}
		out[l.ProductID][l.LotID] = true
	}
	return out
}
