package stockcount

import (
	"context"

	"github.com/shopspring/decimal"
)

// CostLine values the difference of one line.
type CostLine struct {
	LineID     int64           `json:"line_id"`
	ProductID  int64           `json:"product_id"`
	Product    string          `json:"product"`
	LotID      int64           `json:"lot_id,omitempty"`
	OnHand     decimal.Decimal `json:"on_hand"`
	Counted    decimal.Decimal `json:"counted"`
	Difference decimal.Decimal `json:"difference"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Value      decimal.Decimal `json:"value"`
	Editable   bool            `json:"editable"`
}

// CostAnalysis summarises the value of a count's differences.
type CostAnalysis struct {
	AdjustmentID int64           `json:"adjustment_id"`
	Name         string          `json:"name"`
	State        State           `json:"state"`
	Lines        []CostLine      `json:"lines"`
	Gain         decimal.Decimal `json:"gain"`
	Loss         decimal.Decimal `json:"loss"`
	Net          decimal.Decimal `json:"net"`
}

// CostAnalysis values every non-child line at its unit price. Allocated lines
// use their lot deltas; unallocated lines compare counted against on-hand.
func (s *Service) CostAnalysis(ctx context.Context, id int64) (CostAnalysis, error) {
	adj, err := s.Get(ctx, id)
	if err != nil {
		return CostAnalysis{}, err
	}
	out := CostAnalysis{
		AdjustmentID: adj.ID,
		Name:         adj.Name,
		State:        adj.State,
		Lines:        []CostLine{},
		Gain:         decimal.Zero,
		Loss:         decimal.Zero,
	}
	for _, l := range adj.Lines {
		if l.IsChild() {
			continue
		}
		product, err := s.catalog.Product(ctx, l.ProductID)
		if err != nil {
			return CostAnalysis{}, err
		}
		diff := l.Counted.Sub(l.OnHand)
		if len(l.Deltas) > 0 {
			diff = SumNew(l.Deltas).Sub(SumPrior(l.Deltas))
		}
		value := diff.Mul(l.UnitPrice)
		out.Lines = append(out.Lines, CostLine{
			LineID:     l.ID,
			ProductID:  l.ProductID,
			Product:    product.DisplayName(),
			LotID:      l.LotID,
			OnHand:     l.OnHand,
			Counted:    l.Counted,
			Difference: diff,
			UnitPrice:  l.UnitPrice,
			Value:      value,
			Editable:   l.Editable,
		})
		if value.IsPositive() {
			out.Gain = out.Gain.Add(value)
		} else {
			out.Loss = out.Loss.Add(value.Neg())
		}
	}
	out.Net = out.Gain.Sub(out.Loss)
	return out, nil
}
