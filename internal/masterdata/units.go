package masterdata

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// UnitRepository loads units of measure.
type UnitRepository interface {
	Unit(ctx context.Context, id int64) (Unit, error)
}

// Units converts quantities between units of the same category.
type Units struct {
	repo UnitRepository
}

// NewUnits constructs Units.
func NewUnits(repo UnitRepository) *Units {
	return &Units{repo: repo}
}

// Convert expresses qty given in fromID as a quantity of toID, rounded
// half-up to the target unit's rounding step.
func (u *Units) Convert(ctx context.Context, qty decimal.Decimal, fromID, toID int64) (decimal.Decimal, error) {
	if fromID == toID || fromID == 0 || toID == 0 {
		return qty, nil
	}
	from, err := u.repo.Unit(ctx, fromID)
	if err != nil {
		return decimal.Zero, err
	}
	to, err := u.repo.Unit(ctx, toID)
	if err != nil {
		return decimal.Zero, err
	}
	return ConvertQuantity(qty, from, to)
}

// Round rounds qty half-up to the rounding step of unitID. Unit 0 leaves qty
// untouched.
func (u *Units) Round(ctx context.Context, qty decimal.Decimal, unitID int64) (decimal.Decimal, error) {
	if unitID == 0 {
		return qty, nil
	}
	unit, err := u.repo.Unit(ctx, unitID)
	if err != nil {
		return decimal.Zero, err
	}
	return RoundHalfUp(qty, unit.Rounding), nil
}

// ConvertQuantity is the pure form of Units.Convert.
func ConvertQuantity(qty decimal.Decimal, from, to Unit) (decimal.Decimal, error) {
	if from.ID == to.ID {
		return qty, nil
	}
	if from.CategoryID != to.CategoryID {
		return decimal.Zero, fmt.Errorf("%w: %s -> %s", ErrUnitMismatch, from.Code, to.Code)
	}
	if from.Factor.IsZero() || to.Factor.IsZero() {
		return decimal.Zero, fmt.Errorf("masterdata: unit %s or %s has zero factor", from.Code, to.Code)
	}
	amount := qty.Div(from.Factor).Mul(to.Factor)
	return RoundHalfUp(amount, to.Rounding), nil
}

// RoundHalfUp rounds qty to a multiple of step, ties away from zero. A zero
// step leaves qty untouched.
func RoundHalfUp(qty, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return qty
	}
	return qty.Div(step).Round(0).Mul(step)
}
