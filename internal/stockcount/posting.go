package stockcount

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/stockcount/internal/inventory"
)

// MoveGenerator turns lot deltas into ledger moves.
type MoveGenerator struct {
	catalog          Catalog
	fallbackLocation int64
}

// NewMoveGenerator constructs MoveGenerator. fallbackLocation is used for
// products without their own inventory-loss location.
func NewMoveGenerator(catalog Catalog, fallbackLocation int64) *MoveGenerator {
	return &MoveGenerator{catalog: catalog, fallbackLocation: fallbackLocation}
}

// Moves builds one move per non-zero delta of the given lines. Child lines
// are skipped since their quantity is carried by the parent.
func (g *MoveGenerator) Moves(ctx context.Context, adj Adjustment, lines []Line, actorID int64) ([]inventory.MoveInput, error) {
	var moves []inventory.MoveInput
	for _, line := range lines {
		if line.IsChild() {
			continue
		}
		var lossLocation int64
		for _, d := range line.Deltas {
			diff := d.Difference()
			if diff.IsZero() {
				continue
			}
			if lossLocation == 0 {
				loc, err := g.discrepancyLocation(ctx, line.ProductID)
				if err != nil {
					return nil, err
				}
				lossLocation = loc
			}
			move := inventory.MoveInput{
				Reference:      adj.Name,
				CompanyID:      adj.CompanyID,
				ProductID:      line.ProductID,
				LotID:          d.LotID,
				Qty:            diff.Abs(),
				SourceLineID:   line.ID,
				AccountingDate: adj.AccountingDate,
				ActorID:        actorID,
			}
			if diff.IsNegative() {
				move.SrcLocationID, move.DstLocationID = adj.LocationID, lossLocation
			} else {
				move.SrcLocationID, move.DstLocationID = lossLocation, adj.LocationID
			}
			moves = append(moves, move)
		}
	}
	return moves, nil
}

func (g *MoveGenerator) discrepancyLocation(ctx context.Context, productID int64) (int64, error) {
	product, err := g.catalog.Product(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("product %d: %w", productID, err)
	}
	if product.InventoryLocationID != 0 {
		return product.InventoryLocationID, nil
	}
	if g.fallbackLocation == 0 {
		return 0, fmt.Errorf("%w: %s has no inventory adjustment location", ErrValidation, product.DisplayName())
	}
	return g.fallbackLocation, nil
}
