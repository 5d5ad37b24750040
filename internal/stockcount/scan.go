package stockcount

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/masterdata"
)

// CountEntry is one counted quantity to record against an adjustment.
type CountEntry struct {
	ProductID int64
	LotID     int64
	UnitID    int64
	Qty       decimal.Decimal
	UserID    int64
	// Merge adds Qty to the caller's most recent matching event instead of
	// opening a new one. Barcode scans merge; manual counts do not.
	Merge bool
}

// ScanAggregator turns scans and manual counts into line events.
type ScanAggregator struct {
	catalog         Catalog
	boms            BOMProvider
	blockKitParents bool
}

// NewScanAggregator constructs ScanAggregator.
func NewScanAggregator(catalog Catalog, boms BOMProvider, blockKitParents bool) *ScanAggregator {
	return &ScanAggregator{catalog: catalog, boms: boms, blockKitParents: blockKitParents}
}

// Resolve maps a barcode to a product.
func (a *ScanAggregator) Resolve(ctx context.Context, barcode string) (masterdata.Product, error) {
	product, err := a.catalog.ResolveBarcode(ctx, barcode)
	if err != nil {
		if errors.Is(err, masterdata.ErrNotFound) {
			return masterdata.Product{}, fmt.Errorf("%w: barcode %q", ErrNotFound, barcode)
		}
		return masterdata.Product{}, err
	}
	return product, nil
}

// Record appends entry to the adjustment, creating its line when needed.
func (a *ScanAggregator) Record(ctx context.Context, tx TxRepository, adj Adjustment, product masterdata.Product, entry CountEntry) (ScanEvent, error) {
	if adj.State != StateDraft {
		return ScanEvent{}, fmt.Errorf("%w: adjustment %s is %s", ErrInvalidState, adj.Name, adj.State)
	}
	if entry.Qty.IsNegative() {
		return ScanEvent{}, fmt.Errorf("%w: counted quantity of %s must not be negative", ErrValidation, product.DisplayName())
	}
	if err := a.checkAllowed(ctx, tx, adj, product); err != nil {
		return ScanEvent{}, err
	}
	if entry.LotID == 0 {
		hasLots, err := tx.HasLotEvents(ctx, adj.ID, product.ID)
		if err != nil {
			return ScanEvent{}, err
		}
		if hasLots {
			return ScanEvent{}, fmt.Errorf("%w: %s was counted per lot, a lot is required", ErrValidation, product.DisplayName())
		}
	}
	unitID := entry.UnitID
	if unitID == 0 {
		unitID = product.UnitID
	}

	line, err := tx.EnsureLine(ctx, Line{
		AdjustmentID:    adj.ID,
		ProductID:       product.ID,
		LotID:           entry.LotID,
		DisplaySequence: StandaloneSequence(product.ID),
	})
	if err != nil {
		return ScanEvent{}, err
	}

	if entry.Merge {
		last, ok, err := tx.LastUserEvent(ctx, adj.ID, entry.UserID)
		if err != nil {
			return ScanEvent{}, err
		}
		if ok && last.LineID == line.ID && last.ProductID == product.ID && last.LotID == entry.LotID && last.UnitID == unitID {
			last.Qty = last.Qty.Add(entry.Qty)
			if err := tx.UpdateEventQty(ctx, last.ID, last.Qty); err != nil {
				return ScanEvent{}, err
			}
			return last, nil
		}
	}

	return tx.InsertEvent(ctx, ScanEvent{
		LineID:    line.ID,
		ProductID: product.ID,
		LotID:     entry.LotID,
		UnitID:    unitID,
		Qty:       entry.Qty,
		UserID:    entry.UserID,
	})
}

func (a *ScanAggregator) checkAllowed(ctx context.Context, tx TxRepository, adj Adjustment, product masterdata.Product) error {
	parents, err := tx.ParentProductIDs(ctx, adj.ID)
	if err != nil {
		return err
	}
	for _, id := range parents {
		if id == product.ID {
			return fmt.Errorf("%w: %s is counted through its components at location %d", ErrDisallowedProduct, product.DisplayName(), adj.LocationID)
		}
	}
	if !a.blockKitParents || a.boms == nil {
		return nil
	}
	bom, ok, err := a.boms.FindComponentBOM(ctx, product.ID, adj.WarehouseID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if parent, ok := bom.Parent(); ok && parent.ProductID == product.ID {
		return fmt.Errorf("%w: %s is a kit, count its components at location %d", ErrDisallowedProduct, product.DisplayName(), adj.LocationID)
	}
	return nil
}
