package masterdata

import "context"

// BOMRepository lists transfer BOMs.
type BOMRepository interface {
	TransferBOMsByProduct(ctx context.Context, productID int64) ([]BOM, error)
	TransferBOMsByComponent(ctx context.Context, productID int64) ([]BOM, error)
}

// BOMProvider answers kit questions for the counting engine.
type BOMProvider struct {
	repo BOMRepository
}

// NewBOMProvider constructs BOMProvider.
func NewBOMProvider(repo BOMRepository) *BOMProvider {
	return &BOMProvider{repo: repo}
}

// FindParentBOM returns the transfer BOM whose produced item is productID and
// which applies to warehouseID. The BOM's first row names the kit product.
func (p *BOMProvider) FindParentBOM(ctx context.Context, productID, warehouseID int64) (BOM, bool, error) {
	boms, err := p.repo.TransferBOMsByProduct(ctx, productID)
	if err != nil {
		return BOM{}, false, err
	}
	for _, b := range boms {
		if _, ok := b.Parent(); !ok {
			continue
		}
		if b.AppliesTo(warehouseID) {
			return b, true, nil
		}
	}
	return BOM{}, false, nil
}

// FindComponentBOM returns a transfer BOM applicable to warehouseID that lists
// productID as one of its rows.
func (p *BOMProvider) FindComponentBOM(ctx context.Context, productID, warehouseID int64) (BOM, bool, error) {
	boms, err := p.repo.TransferBOMsByComponent(ctx, productID)
	if err != nil {
		return BOM{}, false, err
	}
	for _, b := range boms {
		if _, ok := b.Component(productID); ok && b.AppliesTo(warehouseID) {
			return b, true, nil
		}
	}
	return BOM{}, false, nil
}
