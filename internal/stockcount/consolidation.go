package stockcount

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/masterdata"
)

// ConsolidationEngine folds kit component lines into their parent product.
type ConsolidationEngine struct {
	boms    BOMProvider
	units   UnitConverter
	catalog Catalog
}

// NewConsolidationEngine constructs ConsolidationEngine.
func NewConsolidationEngine(boms BOMProvider, units UnitConverter, catalog Catalog) *ConsolidationEngine {
	return &ConsolidationEngine{boms: boms, units: units, catalog: catalog}
}

// ParentProducts returns the products other lines are folded into, ascending.
func ParentProducts(lines []Line) []int64 {
	seen := map[int64]bool{}
	var ids []int64
	for _, l := range lines {
		if l.ParentProductID != 0 && !seen[l.ParentProductID] {
			seen[l.ParentProductID] = true
			ids = append(ids, l.ParentProductID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Consolidate links every line that has a transfer BOM for the adjustment's
// warehouse to a parent line, copying the child's own events onto the parent.
// Running it again changes nothing. It returns the reloaded lines.
func (e *ConsolidationEngine) Consolidate(ctx context.Context, tx TxRepository, adj Adjustment, lines []Line) ([]Line, error) {
	parentOf := map[int64]int64{}
	for _, l := range lines {
		bom, ok, err := e.boms.FindParentBOM(ctx, l.ProductID, adj.WarehouseID)
		if err != nil {
			return nil, fmt.Errorf("parent bom of product %d: %w", l.ProductID, err)
		}
		if !ok {
			continue
		}
		parent, _ := bom.Parent()
		if parent.ProductID == l.ProductID {
			continue
		}
		parentOf[l.ID] = parent.ProductID
	}
	isParent := map[int64]bool{}
	for _, p := range parentOf {
		isParent[p] = true
	}
	for _, l := range lines {
		if isParent[l.ProductID] {
			delete(parentOf, l.ID)
		}
	}
	if len(parentOf) == 0 {
		return lines, nil
	}

	groups := map[int64][]Line{}
	for _, l := range lines {
		if p, ok := parentOf[l.ID]; ok {
			groups[p] = append(groups[p], l)
		}
	}
	parents := make([]int64, 0, len(groups))
	for p := range groups {
		parents = append(parents, p)
	}
	sort.Slice(parents, func(i, j int) bool { return parents[i] < parents[j] })

	for _, parentID := range parents {
		parentLine, err := e.parentLine(ctx, tx, adj, lines, parentID)
		if err != nil {
			return nil, err
		}
		copied := map[int64]bool{}
		for _, evt := range parentLine.Events {
			if evt.IsCopy() {
				copied[evt.SourceEventID] = true
			}
		}
		children := groups[parentID]
		sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
		for idx, child := range children {
			for _, evt := range child.Events {
				if evt.IsCopy() || copied[evt.ID] {
					continue
				}
				if _, err := tx.InsertEvent(ctx, ScanEvent{
					LineID:        parentLine.ID,
					ProductID:     evt.ProductID,
					LotID:         evt.LotID,
					UnitID:        evt.UnitID,
					Qty:           evt.Qty,
					UserID:        evt.UserID,
					SourceEventID: evt.ID,
				}); err != nil {
					return nil, fmt.Errorf("copy event %d onto parent %d: %w", evt.ID, parentID, err)
				}
				copied[evt.ID] = true
			}
			child.ParentProductID = parentID
			child.DisplaySequence = ParentSequence(parentID) + int64(idx+1)
			if err := tx.UpdateLine(ctx, child); err != nil {
				return nil, err
			}
		}
	}
	return tx.ListLines(ctx, adj.ID)
}

func (e *ConsolidationEngine) parentLine(ctx context.Context, tx TxRepository, adj Adjustment, lines []Line, parentID int64) (Line, error) {
	for _, l := range lines {
		if l.ProductID == parentID && l.LotID == 0 && !l.IsChild() {
			l.DisplaySequence = ParentSequence(parentID)
			if err := tx.UpdateLine(ctx, l); err != nil {
				return Line{}, err
			}
			return l, nil
		}
	}
	line, err := tx.EnsureLine(ctx, Line{AdjustmentID: adj.ID, ProductID: parentID, DisplaySequence: ParentSequence(parentID)})
	if err != nil {
		return Line{}, fmt.Errorf("parent line for product %d: %w", parentID, err)
	}
	if line.DisplaySequence != ParentSequence(parentID) {
		line.DisplaySequence = ParentSequence(parentID)
		if err := tx.UpdateLine(ctx, line); err != nil {
			return Line{}, err
		}
	}
	return line, nil
}

// Rollback undoes consolidation: copied events are removed, children are
// detached and parent lines left without events are deleted. Events scanned
// on any line are kept.
func (e *ConsolidationEngine) Rollback(ctx context.Context, tx TxRepository, lines []Line) error {
	parents := map[int64]bool{}
	for _, id := range ParentProducts(lines) {
		parents[id] = true
	}
	for _, l := range lines {
		remaining := 0
		for _, evt := range l.Events {
			if !evt.IsCopy() {
				remaining++
				continue
			}
			if err := tx.DeleteEvent(ctx, evt.ID); err != nil {
				return fmt.Errorf("delete copied event %d: %w", evt.ID, err)
			}
		}
		isParent := parents[l.ProductID] && l.LotID == 0 && !l.IsChild()
		if isParent && remaining == 0 {
			if err := tx.DeleteLine(ctx, l.ID); err != nil {
				return err
			}
			continue
		}
		if !isParent && !l.IsChild() {
			continue
		}
		l.ParentProductID = 0
		l.DisplaySequence = StandaloneSequence(l.ProductID)
		if err := tx.UpdateLine(ctx, l); err != nil {
			return err
		}
	}
	return nil
}

// CountedTotals derives every line's counted quantity in the product's unit.
// A parent line with children counts only the children's totals converted
// through their transfer BOMs; its own events are ignored.
func (e *ConsolidationEngine) CountedTotals(ctx context.Context, adj Adjustment, lines []Line) (map[int64]decimal.Decimal, error) {
	totals := make(map[int64]decimal.Decimal, len(lines))
	products := map[int64]masterdata.Product{}
	product := func(id int64) (masterdata.Product, error) {
		if p, ok := products[id]; ok {
			return p, nil
		}
		p, err := e.catalog.Product(ctx, id)
		if err != nil {
			return masterdata.Product{}, fmt.Errorf("product %d: %w", id, err)
		}
		products[id] = p
		return p, nil
	}

	parentLineOf := map[int64]int64{}
	for _, l := range lines {
		p, err := product(l.ProductID)
		if err != nil {
			return nil, err
		}
		total := decimal.Zero
		for _, evt := range l.Events {
			if evt.IsCopy() {
				continue
			}
			qty, err := e.units.Convert(ctx, evt.Qty, evt.UnitID, p.UnitID)
			if err != nil {
				return nil, fmt.Errorf("convert count of %s: %w", p.DisplayName(), err)
			}
			total = total.Add(qty)
		}
		totals[l.ID] = total
		if l.LotID == 0 && !l.IsChild() {
			parentLineOf[l.ProductID] = l.ID
		}
	}

	for _, id := range ParentProducts(lines) {
		if lineID, ok := parentLineOf[id]; ok {
			totals[lineID] = decimal.Zero
		}
	}
	for _, child := range lines {
		if !child.IsChild() {
			continue
		}
		parentLineID, ok := parentLineOf[child.ParentProductID]
		if !ok {
			continue
		}
		qty, err := e.toParentQty(ctx, adj, child, totals[child.ID], product)
		if err != nil {
			return nil, err
		}
		totals[parentLineID] = totals[parentLineID].Add(qty)
	}
	return totals, nil
}

func (e *ConsolidationEngine) toParentQty(ctx context.Context, adj Adjustment, child Line, childTotal decimal.Decimal, product func(int64) (masterdata.Product, error)) (decimal.Decimal, error) {
	bom, ok, err := e.boms.FindParentBOM(ctx, child.ProductID, adj.WarehouseID)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok {
		return childTotal, nil
	}
	row, ok := bom.Component(child.ParentProductID)
	if !ok {
		return childTotal, nil
	}
	if !bom.Qty.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: bom %d of product %d has no produced quantity", ErrValidation, bom.ID, child.ProductID)
	}
	childProduct, err := product(child.ProductID)
	if err != nil {
		return decimal.Zero, err
	}
	parentProduct, err := product(child.ParentProductID)
	if err != nil {
		return decimal.Zero, err
	}
	qty, err := e.units.Convert(ctx, childTotal, childProduct.UnitID, bom.UnitID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("convert %s into bom %d unit: %w", childProduct.DisplayName(), bom.ID, err)
	}
	qty = qty.Mul(row.Qty).Div(bom.Qty)
	qty, err = e.units.Convert(ctx, qty, row.UnitID, parentProduct.UnitID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("convert %s into %s unit: %w", childProduct.DisplayName(), parentProduct.DisplayName(), err)
	}
	return e.units.Round(ctx, qty, parentProduct.UnitID)
}
