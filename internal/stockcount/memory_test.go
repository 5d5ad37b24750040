package stockcount

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockcount/internal/inventory"
	"github.com/odyssey-erp/stockcount/internal/masterdata"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

type quantKey struct {
	productID, locationID, lotID int64
}

type memoryState struct {
	adjustments map[int64]Adjustment
	lines       map[int64]Line
	events      map[int64]ScanEvent
	eventAdj    map[int64]int64
	deltas      map[int64][]LotDelta
	quants      map[quantKey]inventory.Quant
	costs       map[int64]decimal.Decimal
	moves       []inventory.Move
	lastCount   map[int64]time.Time
	nextID      int64
	nameSeq     int
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		adjustments: make(map[int64]Adjustment, len(s.adjustments)),
		lines:       make(map[int64]Line, len(s.lines)),
		events:      make(map[int64]ScanEvent, len(s.events)),
		eventAdj:    make(map[int64]int64, len(s.eventAdj)),
		deltas:      make(map[int64][]LotDelta, len(s.deltas)),
		quants:      make(map[quantKey]inventory.Quant, len(s.quants)),
		costs:       s.costs,
		moves:       append([]inventory.Move(nil), s.moves...),
		lastCount:   make(map[int64]time.Time, len(s.lastCount)),
		nextID:      s.nextID,
		nameSeq:     s.nameSeq,
	}
	for k, v := range s.adjustments {
		c.adjustments[k] = v
	}
	for k, v := range s.lines {
		c.lines[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.eventAdj {
		c.eventAdj[k] = v
	}
	for k, v := range s.deltas {
		c.deltas[k] = append([]LotDelta(nil), v...)
	}
	for k, v := range s.quants {
		c.quants[k] = v
	}
	for k, v := range s.lastCount {
		c.lastCount[k] = v
	}
	return c
}

func (s *memoryState) id() int64 {
	s.nextID++
	return s.nextID
}

// memoryRepo is an in-memory RepositoryPort. A failed transaction restores
// the state it started from.
type memoryRepo struct {
	mu       sync.Mutex
	state    *memoryState
	internal map[int64]bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		state: &memoryState{
			adjustments: map[int64]Adjustment{},
			lines:       map[int64]Line{},
			events:      map[int64]ScanEvent{},
			eventAdj:    map[int64]int64{},
			deltas:      map[int64][]LotDelta{},
			quants:      map[quantKey]inventory.Quant{},
			costs:       map[int64]decimal.Decimal{},
			lastCount:   map[int64]time.Time{},
		},
		internal: map[int64]bool{},
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.state.clone()
	if err := fn(ctx, &memoryTx{s: r.state, internal: r.internal}); err != nil {
		r.state = snapshot
		return err
	}
	return nil
}

func (r *memoryRepo) WithScanTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return r.WithTx(ctx, fn)
}

func (r *memoryRepo) seedQuant(productID, locationID, lotID int64, qty string, inDate time.Time) {
	s := r.state
	s.quants[quantKey{productID, locationID, lotID}] = inventory.Quant{
		ID: s.id(), ProductID: productID, LocationID: locationID, LotID: lotID,
		LotName: fmt.Sprintf("LOT-%d", lotID), CompanyID: 1, Qty: decimal.RequireFromString(qty), InDate: inDate,
	}
}

func (r *memoryRepo) quantQty(productID, locationID, lotID int64) decimal.Decimal {
	return r.state.quants[quantKey{productID, locationID, lotID}].Qty
}

type memoryTx struct {
	s        *memoryState
	internal map[int64]bool
}

func (tx *memoryTx) GetAdjustment(ctx context.Context, id int64, lock LockMode) (Adjustment, error) {
	adj, ok := tx.s.adjustments[id]
	if !ok {
		return Adjustment{}, fmt.Errorf("%w: adjustment %d", ErrNotFound, id)
	}
	return adj, nil
}

func (tx *memoryTx) ListLines(ctx context.Context, adjustmentID int64) ([]Line, error) {
	var lines []Line
	for _, l := range tx.s.lines {
		if l.AdjustmentID != adjustmentID {
			continue
		}
		l.Events = nil
		for _, e := range tx.s.events {
			if e.LineID == l.ID {
				l.Events = append(l.Events, e)
			}
		}
		sort.Slice(l.Events, func(i, j int) bool { return l.Events[i].ID < l.Events[j].ID })
		l.Deltas = append([]LotDelta(nil), tx.s.deltas[l.ID]...)
		lines = append(lines, l)
	}
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].DisplaySequence == lines[j].DisplaySequence {
			return lines[i].ID < lines[j].ID
		}
		return lines[i].DisplaySequence < lines[j].DisplaySequence
	})
	return lines, nil
}

func (tx *memoryTx) ActiveAdjustmentForLocation(ctx context.Context, locationID int64) (int64, bool, error) {
	for id, a := range tx.s.adjustments {
		if a.LocationID == locationID && !a.State.Terminal() {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func (tx *memoryTx) InsertAdjustment(ctx context.Context, adj Adjustment) (Adjustment, error) {
	tx.s.nameSeq++
	adj.ID = tx.s.id()
	adj.Name = fmt.Sprintf("INV-ADJ/%05d", tx.s.nameSeq)
	adj.CreatedAt = time.Now()
	adj.UpdatedAt = adj.CreatedAt
	adj.Lines = nil
	tx.s.adjustments[adj.ID] = adj
	return adj, nil
}

func (tx *memoryTx) UpdateAdjustment(ctx context.Context, adj Adjustment) error {
	adj.Lines = nil
	tx.s.adjustments[adj.ID] = adj
	return nil
}

func (tx *memoryTx) ListAdjustments(ctx context.Context, filter ListFilter) ([]Adjustment, int, error) {
	var matched []Adjustment
	for _, a := range tx.s.adjustments {
		if filter.LocationID != 0 && a.LocationID != filter.LocationID {
			continue
		}
		if filter.State != "" && a.State != filter.State {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	total := len(matched)
	if filter.Offset >= total {
		return nil, total, nil
	}
	end := total
	if filter.Limit > 0 && filter.Offset+filter.Limit < end {
		end = filter.Offset + filter.Limit
	}
	return matched[filter.Offset:end], total, nil
}

func (tx *memoryTx) ParentProductIDs(ctx context.Context, adjustmentID int64) ([]int64, error) {
	lines, _ := tx.ListLines(ctx, adjustmentID)
	return ParentProducts(lines), nil
}

func (tx *memoryTx) HasLotEvents(ctx context.Context, adjustmentID, productID int64) (bool, error) {
	for id, e := range tx.s.events {
		if tx.s.eventAdj[id] == adjustmentID && e.ProductID == productID && e.LotID != 0 && !e.IsCopy() {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) LastUserEvent(ctx context.Context, adjustmentID, userID int64) (ScanEvent, bool, error) {
	var last ScanEvent
	found := false
	for id, e := range tx.s.events {
		if tx.s.eventAdj[id] != adjustmentID || e.UserID != userID || e.IsCopy() {
			continue
		}
		if !found || e.ID > last.ID {
			last, found = e, true
		}
	}
	return last, found, nil
}

func (tx *memoryTx) EnsureLine(ctx context.Context, line Line) (Line, error) {
	for _, l := range tx.s.lines {
		if l.AdjustmentID == line.AdjustmentID && l.ProductID == line.ProductID && l.LotID == line.LotID {
			return l, nil
		}
	}
	line.ID = tx.s.id()
	line.Events, line.Deltas = nil, nil
	tx.s.lines[line.ID] = line
	return line, nil
}

func (tx *memoryTx) UpdateLine(ctx context.Context, line Line) error {
	if _, ok := tx.s.lines[line.ID]; !ok {
		return fmt.Errorf("%w: line %d", ErrNotFound, line.ID)
	}
	line.Events, line.Deltas = nil, nil
	line.Counted = decimal.Zero
	tx.s.lines[line.ID] = line
	return nil
}

func (tx *memoryTx) DeleteLine(ctx context.Context, lineID int64) error {
	if _, ok := tx.s.lines[lineID]; !ok {
		return fmt.Errorf("%w: line %d", ErrNotFound, lineID)
	}
	delete(tx.s.lines, lineID)
	delete(tx.s.deltas, lineID)
	for id, e := range tx.s.events {
		if e.LineID == lineID {
			delete(tx.s.events, id)
			delete(tx.s.eventAdj, id)
		}
	}
	return nil
}

func (tx *memoryTx) ReplaceDeltas(ctx context.Context, lineID int64, deltas []LotDelta) error {
	tx.s.deltas[lineID] = append([]LotDelta(nil), deltas...)
	return nil
}

func (tx *memoryTx) GetEvent(ctx context.Context, adjustmentID, eventID int64) (ScanEvent, error) {
	e, ok := tx.s.events[eventID]
	if !ok || tx.s.eventAdj[eventID] != adjustmentID {
		return ScanEvent{}, fmt.Errorf("%w: event %d", ErrNotFound, eventID)
	}
	return e, nil
}

func (tx *memoryTx) InsertEvent(ctx context.Context, evt ScanEvent) (ScanEvent, error) {
	line, ok := tx.s.lines[evt.LineID]
	if !ok {
		return ScanEvent{}, fmt.Errorf("%w: line %d", ErrNotFound, evt.LineID)
	}
	evt.ID = tx.s.id()
	evt.CreatedAt = time.Now()
	tx.s.events[evt.ID] = evt
	tx.s.eventAdj[evt.ID] = line.AdjustmentID
	return evt, nil
}

func (tx *memoryTx) UpdateEventQty(ctx context.Context, eventID int64, qty decimal.Decimal) error {
	e := tx.s.events[eventID]
	e.Qty = qty
	tx.s.events[eventID] = e
	return nil
}

func (tx *memoryTx) DeleteEvent(ctx context.Context, eventID int64) error {
	delete(tx.s.events, eventID)
	delete(tx.s.eventAdj, eventID)
	return nil
}

func (tx *memoryTx) UpdateLastCountDate(ctx context.Context, locationID int64, date time.Time) error {
	tx.s.lastCount[locationID] = date
	return nil
}

func (tx *memoryTx) Ledger() Ledger {
	return inventory.NewLedger(&memoryLedgerTx{s: tx.s, internal: tx.internal})
}

// memoryLedgerTx backs the real inventory ledger with the shared memory state.
type memoryLedgerTx struct {
	s        *memoryState
	internal map[int64]bool
}

func (tx *memoryLedgerTx) Quants(ctx context.Context, productID, locationID int64) ([]inventory.Quant, error) {
	var out []inventory.Quant
	for k, q := range tx.s.quants {
		if k.productID == productID && k.locationID == locationID {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InDate.Equal(out[j].InDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].InDate.Before(out[j].InDate)
	})
	return out, nil
}

func (tx *memoryLedgerTx) QuantForUpdate(ctx context.Context, productID, locationID, lotID int64) (inventory.Quant, error) {
	if q, ok := tx.s.quants[quantKey{productID, locationID, lotID}]; ok {
		return q, nil
	}
	return inventory.Quant{ProductID: productID, LocationID: locationID, LotID: lotID}, inventory.ErrQuantNotFound
}

func (tx *memoryLedgerTx) CompanyLotQuant(ctx context.Context, productID, companyID int64) (inventory.Quant, bool, error) {
	var best inventory.Quant
	found := false
	for _, q := range tx.s.quants {
		if q.ProductID != productID || q.LotID == 0 || q.CompanyID != companyID {
			continue
		}
		if !found || q.InDate.Before(best.InDate) {
			best, found = q, true
		}
	}
	return best, found, nil
}

func (tx *memoryLedgerTx) LocationStock(ctx context.Context, locationID, companyID int64) ([]inventory.ProductStock, error) {
	totals := map[int64]decimal.Decimal{}
	for k, q := range tx.s.quants {
		if k.locationID == locationID && q.CompanyID == companyID {
			totals[k.productID] = totals[k.productID].Add(q.Qty)
		}
	}
	out := make([]inventory.ProductStock, 0, len(totals))
	for id, qty := range totals {
		out = append(out, inventory.ProductStock{ProductID: id, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

func (tx *memoryLedgerTx) LocationIsInternal(ctx context.Context, locationID int64) (bool, error) {
	return tx.internal[locationID], nil
}

func (tx *memoryLedgerTx) AverageCost(ctx context.Context, productID, companyID int64) (decimal.Decimal, error) {
	return tx.s.costs[productID], nil
}

func (tx *memoryLedgerTx) UpsertQuant(ctx context.Context, q inventory.Quant) error {
	if q.ID == 0 {
		q.ID = tx.s.id()
	}
	tx.s.quants[quantKey{q.ProductID, q.LocationID, q.LotID}] = q
	return nil
}

func (tx *memoryLedgerTx) InsertMove(ctx context.Context, m inventory.Move) (int64, error) {
	m.ID = tx.s.id()
	tx.s.moves = append(tx.s.moves, m)
	return m.ID, nil
}

func (tx *memoryLedgerTx) InsertCardEntry(ctx context.Context, entry inventory.StockCardEntry, locationID, productID int64) error {
	return nil
}

// Collaborator stubs.

type catalogStub struct {
	products map[int64]masterdata.Product
}

func (c catalogStub) ResolveBarcode(ctx context.Context, barcode string) (masterdata.Product, error) {
	for _, p := range c.products {
		if p.Barcode != "" && p.Barcode == masterdata.NormalizeBarcode(barcode) {
			return p, nil
		}
	}
	return masterdata.Product{}, masterdata.ErrNotFound
}

func (c catalogStub) Product(ctx context.Context, id int64) (masterdata.Product, error) {
	p, ok := c.products[id]
	if !ok {
		return masterdata.Product{}, masterdata.ErrNotFound
	}
	return p, nil
}

type unitTable map[int64]masterdata.Unit

func (u unitTable) Unit(ctx context.Context, id int64) (masterdata.Unit, error) {
	unit, ok := u[id]
	if !ok {
		return masterdata.Unit{}, masterdata.ErrNotFound
	}
	return unit, nil
}

type bomTable []masterdata.BOM

func (b bomTable) TransferBOMsByProduct(ctx context.Context, productID int64) ([]masterdata.BOM, error) {
	var out []masterdata.BOM
	for _, bom := range b {
		if bom.ProductID == productID {
			out = append(out, bom)
		}
	}
	return out, nil
}

func (b bomTable) TransferBOMsByComponent(ctx context.Context, productID int64) ([]masterdata.BOM, error) {
	var out []masterdata.BOM
	for _, bom := range b {
		if _, ok := bom.Component(productID); ok {
			out = append(out, bom)
		}
	}
	return out, nil
}

type locationTable map[int64]masterdata.Location

func (l locationTable) Location(ctx context.Context, id int64) (masterdata.Location, error) {
	loc, ok := l[id]
	if !ok {
		return masterdata.Location{}, masterdata.ErrNotFound
	}
	return loc, nil
}

type authzStub map[int64][]string

func (a authzStub) HasPermission(ctx context.Context, userID int64, perm string) (bool, error) {
	for _, p := range a[userID] {
		if p == perm {
			return true, nil
		}
	}
	return false, nil
}

type auditRecorder struct {
	logs []shared.AuditLog
}

func (a *auditRecorder) Record(ctx context.Context, log shared.AuditLog) error {
	log.ID = int64(len(a.logs) + 1)
	a.logs = append(a.logs, log)
	return nil
}

func (a *auditRecorder) List(ctx context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error) {
	var out []shared.AuditLog
	for _, l := range a.logs {
		if l.Entity == entity && l.EntityID == entityID {
			out = append(out, l)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type approvalRecorder struct {
	logs []shared.ApprovalLog
}

func (a *approvalRecorder) Record(ctx context.Context, log shared.ApprovalLog) error {
	log.ID = int64(len(a.logs) + 1)
	a.logs = append(a.logs, log)
	return nil
}

func (a *approvalRecorder) List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error) {
	var out []shared.ApprovalLog
	for _, l := range a.logs {
		if l.Module == module && l.RefID == ref {
			out = append(out, l)
		}
	}
	return out, nil
}

type notifierStub struct {
	events []PostedEvent
}

func (n *notifierStub) NotifyStockCountPosted(ctx context.Context, evt PostedEvent) error {
	n.events = append(n.events, evt)
	return nil
}

type metricsStub struct {
	scans       map[string]int
	transitions []string
	moves       int
	flagged     int
}

func (m *metricsStub) ObserveScan(result string) { m.scans[result]++ }
func (m *metricsStub) ObserveTransition(from, to State) {
	m.transitions = append(m.transitions, string(from)+">"+string(to))
}
func (m *metricsStub) ObserveMoves(n int)        { m.moves += n }
func (m *metricsStub) ObserveFlaggedLines(n int) { m.flagged += n }

// Fixture: one company, warehouse 1, counted location 10, loss location 99.
//
// Products: 1 widget (lots), 2 bolt and 4 nut are components of the bolt box
// kit 3, 5 gadget has stock but is never scanned.
const (
	companyID    = 1
	warehouseID  = 1
	locationID   = 10
	lossLocation = 99

	widgetID = 1
	boltID   = 2
	boxID    = 3
	nutID    = 4
	gadgetID = 5

	pcs = 1
	doz = 2

	counter  = 100
	counter2 = 101
	approver = 200
)

var base = time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	repo      *memoryRepo
	svc       *Service
	audit     *auditRecorder
	approvals *approvalRecorder
	notifier  *notifierStub
	metrics   *metricsStub
	boms      bomTable
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func testProducts() map[int64]masterdata.Product {
	return map[int64]masterdata.Product{
		widgetID: {ID: widgetID, CompanyID: companyID, Code: "WID", Name: "Widget", Barcode: "1001", UnitID: pcs, IsActive: true},
		boltID:   {ID: boltID, CompanyID: companyID, Code: "BLT", Name: "Bolt", Barcode: "1002", UnitID: pcs, IsActive: true},
		boxID:    {ID: boxID, CompanyID: companyID, Code: "BOX", Name: "Bolt Box", Barcode: "1003", UnitID: pcs, IsActive: true},
		nutID:    {ID: nutID, CompanyID: companyID, Code: "NUT", Name: "Nut", Barcode: "1004", UnitID: pcs, IsActive: true},
		gadgetID: {ID: gadgetID, CompanyID: companyID, Code: "GAD", Name: "Gadget", Barcode: "1005", UnitID: pcs, IsActive: true},
	}
}

func testBOMs() bomTable {
	return bomTable{
		{ID: 1, Kind: masterdata.BOMKindTransfer, ProductID: boltID, Qty: dec("12"), UnitID: pcs,
			Components: []masterdata.BOMComponent{{ProductID: boxID, Qty: dec("1"), UnitID: pcs}}},
		{ID: 2, Kind: masterdata.BOMKindTransfer, ProductID: nutID, Qty: dec("1"), UnitID: doz,
			Components: []masterdata.BOMComponent{{ProductID: boxID, Qty: dec("1"), UnitID: pcs}}},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, Config{AdjustmentLocationID: lossLocation})
}

func newFixtureWithConfig(t *testing.T, cfg Config) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	repo.internal[locationID] = true
	f := &fixture{
		repo:      repo,
		audit:     &auditRecorder{},
		approvals: &approvalRecorder{},
		notifier:  &notifierStub{},
		metrics:   &metricsStub{scans: map[string]int{}},
		boms:      testBOMs(),
	}
	units := masterdata.NewUnits(unitTable{
		pcs: {ID: pcs, CategoryID: 1, Code: "PCS", Factor: dec("1"), Rounding: dec("1")},
		doz: {ID: doz, CategoryID: 1, Code: "DOZ", Factor: dec("0.0833333333"), Rounding: dec("0.01")},
	})
	locations := masterdata.NewLocations(locationTable{
		locationID:   {ID: locationID, CompanyID: companyID, WarehouseID: warehouseID, Name: "WH/Stock", Usage: masterdata.UsageInternal},
		lossLocation: {ID: lossLocation, CompanyID: companyID, Name: "Inventory adjustment", Usage: masterdata.UsageInventory},
	})
	f.svc = NewService(Dependencies{
		Repo:      repo,
		Catalog:   catalogStub{products: testProducts()},
		Units:     units,
		BOMs:      masterdata.NewBOMProvider(f.boms),
		Locations: locations,
		Authz: authzStub{
			approver: {shared.PermStockCountApprove, shared.PermStockCountPost},
		},
		Audit:     f.audit,
		Approvals: f.approvals,
		Notifier:  f.notifier,
		Metrics:   f.metrics,
	}, cfg)
	return f
}

func (f *fixture) create(t *testing.T) Adjustment {
	t.Helper()
	adj, err := f.svc.Create(context.Background(), CreateInput{LocationID: locationID, UserID: counter})
	require.NoError(t, err)
	return adj
}

func (f *fixture) scan(t *testing.T, adjID int64, barcode string, user int64, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		_, err := f.svc.Scan(context.Background(), ScanInput{AdjustmentID: adjID, Barcode: barcode, UserID: user})
		require.NoError(t, err)
	}
}

func lineFor(t *testing.T, adj Adjustment, productID, lotID int64) Line {
	t.Helper()
	for _, l := range adj.Lines {
		if l.ProductID == productID && l.LotID == lotID {
			return l
		}
	}
	t.Fatalf("no line for product %d lot %d", productID, lotID)
	return Line{}
}

func deltaFor(t *testing.T, line Line, lotID int64) LotDelta {
	t.Helper()
	for _, d := range line.Deltas {
		if d.LotID == lotID {
			return d
		}
	}
	t.Fatalf("no delta for lot %d on line %d", lotID, line.ID)
	return LotDelta{}
}
