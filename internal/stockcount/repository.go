package stockcount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/inventory"
	"github.com/odyssey-erp/stockcount/internal/platform/db"
)

// Repository persists stock counts in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stockcount repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// WithScanTx executes the callback inside a read-committed transaction used
// for event writes that many counters issue concurrently.
func (r *Repository) WithScanTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stockcount repository not initialised")
	}
	return db.WithTxIso(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const adjustmentColumns = `id, name, location_id, company_id, COALESCE(warehouse_id, 0), state, COALESCE(approver_id, 0), created_by,
inventory_date, posted_date, accounting_date, COALESCE(note, ''), is_recomputed, created_at, updated_at`

func scanAdjustment(row pgx.Row) (Adjustment, error) {
	var a Adjustment
	var state string
	err := row.Scan(&a.ID, &a.Name, &a.LocationID, &a.CompanyID, &a.WarehouseID, &state, &a.ApproverID, &a.CreatedBy,
		&a.InventoryDate, &a.PostedDate, &a.AccountingDate, &a.Note, &a.IsRecomputed, &a.CreatedAt, &a.UpdatedAt)
	a.State = State(state)
	return a, err
}

func (r *txRepository) GetAdjustment(ctx context.Context, id int64, lock LockMode) (Adjustment, error) {
	query := `SELECT ` + adjustmentColumns + ` FROM stock_adjustments WHERE id=$1`
	switch lock {
	case LockShare:
		query += ` FOR SHARE`
	case LockUpdate:
		query += ` FOR UPDATE`
	}
	adj, err := scanAdjustment(r.tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Adjustment{}, fmt.Errorf("%w: adjustment %d", ErrNotFound, id)
		}
		return Adjustment{}, err
	}
	return adj, nil
}

func (r *txRepository) ListLines(ctx context.Context, adjustmentID int64) ([]Line, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, adjustment_id, product_id, lot_id, on_hand, count_baseline, COALESCE(parent_product_id, 0), display_sequence, editable, posted, unit_price
FROM stock_adjustment_lines WHERE adjustment_id=$1 ORDER BY display_sequence, id`, adjustmentID)
	if err != nil {
		return nil, err
	}
	var lines []Line
	index := map[int64]int{}
	for rows.Next() {
		var l Line
		if err := rows.Scan(&l.ID, &l.AdjustmentID, &l.ProductID, &l.LotID, &l.OnHand, &l.Baseline, &l.ParentProductID, &l.DisplaySequence, &l.Editable, &l.Posted, &l.UnitPrice); err != nil {
			rows.Close()
			return nil, err
		}
		index[l.ID] = len(lines)
		lines = append(lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.tx.Query(ctx, `SELECT id, line_id, product_id, lot_id, unit_id, qty, user_id, COALESCE(source_event_id, 0), created_at
FROM stock_adjustment_events WHERE adjustment_id=$1 ORDER BY id`, adjustmentID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e ScanEvent
		if err := rows.Scan(&e.ID, &e.LineID, &e.ProductID, &e.LotID, &e.UnitID, &e.Qty, &e.UserID, &e.SourceEventID, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if i, ok := index[e.LineID]; ok {
			lines[i].Events = append(lines[i].Events, e)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.tx.Query(ctx, `SELECT d.line_id, d.lot_id, COALESCE(d.lot_name, ''), d.in_date, d.prior_qty, d.new_qty, d.overridden
FROM stock_adjustment_lot_deltas d JOIN stock_adjustment_lines l ON l.id = d.line_id
WHERE l.adjustment_id=$1 ORDER BY d.line_id, d.in_date, d.id`, adjustmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var lineID int64
		var d LotDelta
		if err := rows.Scan(&lineID, &d.LotID, &d.LotName, &d.InDate, &d.PriorQty, &d.NewQty, &d.Overridden); err != nil {
			return nil, err
		}
		if i, ok := index[lineID]; ok {
			lines[i].Deltas = append(lines[i].Deltas, d)
		}
	}
	return lines, rows.Err()
}

func (r *txRepository) ActiveAdjustmentForLocation(ctx context.Context, locationID int64) (int64, bool, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `SELECT id FROM stock_adjustments WHERE location_id=$1 AND state NOT IN ('done', 'cancel') ORDER BY id LIMIT 1`, locationID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

func (r *txRepository) InsertAdjustment(ctx context.Context, adj Adjustment) (Adjustment, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_adjustments (name, location_id, company_id, warehouse_id, state, created_by, inventory_date, accounting_date, note)
VALUES ('INV-ADJ/' || lpad(nextval('stock_adjustment_name_seq')::text, 5, '0'), $1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
RETURNING id, name, created_at, updated_at`,
		adj.LocationID, adj.CompanyID, db.NullInt(adj.WarehouseID), string(adj.State), adj.CreatedBy, adj.InventoryDate, adj.AccountingDate, adj.Note).
		Scan(&adj.ID, &adj.Name, &adj.CreatedAt, &adj.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Adjustment{}, fmt.Errorf("%w: location %d already has an open count", ErrValidation, adj.LocationID)
		}
		return Adjustment{}, err
	}
	return adj, nil
}

func (r *txRepository) UpdateAdjustment(ctx context.Context, adj Adjustment) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_adjustments SET state=$2, approver_id=$3, posted_date=$4, accounting_date=$5, note=NULLIF($6, ''), is_recomputed=$7, updated_at=NOW()
WHERE id=$1`, adj.ID, string(adj.State), db.NullInt(adj.ApproverID), adj.PostedDate, adj.AccountingDate, adj.Note, adj.IsRecomputed)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: location %d already has an open count", ErrValidation, adj.LocationID)
	}
	return err
}

func (r *txRepository) ListAdjustments(ctx context.Context, filter ListFilter) ([]Adjustment, int, error) {
	where := `WHERE ($1 = 0 OR location_id = $1) AND ($2 = '' OR state = $2)`
	var total int
	if err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM stock_adjustments `+where, filter.LocationID, string(filter.State)).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.tx.Query(ctx, `SELECT `+adjustmentColumns+` FROM stock_adjustments `+where+`
ORDER BY inventory_date DESC, id DESC LIMIT $3 OFFSET $4`, filter.LocationID, string(filter.State), limit, filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []Adjustment
	for rows.Next() {
		adj, err := scanAdjustment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, adj)
	}
	return items, total, rows.Err()
}

func (r *txRepository) ParentProductIDs(ctx context.Context, adjustmentID int64) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT DISTINCT parent_product_id FROM stock_adjustment_lines
WHERE adjustment_id=$1 AND parent_product_id IS NOT NULL ORDER BY parent_product_id`, adjustmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *txRepository) HasLotEvents(ctx context.Context, adjustmentID, productID int64) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_adjustment_events
WHERE adjustment_id=$1 AND product_id=$2 AND lot_id <> 0 AND source_event_id IS NULL)`, adjustmentID, productID).Scan(&exists)
	return exists, err
}

const eventColumns = `id, line_id, product_id, lot_id, unit_id, qty, user_id, COALESCE(source_event_id, 0), created_at`

func scanEvent(row pgx.Row) (ScanEvent, error) {
	var e ScanEvent
	err := row.Scan(&e.ID, &e.LineID, &e.ProductID, &e.LotID, &e.UnitID, &e.Qty, &e.UserID, &e.SourceEventID, &e.CreatedAt)
	return e, err
}

func (r *txRepository) LastUserEvent(ctx context.Context, adjustmentID, userID int64) (ScanEvent, bool, error) {
	evt, err := scanEvent(r.tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM stock_adjustment_events
WHERE adjustment_id=$1 AND user_id=$2 AND source_event_id IS NULL
ORDER BY id DESC LIMIT 1 FOR UPDATE`, adjustmentID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ScanEvent{}, false, nil
		}
		return ScanEvent{}, false, err
	}
	return evt, true, nil
}

func (r *txRepository) EnsureLine(ctx context.Context, line Line) (Line, error) {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_adjustment_lines (adjustment_id, product_id, lot_id, display_sequence)
VALUES ($1, $2, $3, $4) ON CONFLICT (adjustment_id, product_id, lot_id) DO NOTHING`,
		line.AdjustmentID, line.ProductID, line.LotID, line.DisplaySequence)
	if err != nil {
		return Line{}, err
	}
	var l Line
	err = r.tx.QueryRow(ctx, `SELECT id, adjustment_id, product_id, lot_id, on_hand, count_baseline, COALESCE(parent_product_id, 0), display_sequence, editable, posted, unit_price
FROM stock_adjustment_lines WHERE adjustment_id=$1 AND product_id=$2 AND lot_id=$3 FOR UPDATE`, line.AdjustmentID, line.ProductID, line.LotID).
		Scan(&l.ID, &l.AdjustmentID, &l.ProductID, &l.LotID, &l.OnHand, &l.Baseline, &l.ParentProductID, &l.DisplaySequence, &l.Editable, &l.Posted, &l.UnitPrice)
	return l, err
}

func (r *txRepository) UpdateLine(ctx context.Context, line Line) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_adjustment_lines SET on_hand=$2, parent_product_id=$3, display_sequence=$4, editable=$5, posted=$6, unit_price=$7, count_baseline=$8
WHERE id=$1`, line.ID, line.OnHand, db.NullInt(line.ParentProductID), line.DisplaySequence, line.Editable, line.Posted, line.UnitPrice, line.Baseline)
	return err
}

func (r *txRepository) DeleteLine(ctx context.Context, lineID int64) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM stock_adjustment_lines WHERE id=$1`, lineID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: line %d", ErrNotFound, lineID)
	}
	return nil
}

func (r *txRepository) ReplaceDeltas(ctx context.Context, lineID int64, deltas []LotDelta) error {
	if _, err := r.tx.Exec(ctx, `DELETE FROM stock_adjustment_lot_deltas WHERE line_id=$1`, lineID); err != nil {
		return err
	}
	if len(deltas) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(`INSERT INTO stock_adjustment_lot_deltas (line_id, lot_id, lot_name, in_date, prior_qty, new_qty, overridden)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)`, lineID, d.LotID, d.LotName, nullTime(d.InDate), d.PriorQty, d.NewQty, d.Overridden)
	}
	br := r.tx.SendBatch(ctx, batch)
	for range deltas {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return err
		}
	}
	return br.Close()
}

func (r *txRepository) GetEvent(ctx context.Context, adjustmentID, eventID int64) (ScanEvent, error) {
	evt, err := scanEvent(r.tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM stock_adjustment_events
WHERE adjustment_id=$1 AND id=$2 FOR UPDATE`, adjustmentID, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ScanEvent{}, fmt.Errorf("%w: event %d", ErrNotFound, eventID)
		}
		return ScanEvent{}, err
	}
	return evt, nil
}

func (r *txRepository) InsertEvent(ctx context.Context, evt ScanEvent) (ScanEvent, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_adjustment_events (adjustment_id, line_id, product_id, lot_id, unit_id, qty, user_id, source_event_id)
SELECT adjustment_id, $1, $2, $3, $4, $5, $6, $7 FROM stock_adjustment_lines WHERE id=$1
RETURNING id, created_at`, evt.LineID, evt.ProductID, evt.LotID, evt.UnitID, evt.Qty, evt.UserID, db.NullInt(evt.SourceEventID)).
		Scan(&evt.ID, &evt.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ScanEvent{}, fmt.Errorf("%w: line %d", ErrNotFound, evt.LineID)
	}
	return evt, err
}

func (r *txRepository) UpdateEventQty(ctx context.Context, eventID int64, qty decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE stock_adjustment_events SET qty=$2 WHERE id=$1`, eventID, qty)
	return err
}

func (r *txRepository) DeleteEvent(ctx context.Context, eventID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM stock_adjustment_events WHERE id=$1`, eventID)
	return err
}

func (r *txRepository) UpdateLastCountDate(ctx context.Context, locationID int64, date time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE locations SET last_count_date=$2 WHERE id=$1`, locationID, date)
	return err
}

func (r *txRepository) Ledger() Ledger {
	return inventory.NewLedger(inventory.NewTxRepository(r.tx))
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
