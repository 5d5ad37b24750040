package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the ledger operations that run inside a transaction.
type TxRepository interface {
	Quants(ctx context.Context, productID, locationID int64) ([]Quant, error)
	QuantForUpdate(ctx context.Context, productID, locationID, lotID int64) (Quant, error)
	CompanyLotQuant(ctx context.Context, productID, companyID int64) (Quant, bool, error)
	LocationStock(ctx context.Context, locationID, companyID int64) ([]ProductStock, error)
	LocationIsInternal(ctx context.Context, locationID int64) (bool, error)
	AverageCost(ctx context.Context, productID, companyID int64) (decimal.Decimal, error)
	UpsertQuant(ctx context.Context, q Quant) error
	InsertMove(ctx context.Context, m Move) (int64, error)
	InsertCardEntry(ctx context.Context, entry StockCardEntry, locationID, productID int64) error
}

// ErrQuantNotFound indicates missing quant row.
var ErrQuantNotFound = errors.New("inventory: quant not found")

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds ledger operations to an open transaction so callers
// can post moves atomically with their own writes.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// GetStockCard lists card entries for a product at a location.
func (r *Repository) GetStockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	if r == nil {
		return nil, errors.New("inventory repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT COALESCE(move_id, 0), reference, COALESCE(lot_id, 0), posted_at, qty_in, qty_out, balance_qty
FROM inventory_cards
WHERE location_id=$1 AND product_id=$2 AND posted_at BETWEEN COALESCE($3, '-infinity') AND COALESCE($4, 'infinity')
ORDER BY posted_at ASC, id ASC
LIMIT $5`, filter.LocationID, filter.ProductID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cards := []StockCardEntry{}
	for rows.Next() {
		var entry StockCardEntry
		if err := rows.Scan(&entry.MoveID, &entry.Reference, &entry.LotID, &entry.PostedAt, &entry.QtyIn, &entry.QtyOut, &entry.BalanceQty); err != nil {
			return nil, err
		}
		cards = append(cards, entry)
	}
	return cards, rows.Err()
}

// Quants lists quants of a product at a location outside any transaction.
func (r *Repository) Quants(ctx context.Context, productID, locationID int64) ([]Quant, error) {
	return queryQuants(ctx, r.pool, productID, locationID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const quantColumns = `q.id, q.product_id, q.location_id, COALESCE(q.lot_id, 0), COALESCE(l.name, ''), q.company_id, q.qty, q.unit_cost, q.in_date`

func scanQuant(row pgx.Row) (Quant, error) {
	var q Quant
	err := row.Scan(&q.ID, &q.ProductID, &q.LocationID, &q.LotID, &q.LotName, &q.CompanyID, &q.Qty, &q.UnitCost, &q.InDate)
	return q, err
}

func queryQuants(ctx context.Context, qr querier, productID, locationID int64) ([]Quant, error) {
	rows, err := qr.Query(ctx, `SELECT `+quantColumns+`
FROM quants q LEFT JOIN lots l ON l.id = q.lot_id
WHERE q.product_id=$1 AND q.location_id=$2
ORDER BY q.in_date ASC, q.id ASC`, productID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var quants []Quant
	for rows.Next() {
		q, err := scanQuant(rows)
		if err != nil {
			return nil, err
		}
		quants = append(quants, q)
	}
	return quants, rows.Err()
}

func (r *txRepository) Quants(ctx context.Context, productID, locationID int64) ([]Quant, error) {
	return queryQuants(ctx, r.tx, productID, locationID)
}

func (r *txRepository) QuantForUpdate(ctx context.Context, productID, locationID, lotID int64) (Quant, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+quantColumns+`
FROM quants q LEFT JOIN lots l ON l.id = q.lot_id
WHERE q.product_id=$1 AND q.location_id=$2 AND COALESCE(q.lot_id, 0)=$3
FOR UPDATE OF q`, productID, locationID, lotID)
	q, err := scanQuant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quant{ProductID: productID, LocationID: locationID, LotID: lotID}, ErrQuantNotFound
		}
		return Quant{}, err
	}
	return q, nil
}

func (r *txRepository) CompanyLotQuant(ctx context.Context, productID, companyID int64) (Quant, bool, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+quantColumns+`
FROM quants q
JOIN lots l ON l.id = q.lot_id
JOIN locations loc ON loc.id = q.location_id
WHERE q.product_id=$1 AND l.company_id=$2 AND loc.usage IN ('customer', 'internal', 'transit')
ORDER BY q.in_date ASC, q.id ASC
LIMIT 1`, productID, companyID)
	q, err := scanQuant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quant{}, false, nil
		}
		return Quant{}, false, err
	}
	return q, true, nil
}

func (r *txRepository) LocationStock(ctx context.Context, locationID, companyID int64) ([]ProductStock, error) {
	rows, err := r.tx.Query(ctx, `SELECT q.product_id, SUM(q.qty)
FROM quants q JOIN products p ON p.id = q.product_id AND p.is_active
WHERE q.location_id=$1 AND q.company_id=$2
GROUP BY q.product_id
ORDER BY q.product_id`, locationID, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stock []ProductStock
	for rows.Next() {
		var s ProductStock
		if err := rows.Scan(&s.ProductID, &s.Qty); err != nil {
			return nil, err
		}
		stock = append(stock, s)
	}
	return stock, rows.Err()
}

func (r *txRepository) LocationIsInternal(ctx context.Context, locationID int64) (bool, error) {
	var internal bool
	err := r.tx.QueryRow(ctx, `SELECT usage = 'internal' FROM locations WHERE id=$1`, locationID).Scan(&internal)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return internal, err
}

func (r *txRepository) AverageCost(ctx context.Context, productID, companyID int64) (decimal.Decimal, error) {
	var cost decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(q.qty * q.unit_cost) / NULLIF(SUM(q.qty), 0), 0)
FROM quants q JOIN locations loc ON loc.id = q.location_id
WHERE q.product_id=$1 AND q.company_id=$2 AND loc.usage='internal' AND q.qty > 0`, productID, companyID).Scan(&cost)
	return cost, err
}

func (r *txRepository) UpsertQuant(ctx context.Context, q Quant) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO quants (product_id, location_id, lot_id, company_id, qty, unit_cost, in_date)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (product_id, location_id, (COALESCE(lot_id, 0))) DO UPDATE SET qty=EXCLUDED.qty, unit_cost=EXCLUDED.unit_cost`,
		q.ProductID, q.LocationID, db.NullInt(q.LotID), q.CompanyID, q.Qty, q.UnitCost, q.InDate)
	return err
}

func (r *txRepository) InsertMove(ctx context.Context, m Move) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_moves (reference, company_id, product_id, lot_id, qty, src_location_id, dst_location_id, source_line_id, accounting_date, posted_at, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		m.Reference, m.CompanyID, m.ProductID, db.NullInt(m.LotID), m.Qty, m.SrcLocationID, m.DstLocationID, db.NullInt(m.SourceLineID), m.AccountingDate, m.PostedAt, db.NullInt(m.CreatedBy)).Scan(&id)
	return id, err
}

func (r *txRepository) InsertCardEntry(ctx context.Context, entry StockCardEntry, locationID, productID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_cards (location_id, product_id, lot_id, move_id, reference, qty_in, qty_out, balance_qty, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, locationID, productID, db.NullInt(entry.LotID), entry.MoveID, entry.Reference, entry.QtyIn, entry.QtyOut, entry.BalanceQty, entry.PostedAt)
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
