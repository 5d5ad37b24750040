package masterdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads catalog, unit, location and BOM records from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const productColumns = `id, company_id, code, name, COALESCE(barcode, ''), unit_id, COALESCE(inventory_location_id, 0), is_active`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.CompanyID, &p.Code, &p.Name, &p.Barcode, &p.UnitID, &p.InventoryLocationID, &p.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	return p, err
}

// ProductByBarcode finds the active product carrying barcode.
func (r *Repository) ProductByBarcode(ctx context.Context, barcode string) (Product, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE barcode=$1 AND is_active AND deleted_at IS NULL LIMIT 1`, barcode)
	p, err := scanProduct(row)
	if err != nil {
		return Product{}, fmt.Errorf("product by barcode %q: %w", barcode, err)
	}
	return p, nil
}

// Product loads a product by id.
func (r *Repository) Product(ctx context.Context, id int64) (Product, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id)
	p, err := scanProduct(row)
	if err != nil {
		return Product{}, fmt.Errorf("product %d: %w", id, err)
	}
	return p, nil
}

// Unit loads a unit of measure.
func (r *Repository) Unit(ctx context.Context, id int64) (Unit, error) {
	var u Unit
	err := r.pool.QueryRow(ctx, `SELECT id, category_id, code, name, factor, rounding FROM units WHERE id=$1`, id).
		Scan(&u.ID, &u.CategoryID, &u.Code, &u.Name, &u.Factor, &u.Rounding)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Unit{}, fmt.Errorf("unit %d: %w", id, ErrNotFound)
		}
		return Unit{}, err
	}
	return u, nil
}

// Location loads a stock location.
func (r *Repository) Location(ctx context.Context, id int64) (Location, error) {
	var l Location
	var usage string
	err := r.pool.QueryRow(ctx, `SELECT id, company_id, COALESCE(warehouse_id, 0), name, usage, last_count_date FROM locations WHERE id=$1`, id).
		Scan(&l.ID, &l.CompanyID, &l.WarehouseID, &l.Name, &usage, &l.LastCountDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Location{}, fmt.Errorf("location %d: %w", id, ErrNotFound)
		}
		return Location{}, err
	}
	l.Usage = LocationUsage(usage)
	return l, nil
}

// TransferBOMsByProduct lists transfer BOMs producing productID, oldest first.
func (r *Repository) TransferBOMsByProduct(ctx context.Context, productID int64) ([]BOM, error) {
	return r.queryBOMs(ctx, `SELECT id, kind, product_id, qty, unit_id FROM boms
WHERE kind='transfer' AND product_id=$1 AND is_active ORDER BY id`, productID)
}

// TransferBOMsByComponent lists transfer BOMs that carry productID as a row.
func (r *Repository) TransferBOMsByComponent(ctx context.Context, productID int64) ([]BOM, error) {
	return r.queryBOMs(ctx, `SELECT b.id, b.kind, b.product_id, b.qty, b.unit_id FROM boms b
WHERE b.kind='transfer' AND b.is_active AND EXISTS (SELECT 1 FROM bom_lines bl WHERE bl.bom_id=b.id AND bl.product_id=$1)
ORDER BY b.id`, productID)
}

func (r *Repository) queryBOMs(ctx context.Context, query string, args ...any) ([]BOM, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var boms []BOM
	for rows.Next() {
		var b BOM
		var kind string
		if err := rows.Scan(&b.ID, &kind, &b.ProductID, &b.Qty, &b.UnitID); err != nil {
			rows.Close()
			return nil, err
		}
		b.Kind = BOMKind(kind)
		boms = append(boms, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range boms {
		if err := r.loadBOMDetails(ctx, &boms[i]); err != nil {
			return nil, err
		}
	}
	return boms, nil
}

func (r *Repository) loadBOMDetails(ctx context.Context, b *BOM) error {
	rows, err := r.pool.Query(ctx, `SELECT product_id, qty, unit_id FROM bom_lines WHERE bom_id=$1 ORDER BY sequence, id`, b.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var c BOMComponent
		if err := rows.Scan(&c.ProductID, &c.Qty, &c.UnitID); err != nil {
			rows.Close()
			return err
		}
		b.Components = append(b.Components, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `SELECT COALESCE(array_agg(warehouse_id ORDER BY warehouse_id), '{}') FROM bom_warehouses WHERE bom_id=$1`, b.ID).
		Scan(&b.WarehouseIDs)
}
