package stockcount

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/inventory"
	"github.com/odyssey-erp/stockcount/internal/masterdata"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

// Catalog resolves products.
type Catalog interface {
	ResolveBarcode(ctx context.Context, barcode string) (masterdata.Product, error)
	Product(ctx context.Context, id int64) (masterdata.Product, error)
}

// UnitConverter converts quantities between units of measure.
type UnitConverter interface {
	Convert(ctx context.Context, qty decimal.Decimal, fromUnitID, toUnitID int64) (decimal.Decimal, error)
	Round(ctx context.Context, qty decimal.Decimal, unitID int64) (decimal.Decimal, error)
}

// BOMProvider looks up transfer BOMs.
type BOMProvider interface {
	FindParentBOM(ctx context.Context, productID, warehouseID int64) (masterdata.BOM, bool, error)
	FindComponentBOM(ctx context.Context, productID, warehouseID int64) (masterdata.BOM, bool, error)
}

// Locations resolves countable locations.
type Locations interface {
	Countable(ctx context.Context, id int64) (masterdata.Location, error)
}

// Ledger is the quant ledger as seen inside a transaction.
type Ledger interface {
	Quants(ctx context.Context, productID, locationID int64) ([]inventory.Quant, error)
	CompanyLot(ctx context.Context, productID, companyID int64) (inventory.Quant, bool, error)
	LocationStock(ctx context.Context, locationID, companyID int64) ([]inventory.ProductStock, error)
	AverageCost(ctx context.Context, productID, companyID int64) (decimal.Decimal, error)
	PostMoves(ctx context.Context, moves []inventory.MoveInput) ([]inventory.Move, error)
}

// Authorizer answers capability checks for gated transitions.
type Authorizer interface {
	HasPermission(ctx context.Context, userID int64, perm string) (bool, error)
}

// Locker serialises transitions per location.
type Locker interface {
	Obtain(ctx context.Context, key string) (release func(), err error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
	List(ctx context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error)
}

// ApprovalPort records approval history.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// IdempotencyPort guards replayed requests.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Notifier receives posted counts for downstream delivery.
type Notifier interface {
	NotifyStockCountPosted(ctx context.Context, evt PostedEvent) error
}

// Metrics records engine counters.
type Metrics interface {
	ObserveScan(result string)
	ObserveTransition(from, to State)
	ObserveMoves(n int)
	ObserveFlaggedLines(n int)
}

// PostedEvent describes one successful posting pass.
type PostedEvent struct {
	AdjustmentID int64            `json:"adjustment_id"`
	Name         string           `json:"name"`
	LocationID   int64            `json:"location_id"`
	CompanyID    int64            `json:"company_id"`
	State        State            `json:"state"`
	PostedAt     time.Time        `json:"posted_at"`
	Moves        []inventory.Move `json:"moves"`
}

// ListFilter narrows adjustment listings. Zero values match everything.
type ListFilter struct {
	LocationID int64
	State      State
	Limit      int
	Offset     int
}

// TxRepository exposes persistence operations inside a transaction.
type TxRepository interface {
	GetAdjustment(ctx context.Context, id int64, lock LockMode) (Adjustment, error)
	ListLines(ctx context.Context, adjustmentID int64) ([]Line, error)
	ActiveAdjustmentForLocation(ctx context.Context, locationID int64) (int64, bool, error)
	InsertAdjustment(ctx context.Context, adj Adjustment) (Adjustment, error)
	UpdateAdjustment(ctx context.Context, adj Adjustment) error
	ListAdjustments(ctx context.Context, filter ListFilter) ([]Adjustment, int, error)

	ParentProductIDs(ctx context.Context, adjustmentID int64) ([]int64, error)
	HasLotEvents(ctx context.Context, adjustmentID, productID int64) (bool, error)
	LastUserEvent(ctx context.Context, adjustmentID, userID int64) (ScanEvent, bool, error)

	EnsureLine(ctx context.Context, line Line) (Line, error)
	UpdateLine(ctx context.Context, line Line) error
	DeleteLine(ctx context.Context, lineID int64) error
	ReplaceDeltas(ctx context.Context, lineID int64, deltas []LotDelta) error

	GetEvent(ctx context.Context, adjustmentID, eventID int64) (ScanEvent, error)
	InsertEvent(ctx context.Context, evt ScanEvent) (ScanEvent, error)
	UpdateEventQty(ctx context.Context, eventID int64, qty decimal.Decimal) error
	DeleteEvent(ctx context.Context, eventID int64) error

	UpdateLastCountDate(ctx context.Context, locationID int64, date time.Time) error
	Ledger() Ledger
}

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	WithScanTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}
