package inventory

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Quant is an on-hand ledger row for a product at a location, optionally per lot.
type Quant struct {
	ID         int64           `json:"id"`
	ProductID  int64           `json:"product_id"`
	LocationID int64           `json:"location_id"`
	LotID      int64           `json:"lot_id"`
	LotName    string          `json:"lot_name"`
	CompanyID  int64           `json:"company_id"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	InDate     time.Time       `json:"in_date"`
}

// ProductStock sums quants of one product at a location.
type ProductStock struct {
	ProductID int64           `json:"product_id"`
	Qty       decimal.Decimal `json:"qty"`
}

// MoveInput describes one lot movement between two locations. Qty is always
// positive; direction is given by the locations.
type MoveInput struct {
	Reference      string
	CompanyID      int64
	ProductID      int64
	LotID          int64
	Qty            decimal.Decimal
	SrcLocationID  int64
	DstLocationID  int64
	SourceLineID   int64
	AccountingDate *time.Time
	ActorID        int64
}

// Move is a posted movement.
type Move struct {
	ID             int64           `json:"id"`
	Reference      string          `json:"reference"`
	CompanyID      int64           `json:"company_id"`
	ProductID      int64           `json:"product_id"`
	LotID          int64           `json:"lot_id"`
	Qty            decimal.Decimal `json:"qty"`
	SrcLocationID  int64           `json:"src_location_id"`
	DstLocationID  int64           `json:"dst_location_id"`
	SourceLineID   int64           `json:"source_line_id,omitempty"`
	AccountingDate *time.Time      `json:"accounting_date,omitempty"`
	PostedAt       time.Time       `json:"posted_at"`
	CreatedBy      int64           `json:"created_by,omitempty"`
}

// StockCardEntry is one ledger history row for a location.
type StockCardEntry struct {
	MoveID     int64           `json:"move_id"`
	Reference  string          `json:"reference"`
	LotID      int64           `json:"lot_id"`
	PostedAt   time.Time       `json:"posted_at"`
	QtyIn      decimal.Decimal `json:"qty_in"`
	QtyOut     decimal.Decimal `json:"qty_out"`
	BalanceQty decimal.Decimal `json:"balance_qty"`
}

// StockCardFilter filters card entries.
type StockCardFilter struct {
	LocationID int64
	ProductID  int64
	From       time.Time
	To         time.Time
	Limit      int
}

// ErrNegativeStock triggered when a movement would leave an internal location negative.
var ErrNegativeStock = errors.New("inventory: negative stock not allowed")

// ErrInvalidQuantity indicates invalid qty.
var ErrInvalidQuantity = errors.New("inventory: quantity must be positive")

// ErrInvalidMove indicates an incomplete or self-referencing move.
var ErrInvalidMove = errors.New("inventory: invalid move")
