// Package stockcount implements physical inventory counts: barcode scans are
// aggregated into lines, kit components are consolidated into their parent
// product, counted totals are allocated over lots FIFO and the resulting
// deltas are posted to the quant ledger.
package stockcount

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// State enumerates adjustment lifecycle states.
type State string

const (
	// StateDraft accepts scans.
	StateDraft State = "draft"
	// StateToApprove waits for an approver.
	StateToApprove State = "to_approve"
	// StateApproved is ready for posting.
	StateApproved State = "approved"
	// StateDone is fully posted.
	StateDone State = "done"
	// StateCancel is cancelled and may be reset to draft.
	StateCancel State = "cancel"
)

// Terminal reports whether the state no longer blocks a new count on the location.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancel
}

// Adjustment is a stock count header for one location.
type Adjustment struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	LocationID     int64      `json:"location_id"`
	CompanyID      int64      `json:"company_id"`
	WarehouseID    int64      `json:"warehouse_id"`
	State          State      `json:"state"`
	ApproverID     int64      `json:"approver_id,omitempty"`
	CreatedBy      int64      `json:"created_by"`
	InventoryDate  time.Time  `json:"inventory_date"`
	PostedDate     *time.Time `json:"posted_date,omitempty"`
	AccountingDate *time.Time `json:"accounting_date,omitempty"`
	Note           string     `json:"note,omitempty"`
	IsRecomputed   bool       `json:"is_recomputed"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	Lines          []Line     `json:"lines"`
}

// Line aggregates events for one (product, lot) pair. A line is a child when
// ParentProductID is set; a line is a parent when other lines point at its
// product.
type Line struct {
	ID              int64           `json:"id"`
	AdjustmentID    int64           `json:"adjustment_id"`
	ProductID       int64           `json:"product_id"`
	LotID           int64           `json:"lot_id,omitempty"`
	OnHand          decimal.Decimal `json:"on_hand"`
	Baseline        decimal.Decimal `json:"count_baseline"`
	ParentProductID int64           `json:"parent_product_id,omitempty"`
	DisplaySequence int64           `json:"display_sequence"`
	Editable        bool            `json:"editable"`
	Posted          bool            `json:"posted"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	Counted         decimal.Decimal `json:"counted"`
	Events          []ScanEvent     `json:"events"`
	Deltas          []LotDelta      `json:"deltas"`
}

// IsChild reports whether the line is folded into a parent line.
func (l Line) IsChild() bool {
	return l.ParentProductID != 0
}

// Overridden reports whether any delta was set by hand.
func (l Line) Overridden() bool {
	for _, d := range l.Deltas {
		if d.Overridden {
			return true
		}
	}
	return false
}

// ScanEvent is one user's batch of counted units for a (product, lot). Copies
// made by consolidation carry the id of the event they were copied from.
type ScanEvent struct {
	ID            int64           `json:"id"`
	LineID        int64           `json:"line_id"`
	ProductID     int64           `json:"product_id"`
	LotID         int64           `json:"lot_id,omitempty"`
	UnitID        int64           `json:"unit_id"`
	Qty           decimal.Decimal `json:"qty"`
	UserID        int64           `json:"user_id"`
	SourceEventID int64           `json:"source_event_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IsCopy reports whether consolidation created the event.
func (e ScanEvent) IsCopy() bool {
	return e.SourceEventID != 0
}

// LotDelta is the allocation result for one lot of a line.
type LotDelta struct {
	LotID      int64           `json:"lot_id"`
	LotName    string          `json:"lot_name,omitempty"`
	InDate     time.Time       `json:"in_date"`
	PriorQty   decimal.Decimal `json:"prior_qty"`
	NewQty     decimal.Decimal `json:"new_qty"`
	Overridden bool            `json:"overridden"`
}

// Difference is NewQty - PriorQty.
func (d LotDelta) Difference() decimal.Decimal {
	return d.NewQty.Sub(d.PriorQty)
}

// SumPrior totals the prior quantities of deltas.
func SumPrior(deltas []LotDelta) decimal.Decimal {
	total := decimal.Zero
	for _, d := range deltas {
		total = total.Add(d.PriorQty)
	}
	return total
}

// PositivePrior totals the prior quantities of lots that held stock. It is the
// on-hand a count is measured against; negative lots are zeroed separately.
func PositivePrior(deltas []LotDelta) decimal.Decimal {
	total := decimal.Zero
	for _, d := range deltas {
		if d.PriorQty.IsPositive() {
			total = total.Add(d.PriorQty)
		}
	}
	return total
}

// SumNew totals the new quantities of deltas.
func SumNew(deltas []LotDelta) decimal.Decimal {
	total := decimal.Zero
	for _, d := range deltas {
		total = total.Add(d.NewQty)
	}
	return total
}

// LockMode selects the row lock taken when loading an adjustment.
type LockMode int

const (
	// LockNone reads without locking.
	LockNone LockMode = iota
	// LockShare blocks transitions while scans run.
	LockShare
	// LockUpdate serialises transitions.
	LockUpdate
)

// Display sequence buckets. Parents sort right before their children and
// standalone lines sort after every kit group.
const (
	parentSequenceBase     = 1000
	standaloneSequenceBase = 1000000
	sequenceStep           = 10
)

// ParentSequence returns the display sequence of a parent line.
func ParentSequence(parentProductID int64) int64 {
	return parentSequenceBase + parentProductID*sequenceStep
}

// StandaloneSequence returns the display sequence of an unconsolidated line.
func StandaloneSequence(productID int64) int64 {
	return standaloneSequenceBase + productID*sequenceStep
}

var (
	// ErrNotFound indicates an unknown barcode, adjustment, line, event or lot.
	ErrNotFound = errors.New("stockcount: not found")
	// ErrDisallowedProduct rejects direct scans of consolidated kit parents.
	ErrDisallowedProduct = errors.New("stockcount: product may not be scanned directly")
	// ErrInvalidState indicates an action illegal in the current state.
	ErrInvalidState = errors.New("stockcount: invalid state")
	// ErrPermission indicates a missing capability for a gated transition.
	ErrPermission = errors.New("stockcount: permission denied")
	// ErrValidation indicates a business rule violation.
	ErrValidation = errors.New("stockcount: validation failed")
	// ErrNoLotAvailable indicates no lot identity could be found for a line.
	ErrNoLotAvailable = errors.New("stockcount: no lot available")
	// ErrBusy indicates another transition holds the location lock.
	ErrBusy = errors.New("stockcount: location busy")
)
