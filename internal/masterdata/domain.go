package masterdata

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog view needed by counting and posting.
type Product struct {
	ID                  int64  `json:"id"`
	CompanyID           int64  `json:"company_id"`
	Code                string `json:"code"`
	Name                string `json:"name"`
	Barcode             string `json:"barcode"`
	UnitID              int64  `json:"unit_id"`
	InventoryLocationID int64  `json:"inventory_location_id"`
	IsActive            bool   `json:"is_active"`
}

// DisplayName renders "[CODE] Name" like the rest of the ERP.
func (p Product) DisplayName() string {
	if p.Code == "" {
		return p.Name
	}
	return "[" + p.Code + "] " + p.Name
}

// Unit represents a unit of measure. Factor is the number of this unit per
// reference unit of its category; Rounding is the smallest representable step.
type Unit struct {
	ID         int64           `json:"id"`
	CategoryID int64           `json:"category_id"`
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	Factor     decimal.Decimal `json:"factor"`
	Rounding   decimal.Decimal `json:"rounding"`
}

// LocationUsage classifies stock locations.
type LocationUsage string

const (
	// UsageInternal marks physical storage locations.
	UsageInternal LocationUsage = "internal"
	// UsageCustomer marks stock shipped to customers.
	UsageCustomer LocationUsage = "customer"
	// UsageTransit marks inter-warehouse transit locations.
	UsageTransit LocationUsage = "transit"
	// UsageInventory marks virtual inventory-loss locations.
	UsageInventory LocationUsage = "inventory"
	// UsageSupplier marks vendor locations.
	UsageSupplier LocationUsage = "supplier"
)

// Location is a stock location owned by a warehouse.
type Location struct {
	ID            int64         `json:"id"`
	CompanyID     int64         `json:"company_id"`
	WarehouseID   int64         `json:"warehouse_id"`
	Name          string        `json:"name"`
	Usage         LocationUsage `json:"usage"`
	LastCountDate *time.Time    `json:"last_count_date,omitempty"`
}

// BOMKind enumerates bill-of-materials types.
type BOMKind string

const (
	// BOMKindNormal is a manufacturing BOM.
	BOMKindNormal BOMKind = "normal"
	// BOMKindTransfer links a counted item to the kit product it rolls up into.
	BOMKindTransfer BOMKind = "transfer"
)

// BOM is a bill of materials. ProductID/Qty/UnitID describe the produced item;
// Components hold the rows. For transfer BOMs the first component is the kit
// (parent) product that the produced item is counted into.
type BOM struct {
	ID           int64           `json:"id"`
	Kind         BOMKind         `json:"kind"`
	ProductID    int64           `json:"product_id"`
	Qty          decimal.Decimal `json:"qty"`
	UnitID       int64           `json:"unit_id"`
	WarehouseIDs []int64         `json:"warehouse_ids"`
	Components   []BOMComponent  `json:"components"`
}

// BOMComponent is one BOM row.
type BOMComponent struct {
	ProductID int64           `json:"product_id"`
	Qty       decimal.Decimal `json:"qty"`
	UnitID    int64           `json:"unit_id"`
}

// AppliesTo reports whether the BOM is usable in the warehouse. An empty
// restriction list means every warehouse.
func (b BOM) AppliesTo(warehouseID int64) bool {
	if len(b.WarehouseIDs) == 0 {
		return true
	}
	for _, id := range b.WarehouseIDs {
		if id == warehouseID {
			return true
		}
	}
	return false
}

// Parent returns the kit row of a transfer BOM.
func (b BOM) Parent() (BOMComponent, bool) {
	if len(b.Components) == 0 {
		return BOMComponent{}, false
	}
	return b.Components[0], true
}

// Component finds the row for productID.
func (b BOM) Component(productID int64) (BOMComponent, bool) {
	for _, c := range b.Components {
		if c.ProductID == productID {
			return c, true
		}
	}
	return BOMComponent{}, false
}

var (
	// ErrNotFound indicates a missing catalog record.
	ErrNotFound = errors.New("masterdata: not found")
	// ErrUnitMismatch indicates a conversion across unit categories.
	ErrUnitMismatch = errors.New("masterdata: units belong to different categories")
)
