package shared

// Stock count permissions.
const (
	PermStockCountView    = "stockcount.view"
	PermStockCountScan    = "stockcount.scan"
	PermStockCountConfirm = "stockcount.confirm"
	PermStockCountApprove = "stockcount.approve"
	PermStockCountPost    = "stockcount.post"
	PermStockCountCancel  = "stockcount.cancel"
)

// StockCountScopes lists all permissions related to stock counts.
func StockCountScopes() []string {
	return []string{
		PermStockCountView,
		PermStockCountScan,
		PermStockCountConfirm,
		PermStockCountApprove,
		PermStockCountPost,
		PermStockCountCancel,
	}
}
