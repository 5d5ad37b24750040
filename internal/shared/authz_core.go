package shared

// Core platform permissions.
const (
	PermPermissionsView = "permissions.view"
	PermMasterView      = "master.view"
	PermMasterEdit      = "master.edit"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{PermPermissionsView, PermMasterView, PermMasterEdit}
}

// AllScopes lists every permission known to the service.
func AllScopes() []string {
	return append(CoreScopes(), StockCountScopes()...)
}
