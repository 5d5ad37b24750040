package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/stockcount/internal/auth"
	"github.com/odyssey-erp/stockcount/internal/inventory"
	"github.com/odyssey-erp/stockcount/internal/masterdata"
	"github.com/odyssey-erp/stockcount/internal/observability"
	"github.com/odyssey-erp/stockcount/internal/rbac"
	"github.com/odyssey-erp/stockcount/internal/shared"
	"github.com/odyssey-erp/stockcount/internal/stockcount"
	"github.com/odyssey-erp/stockcount/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	SessionManager     *shared.SessionManager
	CSRFManager        *shared.CSRFManager
	AuthHandler        *auth.Handler
	StockCountHandler  *stockcount.Handler
	InventoryHandler   *inventory.Handler
	MasterDataHandler  *masterdata.Handler
	PermissionsHandler *rbac.PermissionsHandler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	// probes stay outside the session and csrf stack
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		for _, mw := range MiddlewareStack(MiddlewareConfig{
			Logger:         params.Logger,
			Config:         params.Config,
			SessionManager: params.SessionManager,
			CSRFManager:    params.CSRFManager,
			Metrics:        params.Metrics,
		}) {
			r.Use(mw)
		}
		r.Use(chimw.Logger)

		if params.AuthHandler != nil {
			r.Route("/auth", params.AuthHandler.MountRoutes)
		}
		if params.StockCountHandler != nil {
			r.Route("/api/stock-counts", params.StockCountHandler.MountRoutes)
		}
		if params.InventoryHandler != nil {
			r.Route("/api/inventory", params.InventoryHandler.MountRoutes)
		}
		if params.MasterDataHandler != nil {
			r.Route("/api/masterdata", params.MasterDataHandler.MountRoutes)
		}
		if params.PermissionsHandler != nil {
			r.Route("/permissions", params.PermissionsHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
