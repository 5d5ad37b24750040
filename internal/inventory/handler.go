package inventory

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockcount/internal/platform/httpx"
	"github.com/odyssey-erp/stockcount/internal/rbac"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

// Handler wires read-only HTTP endpoints for the ledger.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermStockCountView))
		r.Get("/quants", h.handleQuants)
		r.Get("/stock-card", h.handleStockCard)
	})
}

func (h *Handler) handleQuants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, perr := strconv.ParseInt(q.Get("product_id"), 10, 64)
	locationID, lerr := strconv.ParseInt(q.Get("location_id"), 10, 64)
	if perr != nil || lerr != nil {
		httpx.FieldProblem(w, map[string]string{"product_id": "required", "location_id": "required"})
		return
	}
	quants, err := h.service.Quants(r.Context(), productID, locationID)
	if err != nil {
		h.logger.Error("list quants", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"quants": quants, "on_hand": SumQuants(quants)})
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	errs := map[string]string{}
	var filter StockCardFilter
	var err error
	if filter.LocationID, err = strconv.ParseInt(q.Get("location_id"), 10, 64); err != nil {
		errs["location_id"] = "invalid"
	}
	if filter.ProductID, err = strconv.ParseInt(q.Get("product_id"), 10, 64); err != nil {
		errs["product_id"] = "invalid"
	}
	if from := q.Get("from"); from != "" {
		if filter.From, err = time.Parse("2006-01-02", from); err != nil {
			errs["from"] = "invalid date"
		}
	}
	if to := q.Get("to"); to != "" {
		if filter.To, err = time.Parse("2006-01-02", to); err != nil {
			errs["to"] = "invalid date"
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if filter.Limit, err = strconv.Atoi(limit); err != nil {
			errs["limit"] = "invalid"
		}
	}
	if len(errs) > 0 {
		httpx.FieldProblem(w, errs)
		return
	}
	entries, err := h.service.GetStockCard(r.Context(), filter)
	if err != nil {
		h.logger.Error("stock card", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}
