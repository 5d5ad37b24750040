package masterdata

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockcount/internal/platform/httpx"
	"github.com/odyssey-erp/stockcount/internal/rbac"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

// Handler exposes read-only catalog lookups for scanner clients.
type Handler struct {
	logger    *slog.Logger
	catalog   *Catalog
	locations *Locations
	rbac      rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, catalog *Catalog, locations *Locations, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, catalog: catalog, locations: locations, rbac: rbac}
}

// MountRoutes registers master data routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermMasterView, shared.PermStockCountScan))
		r.Get("/products/barcode/{barcode}", h.productByBarcode)
		r.Get("/products/{id}", h.showProduct)
		r.Get("/locations/{id}", h.showLocation)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermMasterEdit))
		r.Post("/cache/invalidate", h.invalidateCache)
	})
}

func (h *Handler) productByBarcode(w http.ResponseWriter, r *http.Request) {
	product, err := h.catalog.ResolveBarcode(r.Context(), chi.URLParam(r, "barcode"))
	if err != nil {
		h.fail(w, "resolve barcode", err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) showProduct(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	product, err := h.catalog.Product(r.Context(), id)
	if err != nil {
		h.fail(w, "load product", err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) showLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	loc, err := h.locations.Location(r.Context(), id)
	if err != nil {
		h.fail(w, "load location", err)
		return
	}
	httpx.JSON(w, http.StatusOK, loc)
}

func (h *Handler) invalidateCache(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.Invalidate(r.Context()); err != nil {
		h.fail(w, "invalidate catalog cache", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	h.logger.Error(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.FieldProblem(w, map[string]string{"id": "invalid id"})
		return 0, false
	}
	return id, true
}
