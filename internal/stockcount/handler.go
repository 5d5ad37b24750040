package stockcount

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/platform/httpx"
	"github.com/odyssey-erp/stockcount/internal/rbac"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

// Handler exposes stock counts over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler constructs the stock count handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac, validator: validator.New()}
}

// MountRoutes registers stock count routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermStockCountView))
		r.Get("/", h.handleList)
		r.Get("/{id}", h.handleGet)
		r.Get("/{id}/approvals", h.handleApprovals)
		r.Get("/{id}/audit", h.handleAudit)
		r.Get("/{id}/cost-analysis", h.handleCostAnalysis)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermStockCountScan))
		r.Post("/", h.handleCreate)
		r.Post("/{id}/scan", h.handleScan)
		r.Post("/{id}/counts", h.handleCount)
		r.Patch("/{id}/events/{eventID}", h.handleUpdateEvent)
		r.Delete("/{id}/events/{eventID}", h.handleDeleteEvent)
		r.Delete("/{id}/lines/{lineID}", h.handleDeleteLine)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermStockCountConfirm))
		r.Post("/{id}/confirm", h.handleConfirm)
		r.Post("/{id}/recompute", h.handleRecompute)
		r.Post("/{id}/refresh-stock", h.handleRefreshStock)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermStockCountApprove))
		r.Post("/{id}/approve", h.handleApprove)
		r.Put("/{id}/lines/{lineID}/lots/{lotID}", h.handleSetLot)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermStockCountPost))
		r.Post("/{id}/done", h.handleDone)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(shared.PermStockCountCancel))
		r.Post("/{id}/cancel", h.handleCancel)
		r.Post("/{id}/reset", h.handleReset)
	})
}

type createRequest struct {
	LocationID          int64      `json:"location_id" validate:"required,gt=0"`
	InventoryDate       *time.Time `json:"inventory_date"`
	ForceAccountingDate *time.Time `json:"force_accounting_date"`
	Note                string     `json:"note" validate:"max=500"`
}

type countRequest struct {
	ProductID int64           `json:"product_id" validate:"required,gt=0"`
	LotID     int64           `json:"lot_id" validate:"gte=0"`
	UnitID    int64           `json:"unit_id" validate:"gte=0"`
	Qty       decimal.Decimal `json:"qty"`
}

type qtyRequest struct {
	Qty decimal.Decimal `json:"qty"`
}

type scanRequest struct {
	Barcode string `json:"barcode" validate:"required,max=64"`
}

type confirmRequest struct {
	AllowEmpty bool `json:"allow_empty"`
}

type recomputeRequest struct {
	Override bool `json:"override"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	adj, err := h.service.Create(r.Context(), CreateInput{
		LocationID:     req.LocationID,
		UserID:         userID,
		InventoryDate:  req.InventoryDate,
		AccountingDate: req.ForceAccountingDate,
		Note:           req.Note,
	})
	if err != nil {
		h.respondError(w, "create stock count", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, adj)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	adj, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get stock count", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"adjustment":          adj,
		"disallowed_products": ParentProducts(adj.Lines),
	})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	input := ListInput{State: State(q.Get("state"))}
	for name, dst := range map[string]*int{"page": &input.Page, "per_page": &input.PerPage} {
		if raw := q.Get(name); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil {
				httpx.FieldProblem(w, map[string]string{name: "must be a number"})
				return
			}
			*dst = v
		}
	}
	if raw := q.Get("location_id"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.FieldProblem(w, map[string]string{"location_id": "must be a number"})
			return
		}
		input.LocationID = v
	}
	items, page, err := h.service.List(r.Context(), input)
	if err != nil {
		h.respondError(w, "list stock counts", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "pagination": page})
}

func (h *Handler) handleApprovals(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	logs, err := h.service.ApprovalHistory(r.Context(), id)
	if err != nil {
		h.respondError(w, "approval history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"approvals": logs})
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			httpx.FieldProblem(w, map[string]string{"limit": "must be a positive number"})
			return
		}
		limit = v
	}
	logs, err := h.service.AuditTrail(r.Context(), id, limit)
	if err != nil {
		h.respondError(w, "audit trail", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": logs})
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req scanRequest
	if !h.decode(w, r, &req) {
		return
	}
	evt, err := h.service.Scan(r.Context(), ScanInput{
		AdjustmentID:   id,
		Barcode:        req.Barcode,
		UserID:         userID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondError(w, "scan", err)
		return
	}
	httpx.JSON(w, http.StatusOK, evt)
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req countRequest
	if !h.decode(w, r, &req) {
		return
	}
	evt, err := h.service.AddCount(r.Context(), CountInput{
		AdjustmentID: id,
		ProductID:    req.ProductID,
		LotID:        req.LotID,
		UnitID:       req.UnitID,
		Qty:          req.Qty,
		UserID:       userID,
	})
	if err != nil {
		h.respondError(w, "add count", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, evt)
}

func (h *Handler) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	eventID, ok := h.pathID(w, r, "eventID")
	if !ok {
		return
	}
	var req qtyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.UpdateEvent(r.Context(), id, eventID, req.Qty); err != nil {
		h.respondError(w, "update event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	eventID, ok := h.pathID(w, r, "eventID")
	if !ok {
		return
	}
	if err := h.service.DeleteEvent(r.Context(), id, eventID); err != nil {
		h.respondError(w, "delete event", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDeleteLine(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineID")
	if !ok {
		return
	}
	if err := h.service.DeleteLine(r.Context(), id, lineID, userID); err != nil {
		h.respondError(w, "delete line", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req confirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	adj, err := h.service.Confirm(r.Context(), id, userID, req.AllowEmpty)
	if err != nil {
		h.respondError(w, "confirm", err)
		return
	}
	httpx.JSON(w, http.StatusOK, adj)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, "approve", h.service.Approve)
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req recomputeRequest
	if !h.decode(w, r, &req) {
		return
	}
	adj, err := h.service.Recompute(r.Context(), id, userID, req.Override)
	if err != nil {
		h.respondError(w, "recompute", err)
		return
	}
	httpx.JSON(w, http.StatusOK, adj)
}

func (h *Handler) handleRefreshStock(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, "refresh stock", h.service.RefreshStock)
}

func (h *Handler) handleSetLot(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	lineID, ok := h.pathID(w, r, "lineID")
	if !ok {
		return
	}
	lotID, ok := h.pathID(w, r, "lotID")
	if !ok {
		return
	}
	var req qtyRequest
	if !h.decode(w, r, &req) {
		return
	}
	adj, err := h.service.SetLotQuantity(r.Context(), LotOverrideInput{
		AdjustmentID: id,
		LineID:       lineID,
		LotID:        lotID,
		Qty:          req.Qty,
		UserID:       userID,
	})
	if err != nil {
		h.respondError(w, "set lot quantity", err)
		return
	}
	httpx.JSON(w, http.StatusOK, adj)
}

func (h *Handler) handleDone(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	result, err := h.service.Done(r.Context(), id, userID)
	if err != nil {
		h.respondError(w, "done", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, "cancel", h.service.Cancel)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.simpleTransition(w, r, "reset", h.service.Reset)
}

func (h *Handler) handleCostAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	analysis, err := h.service.CostAnalysis(r.Context(), id)
	if err != nil {
		h.respondError(w, "cost analysis", err)
		return
	}
	httpx.JSON(w, http.StatusOK, analysis)
}

func (h *Handler) simpleTransition(w http.ResponseWriter, r *http.Request, action string, fn func(ctx context.Context, id, userID int64) (Adjustment, error)) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	adj, err := fn(r.Context(), id, userID)
	if err != nil {
		h.respondError(w, action, err)
		return
	}
	httpx.JSON(w, http.StatusOK, adj)
}

func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "login required")
		return 0, false
	}
	return userID, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.FieldProblem(w, map[string]string{name: "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fieldErr := range verrs {
				fields[fieldErr.Field()] = fieldErr.Tag()
			}
			httpx.FieldProblem(w, fields)
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrBusy), errors.Is(err, ErrInvalidState), errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrPermission):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrDisallowedProduct), errors.Is(err, ErrValidation), errors.Is(err, ErrNoLotAvailable):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	default:
		h.logger.Error("stock count "+action, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
