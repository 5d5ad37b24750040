package rbac

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockcount/internal/platform/httpx"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

// Directory lists permissions for the JSON API.
type Directory interface {
	PermissionSource
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// PermissionsHandler manages permission listing.
type PermissionsHandler struct {
	logger  *slog.Logger
	service Directory
	rbac    Middleware
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, service Directory, rbac Middleware) *PermissionsHandler {
	return &PermissionsHandler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Get("/me", h.myPermissions)
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(shared.PermPermissionsView))
		r.Get("/", h.listPermissions)
	})
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.logger.Error("list permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *PermissionsHandler) myPermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	granted, err := h.service.EffectivePermissions(r.Context(), userID)
	if err != nil {
		h.logger.Error("effective permissions", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if granted == nil {
		granted = []string{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "permissions": granted})
}
