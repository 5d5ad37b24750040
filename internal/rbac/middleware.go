package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/stockcount/internal/platform/httpx"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Service PermissionSource
	Logger  *slog.Logger
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require("rbac require any", normalizePermissions(perms), hasAnyPermission)
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require("rbac require all", normalizePermissions(perms), hasAllPermissions)
}

func (m Middleware) require(op string, required []string, match func(granted, required []string) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := shared.UserIDFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
				return
			}
			granted, err := m.Service.EffectivePermissions(r.Context(), userID)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error(op, slog.Int64("user_id", userID), slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if !match(granted, required) {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission: "+strings.Join(required, ", "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

func permissionSet(granted []string) map[string]struct{} {
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	return set
}

func hasAnyPermission(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := permissionSet(granted)
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func hasAllPermissions(granted []string, required []string) bool {
	set := permissionSet(granted)
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
