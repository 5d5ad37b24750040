package masterdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockcount/internal/rbac"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

type grants map[int64][]string

func (g grants) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	return g[userID], nil
}

type locationMap map[int64]Location

func (m locationMap) Location(ctx context.Context, id int64) (Location, error) {
	loc, ok := m[id]
	if !ok {
		return Location{}, ErrNotFound
	}
	return loc, nil
}

func get(t *testing.T, r http.Handler, method, path, user string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	sess := &shared.Session{}
	sess.SetUser(user)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	res := httptest.NewRecorder()
	r.ServeHTTP(res, req)
	return res
}

func TestHandlerLookups(t *testing.T) {
	repo := &countingProducts{products: map[string]Product{"1001": {ID: 1, Code: "WID", Name: "Widget", Barcode: "1001"}}}
	perms := grants{1: {shared.PermStockCountScan}, 2: {shared.PermMasterEdit}}
	h := NewHandler(nil, newTestCatalog(t, repo), NewLocations(locationMap{10: {ID: 10, Name: "WH/Stock", Usage: UsageInternal}}), rbac.Middleware{Service: perms})
	r := chi.NewRouter()
	r.Route("/masterdata", h.MountRoutes)

	res := get(t, r, http.MethodGet, "/masterdata/products/barcode/1001", "1")
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "Widget")

	res = get(t, r, http.MethodGet, "/masterdata/products/barcode/9999", "1")
	require.Equal(t, http.StatusNotFound, res.Code)

	res = get(t, r, http.MethodGet, "/masterdata/products/1", "1")
	require.Equal(t, http.StatusOK, res.Code)

	res = get(t, r, http.MethodGet, "/masterdata/products/x", "1")
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = get(t, r, http.MethodGet, "/masterdata/locations/10", "1")
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "WH/Stock")

	res = get(t, r, http.MethodGet, "/masterdata/locations/11", "1")
	require.Equal(t, http.StatusNotFound, res.Code)

	res = get(t, r, http.MethodPost, "/masterdata/cache/invalidate", "1")
	require.Equal(t, http.StatusForbidden, res.Code)
	res = get(t, r, http.MethodPost, "/masterdata/cache/invalidate", "2")
	require.Equal(t, http.StatusNoContent, res.Code)
}
