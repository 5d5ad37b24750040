package stockcount

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockcount/internal/rbac"
	"github.com/odyssey-erp/stockcount/internal/shared"
)

type permissionTable map[int64][]string

func (p permissionTable) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	return p[userID], nil
}

func newTestRouter(t *testing.T, f *fixture) http.Handler {
	t.Helper()
	perms := permissionTable{
		counter: {shared.PermStockCountView, shared.PermStockCountScan, shared.PermStockCountConfirm},
		approver: shared.StockCountScopes(),
	}
	f.svc.authz = rbac.Checker{Source: perms}
	h := NewHandler(nil, f.svc, rbac.Middleware{Service: perms})
	r := chi.NewRouter()
	r.Route("/api/stock-counts", h.MountRoutes)
	return r
}

func call(t *testing.T, router http.Handler, method, path string, user int64, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if user != 0 {
		sess := &shared.Session{}
		sess.SetUser(fmt.Sprint(user))
		req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	}
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	return res
}

func TestHandlerCountLifecycle(t *testing.T) {
	f := newFixture(t)
	f.repo.seedQuant(widgetID, locationID, 1, "10", base)
	router := newTestRouter(t, f)

	res := call(t, router, http.MethodPost, "/api/stock-counts/", counter, `{"location_id": 10, "note": "cycle count"}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var adj Adjustment
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &adj))
	require.Equal(t, StateDraft, adj.State)
	path := fmt.Sprintf("/api/stock-counts/%d", adj.ID)

	for i := 0; i < 3; i++ {
		res = call(t, router, http.MethodPost, path+"/scan", counter, `{"barcode": "1001"}`)
		require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	}
	res = call(t, router, http.MethodPost, path+"/counts", counter, `{"product_id": 1, "qty": "9"}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = call(t, router, http.MethodGet, path, counter, "")
	require.Equal(t, http.StatusOK, res.Code)
	var view struct {
		Adjustment Adjustment `json:"adjustment"`
		Disallowed []int64    `json:"disallowed_products"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &view))
	require.Len(t, view.Adjustment.Lines, 1)
	require.True(t, view.Adjustment.Lines[0].Counted.Equal(dec("12")))

	res = call(t, router, http.MethodPost, path+"/confirm", counter, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = call(t, router, http.MethodPost, path+"/approve", counter, "")
	require.Equal(t, http.StatusForbidden, res.Code)
	res = call(t, router, http.MethodPost, path+"/approve", approver, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = call(t, router, http.MethodGet, path+"/cost-analysis", counter, "")
	require.Equal(t, http.StatusOK, res.Code)

	res = call(t, router, http.MethodGet, path+"/approvals", counter, "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"APPROVE"`)

	res = call(t, router, http.MethodGet, path+"/audit", counter, "")
	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "stockcount:approve")
	res = call(t, router, http.MethodGet, path+"/audit?limit=0", counter, "")
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = call(t, router, http.MethodGet, "/api/stock-counts/?state=approved&per_page=5", counter, "")
	require.Equal(t, http.StatusOK, res.Code)
	var list struct {
		Items      []Adjustment `json:"items"`
		Pagination struct {
			Total   int `json:"total"`
			PerPage int `json:"per_page"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	require.Equal(t, 1, list.Pagination.Total)
	require.Equal(t, 5, list.Pagination.PerPage)

	res = call(t, router, http.MethodGet, "/api/stock-counts/?page=x", counter, "")
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = call(t, router, http.MethodPost, path+"/done", approver, "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var done DoneResult
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &done))
	require.Equal(t, StateDone, done.Adjustment.State)
	require.Len(t, done.Moves, 1)
	require.Equal(t, "12", f.repo.quantQty(widgetID, locationID, 1).String())

	res = call(t, router, http.MethodPost, path+"/cancel", approver, "")
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
}

func TestHandlerErrors(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	adj := f.create(t)
	path := fmt.Sprintf("/api/stock-counts/%d", adj.ID)

	res := call(t, router, http.MethodPost, path+"/scan", 0, `{"barcode": "1001"}`)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = call(t, router, http.MethodPost, path+"/scan", counter, `{}`)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Contains(t, res.Body.String(), "Barcode")

	res = call(t, router, http.MethodPost, path+"/scan", counter, `{"barcode": "1001", "extra": true}`)
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = call(t, router, http.MethodPost, path+"/scan", counter, `{"barcode": "0000"}`)
	require.Equal(t, http.StatusNotFound, res.Code)

	res = call(t, router, http.MethodGet, "/api/stock-counts/abc", counter, "")
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = call(t, router, http.MethodGet, "/api/stock-counts/404", counter, "")
	require.Equal(t, http.StatusNotFound, res.Code)

	res = call(t, router, http.MethodPost, "/api/stock-counts/", counter, `{"location_id": 10}`)
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)

	res = call(t, router, http.MethodPost, path+"/confirm", counter, "")
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)

	res = call(t, router, http.MethodPost, path+"/reset", approver, "")
	require.Equal(t, http.StatusConflict, res.Code)

	res = call(t, router, http.MethodPost, path+"/scan", counter, `{"barcode": "1001"}`)
	require.Equal(t, http.StatusOK, res.Code)
	res = call(t, router, http.MethodPost, path+"/scan", counter, `{"barcode": "1001"}`)
	require.Equal(t, http.StatusOK, res.Code)
}
