package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockcount/internal/auth"
	"github.com/odyssey-erp/stockcount/internal/observability"
	"github.com/odyssey-erp/stockcount/internal/shared"
	"github.com/odyssey-erp/stockcount/jobs"
)

type sessionStore struct{}

func (sessionStore) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return nil, shared.ErrNotFound
}

func (sessionStore) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	return nil
}

func (sessionStore) DeleteSession(ctx context.Context, id string) error { return nil }

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	sessions := shared.NewSessionManager(client, "sc", "secret", time.Hour, false)
	csrf := shared.NewCSRFManager("csrf")
	return NewRouter(RouterParams{
		Config:         &Config{AppEnv: "test"},
		SessionManager: sessions,
		CSRFManager:    csrf,
		AuthHandler:    auth.NewHandler(nil, auth.NewService(sessionStore{}), sessions, csrf),
		JobHandler:     jobs.NewHandler(nil, nil),
		Metrics:        observability.NewMetrics(),
	})
}

func TestRouterProbes(t *testing.T) {
	r := newTestRouter(t)

	res := httptest.NewRecorder()
	r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, res.Code)
	require.Empty(t, res.Result().Cookies())

	res = httptest.NewRecorder()
	r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, res.Code)
}

func TestRouterRejectsUnsafeRequestsWithoutCSRF(t *testing.T) {
	r := newTestRouter(t)

	res := httptest.NewRecorder()
	r.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	require.Equal(t, http.StatusForbidden, res.Code)
	require.Equal(t, "nosniff", res.Header().Get("X-Content-Type-Options"))
}

func TestRouterCSRFRoundTrip(t *testing.T) {
	r := newTestRouter(t)

	res := httptest.NewRecorder()
	r.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/auth/csrf", nil))
	require.Equal(t, http.StatusOK, res.Code)
	cookies := res.Result().Cookies()
	require.NotEmpty(t, cookies)
	var body struct {
		Token string `json:"csrf_token"`
	}
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	token := body.Token

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set(shared.CSRFHeader, token)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	res = httptest.NewRecorder()
	r.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)
}
