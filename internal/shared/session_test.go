package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newSessionManager(t *testing.T) (*SessionManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionManager(client, "sc", "secret", time.Hour, false), mr
}

func roundTrip(t *testing.T, sm *SessionManager, cookies []*http.Cookie, fn func(*Session)) (*Session, []*http.Cookie) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	sess, err := sm.Load(context.Background(), req)
	require.NoError(t, err)
	fn(sess)
	res := httptest.NewRecorder()
	require.NoError(t, sm.Commit(context.Background(), res, req, sess))
	return sess, res.Result().Cookies()
}

func TestSessionPersistsUser(t *testing.T) {
	sm, mr := newSessionManager(t)

	first, cookies := roundTrip(t, sm, nil, func(s *Session) { s.SetUser("42") })
	require.True(t, mr.Exists("session:"+first.ID))
	require.Equal(t, "sc", cookies[0].Name)

	second, _ := roundTrip(t, sm, cookies, func(s *Session) {})
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "42", second.User())
}

func TestSessionRenewDropsOldID(t *testing.T) {
	sm, mr := newSessionManager(t)
	first, cookies := roundTrip(t, sm, nil, func(s *Session) { s.Set(CSRFSessionKey, "tok") })

	renewed, cookies := roundTrip(t, sm, cookies, func(s *Session) {
		sm.Renew(s)
		s.SetUser("7")
	})
	require.NotEqual(t, first.ID, renewed.ID)
	require.False(t, mr.Exists("session:"+first.ID))
	require.Equal(t, renewed.ID, cookies[0].Value)

	loaded, _ := roundTrip(t, sm, cookies, func(s *Session) {})
	require.Equal(t, "7", loaded.User())
	require.Equal(t, "tok", loaded.Get(CSRFSessionKey))
}

func TestSessionUnknownCookieStartsFresh(t *testing.T) {
	sm, _ := newSessionManager(t)
	sess, _ := roundTrip(t, sm, []*http.Cookie{{Name: "sc", Value: "forged"}}, func(s *Session) {})
	require.NotEqual(t, "forged", sess.ID)
	require.Empty(t, sess.User())
}

func TestSessionDestroy(t *testing.T) {
	sm, mr := newSessionManager(t)
	first, cookies := roundTrip(t, sm, nil, func(s *Session) { s.SetUser("1") })

	_, cleared := roundTrip(t, sm, cookies, func(s *Session) { sm.Destroy(s) })
	require.False(t, mr.Exists("session:"+first.ID))
	require.Equal(t, -1, cleared[0].MaxAge)
}

func TestCSRFToken(t *testing.T) {
	m := NewCSRFManager("k")
	sess := &Session{ID: "abc"}
	token, err := m.EnsureToken(context.Background(), sess)
	require.NoError(t, err)
	again, err := m.EnsureToken(context.Background(), sess)
	require.NoError(t, err)
	require.Equal(t, token, again)

	require.NoError(t, m.VerifyToken(context.Background(), sess, token))
	require.ErrorIs(t, m.VerifyToken(context.Background(), sess, "other"), ErrCSRFTokenMismatch)
	require.ErrorIs(t, m.VerifyToken(context.Background(), sess, ""), ErrCSRFTokenMissing)
	require.ErrorIs(t, m.VerifyToken(context.Background(), nil, token), ErrCSRFTokenMissing)

	rotated, err := m.Rotate(sess)
	require.NoError(t, err)
	require.NotEqual(t, token, rotated)
	require.ErrorIs(t, m.VerifyToken(context.Background(), sess, token), ErrCSRFTokenMismatch)
	require.NoError(t, m.VerifyToken(context.Background(), sess, rotated))
}

func TestCSRFTokenIsBoundToSessionID(t *testing.T) {
	m := NewCSRFManager("k")
	sess := &Session{ID: "abc"}
	token, err := m.EnsureToken(context.Background(), sess)
	require.NoError(t, err)

	sess.ID = "def"
	require.ErrorIs(t, m.VerifyToken(context.Background(), sess, token), ErrCSRFTokenMismatch)
	fresh, err := m.EnsureToken(context.Background(), sess)
	require.NoError(t, err)
	require.NotEqual(t, token, fresh)
	require.NoError(t, m.VerifyToken(context.Background(), sess, fresh))

	forged := &Session{ID: "def"}
	forged.Set(CSRFSessionKey, "nonce.bogus")
	require.ErrorIs(t, m.VerifyToken(context.Background(), forged, "nonce.bogus"), ErrCSRFTokenMismatch)
}
