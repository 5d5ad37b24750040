package shared

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

const (
	// CSRFSessionKey is the key used to persist tokens in the session store.
	CSRFSessionKey = "csrf_token"
	// CSRFHeader is the request header carrying the CSRF token.
	CSRFHeader = "X-CSRF-Token"
)

// CSRFManager issues and verifies CSRF tokens bound to a session. A token is
// "<nonce>.<mac>" where mac signs the session id and nonce.
type CSRFManager struct {
	secret []byte
}

// NewCSRFManager returns a CSRFManager using the provided secret key.
func NewCSRFManager(secret string) *CSRFManager {
	return &CSRFManager{secret: []byte(secret)}
}

// EnsureToken returns the session token, issuing one when the session has none
// or holds a token signed for another session id.
func (m *CSRFManager) EnsureToken(ctx context.Context, sess *Session) (string, error) {
	if sess == nil {
		return "", errors.New("session missing")
	}
	if token := sess.Get(CSRFSessionKey); token != "" && m.signedFor(sess.ID, token) {
		return token, nil
	}
	return m.Rotate(sess)
}

// Rotate replaces the session token. Call it whenever the session id changes.
func (m *CSRFManager) Rotate(sess *Session) (string, error) {
	if sess == nil {
		return "", errors.New("session missing")
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(nonce)
	token := encoded + "." + m.sign(sess.ID, encoded)
	sess.Set(CSRFSessionKey, token)
	return token, nil
}

// VerifyToken compares the supplied token with the session token.
func (m *CSRFManager) VerifyToken(ctx context.Context, sess *Session, token string) error {
	if sess == nil || token == "" {
		return ErrCSRFTokenMissing
	}
	expected := sess.Get(CSRFSessionKey)
	if expected == "" {
		return ErrCSRFTokenMissing
	}
	if !hmac.Equal([]byte(expected), []byte(token)) || !m.signedFor(sess.ID, token) {
		return ErrCSRFTokenMismatch
	}
	return nil
}

func (m *CSRFManager) signedFor(sessionID, token string) bool {
	nonce, mac, ok := strings.Cut(token, ".")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(mac), []byte(m.sign(sessionID, nonce)))
}

func (m *CSRFManager) sign(sessionID, nonce string) string {
	mac := hmac.New(sha256.New, m.secret)
	_, _ = mac.Write([]byte(sessionID))
	_, _ = mac.Write([]byte{'|'})
	_, _ = mac.Write([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
