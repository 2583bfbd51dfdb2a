// Package auth resolves the calling user from the session cookie.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dohr-michael/newgate/internal/store"
)

// CookieName is the session cookie read from incoming requests.
const CookieName = "newgate_session"

// DefaultTTL is the lifetime of an issued session.
const DefaultTTL = 7 * 24 * time.Hour

// ErrNoSession is returned when a request carries no usable session.
var ErrNoSession = errors.New("no session")

// SessionStore is the subset of the store the authenticator needs.
type SessionStore interface {
	CreateSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupSession(ctx context.Context, tokenHash string) (*store.Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
}

// Authenticator issues and resolves opaque session tokens. Only the
// SHA-256 hash of a token is persisted.
type Authenticator struct {
	sessions SessionStore
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an Authenticator. A zero ttl uses DefaultTTL.
func New(sessions SessionStore, ttl time.Duration, logger *slog.Logger) *Authenticator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{sessions: sessions, ttl: ttl, now: time.Now, logger: logger}
}

// HashToken returns the hex SHA-256 digest under which a token is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue creates a session for userID and returns the raw token.
func (a *Authenticator) Issue(ctx context.Context, userID string) (string, time.Time, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	expires := a.now().Add(a.ttl)
	if err := a.sessions.CreateSession(ctx, HashToken(token), userID, expires); err != nil {
		return "", time.Time{}, fmt.Errorf("create session: %w", err)
	}
	return token, expires, nil
}

// Resolve returns the user id bound to token.
func (a *Authenticator) Resolve(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrNoSession
	}
	sess, err := a.sessions.LookupSession(ctx, HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNoSession
	}
	if err != nil {
		return "", err
	}
	return sess.UserID, nil
}

// Authenticate resolves the user of r from its session cookie. A missing,
// unknown or expired session yields ErrNoSession; other errors come from
// the session store.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return "", ErrNoSession
	}
	userID, err := a.Resolve(r.Context(), c.Value)
	if err != nil && !errors.Is(err, ErrNoSession) {
		a.logger.Error("session lookup failed", "error", err)
	}
	return userID, err
}

// Revoke deletes the session for token.
func (a *Authenticator) Revoke(ctx context.Context, token string) error {
	err := a.sessions.DeleteSession(ctx, HashToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoSession
	}
	return err
}

// Cookie builds the session cookie for token.
func Cookie(token string, expires time.Time, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
