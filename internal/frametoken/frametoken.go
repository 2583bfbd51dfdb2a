// Package frametoken signs short-lived tokens that bind a sandboxed frame to
// one plugin. A frame whose origin is opaque ("null") can only present the
// token it was mounted with, so the opaque-origin relaxation is scoped to a
// single plugin and a bounded lifetime.
//
// Tokens are HS256 JWTs: the plugin id in "pid", the user in "sub".
package frametoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is the lifetime of a token minted without an explicit TTL.
const DefaultTTL = 15 * time.Minute

var (
	ErrMalformed = errors.New("frame token malformed")
	ErrSignature = errors.New("frame token signature mismatch")
	ErrExpired   = errors.New("frame token expired")
	ErrPlugin    = errors.New("frame token issued for another plugin")
)

type claims struct {
	PluginID string `json:"pid"`
	jwt.RegisteredClaims
}

// Signer mints and verifies frame tokens with a shared secret.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner returns a Signer for secret. The secret must be at least 32
// bytes.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("frame token secret must be at least 32 bytes, got %d", len(secret))
	}
	return &Signer{secret: append([]byte(nil), secret...), now: time.Now}, nil
}

// Mint returns a token for pluginID and userID valid for ttl.
func (s *Signer) Mint(pluginID, userID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		PluginID: pluginID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign frame token: %w", err)
	}
	return signed, nil
}

// Verify checks token against pluginID and userID. A token without a
// subject matches any user.
func (s *Signer) Verify(token, pluginID, userID string) error {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if c.PluginID != pluginID || (c.Subject != "" && c.Subject != userID) {
		return ErrPlugin
	}
	return nil
}
