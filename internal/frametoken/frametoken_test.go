package frametoken

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestNewSigner_ShortSecret(t *testing.T) {
	if _, err := NewSigner([]byte("short")); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestMintVerify(t *testing.T) {
	s, err := NewSigner(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := s.Mint("com.example", "u1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(tok, "com.example", "u1"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerify_Failures(t *testing.T) {
	s, _ := NewSigner(testSecret)
	tok, _ := s.Mint("com.example", "u1", time.Minute)

	other, _ := NewSigner([]byte("ffffffffffffffffffffffffffffffff"))
	foreign, _ := other.Mint("com.example", "u1", time.Minute)

	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("expected a three-part token, got %q", tok)
	}
	retargeted, _ := s.Mint("org.other", "u1", time.Minute)
	forgedPayload := parts[0] + "." + strings.Split(retargeted, ".")[1] + "." + parts[2]

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"pid": "com.example",
		"sub": "u1",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		token    string
		pluginID string
		userID   string
		want     error
	}{
		{"not a token", "abc", "com.example", "u1", ErrMalformed},
		{"missing signature segment", parts[0] + "." + parts[1], "com.example", "u1", ErrMalformed},
		{"empty signature", parts[0] + "." + parts[1] + ".", "com.example", "u1", ErrSignature},
		{"foreign secret", foreign, "com.example", "u1", ErrSignature},
		{"tampered payload", forgedPayload, "org.other", "u1", ErrSignature},
		{"alg none", unsigned, "com.example", "u1", ErrSignature},
		{"other plugin", tok, "org.other", "u1", ErrPlugin},
		{"other user", tok, "com.example", "u2", ErrPlugin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Verify(tt.token, tt.pluginID, tt.userID); !errors.Is(err, tt.want) {
				t.Errorf("Verify = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestVerify_ExpiryRequired(t *testing.T) {
	s, _ := NewSigner(testSecret)
	forever, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"pid": "com.example",
	}).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(forever, "com.example", "u1"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected a token without exp to be rejected, got %v", err)
	}
}

func TestMint_Claims(t *testing.T) {
	s, _ := NewSigner(testSecret)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	tok, _ := s.Mint("com.example", "u1", 0)

	var c claims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &c); err != nil {
		t.Fatal(err)
	}
	if c.PluginID != "com.example" || c.Subject != "u1" {
		t.Errorf("unexpected claims %+v", c)
	}
	if !c.ExpiresAt.Time.Equal(now.Add(DefaultTTL)) {
		t.Errorf("expires at %v, want %v", c.ExpiresAt.Time, now.Add(DefaultTTL))
	}
}

func TestVerify_Expired(t *testing.T) {
	s, _ := NewSigner(testSecret)
	now := time.Now()
	s.now = func() time.Time { return now }
	tok, _ := s.Mint("com.example", "", time.Second)

	s.now = func() time.Time { return now.Add(2 * time.Second) }
	if err := s.Verify(tok, "com.example", "u1"); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestVerify_AnyUser(t *testing.T) {
	s, _ := NewSigner(testSecret)
	tok, _ := s.Mint("com.example", "", 0)
	if err := s.Verify(tok, "com.example", "anyone"); err != nil {
		t.Errorf("token without user should match any user: %v", err)
	}
}
