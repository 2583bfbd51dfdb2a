package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"

	"github.com/dohr-michael/newgate/internal/config"
)

func newBox(t *testing.T) *Box {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return NewBox(id)
}

func TestKeyPath(t *testing.T) {
	t.Setenv("NEWGATE_PATH", "/tmp/newgate-keys")
	if got := KeyPath(); got != "/tmp/newgate-keys/.age-key" {
		t.Errorf("KeyPath() = %q", got)
	}
}

func TestGenerateIdentity_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".age-key")

	if err := GenerateIdentity(path); err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	if !strings.HasPrefix(string(data), "# created by newgate") {
		t.Errorf("unexpected header:\n%s", data)
	}
}

func TestGenerateIdentity_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".age-key")

	if err := GenerateIdentity(path); err != nil {
		t.Fatalf("first call: %v", err)
	}
	data1, _ := os.ReadFile(path)
	if err := GenerateIdentity(path); err != nil {
		t.Fatalf("second call: %v", err)
	}
	data2, _ := os.ReadFile(path)

	if string(data1) != string(data2) {
		t.Error("idempotency broken: file changed on second call")
	}
}

func TestOpenBox(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".age-key")

	if _, err := OpenBox(path, false); err == nil {
		t.Fatal("expected error for missing key without create")
	}
	box, err := OpenBox(path, true)
	if err != nil {
		t.Fatalf("OpenBox: %v", err)
	}
	if !strings.HasPrefix(box.Recipient(), "age1") {
		t.Errorf("unexpected recipient %q", box.Recipient())
	}

	sealed, err := box.Seal("rate-limit-token")
	if err != nil {
		t.Fatal(err)
	}
	again, err := OpenBox(path, false)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := again.Open(sealed)
	if err != nil {
		t.Fatalf("reopened box cannot open: %v", err)
	}
	if plain != "rate-limit-token" {
		t.Errorf("plain = %q", plain)
	}
}

func TestSealOpen(t *testing.T) {
	box := newBox(t)
	for _, plaintext := range []string{"frame-secret-0123456789abcdef0123456789", ""} {
		sealed, err := box.Seal(plaintext)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		if !IsEncrypted(sealed) {
			t.Errorf("IsEncrypted(%q) = false", sealed)
		}
		got, err := box.Open(sealed)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if got != plaintext {
			t.Errorf("Open = %q, want %q", got, plaintext)
		}
	}
}

func TestOpen_WrongIdentity(t *testing.T) {
	sealed, err := newBox(t).Seal("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := newBox(t).Open(sealed); err == nil {
		t.Error("expected error opening with another identity")
	}
}

func TestOpen_RejectsPlaintext(t *testing.T) {
	if _, err := newBox(t).Open("not-encrypted"); err == nil {
		t.Error("expected error for non-encrypted input")
	}
}

func TestReveal(t *testing.T) {
	box := newBox(t)
	if got, err := box.Reveal("plain"); err != nil || got != "plain" {
		t.Errorf("Reveal(plain) = %q, %v", got, err)
	}

	var none *Box
	if got, err := none.Reveal("plain"); err != nil || got != "plain" {
		t.Errorf("nil Reveal(plain) = %q, %v", got, err)
	}
	sealed, _ := box.Seal("x")
	if _, err := none.Reveal(sealed); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("expected ErrNoIdentity, got %v", err)
	}
}

func TestIsEncrypted(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"ENC[age:abc123]", true},
		{"ENC[age:]", true},
		{"plaintext", false},
		{"ENC[age:abc123", false},
		{"age:abc123]", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsEncrypted(tt.input); got != tt.want {
			t.Errorf("IsEncrypted(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestResolveConfig(t *testing.T) {
	box := newBox(t)
	token, _ := box.Seal("redis-token")
	secret, _ := box.Seal("frame-secret")

	cfg := &config.Config{}
	cfg.RateLimit.URL = "redis://cache:6379"
	cfg.RateLimit.Token = token
	cfg.Bridge.FrameTokenSecret = secret

	if !HasSealed(cfg) {
		t.Fatal("HasSealed = false")
	}
	if err := ResolveConfig(cfg, box); err != nil {
		t.Fatal(err)
	}
	if cfg.RateLimit.URL != "redis://cache:6379" || cfg.RateLimit.Token != "redis-token" {
		t.Errorf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Bridge.FrameTokenSecret != "frame-secret" {
		t.Errorf("secret = %q", cfg.Bridge.FrameTokenSecret)
	}
	if HasSealed(cfg) {
		t.Error("values still sealed after resolve")
	}
}

func TestResolveConfig_NoIdentity(t *testing.T) {
	sealed, _ := newBox(t).Seal("x")
	cfg := &config.Config{}
	cfg.RateLimit.Token = sealed

	err := ResolveConfig(cfg, nil)
	if !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
	if !strings.Contains(err.Error(), "rate_limit.token") {
		t.Errorf("error should name the field: %v", err)
	}
}
