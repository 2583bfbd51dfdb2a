package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDotenv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// unsetForTest clears keys and restores them when the test ends.
func unsetForTest(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDotenv(t *testing.T) {
	path := writeDotenv(t, `# Rate limiter
SANDBOX_RATE_LIMIT_URL=redis://localhost:6379
export SANDBOX_RATE_LIMIT=60

# Quoted values
FRAME_SECRET="ENC[age:YWJj]"
SINGLE='single # quoted'
ESCAPED="say \"hi\" \\o/"

SPACED_KEY = spaced_value
=orphan
not a pair
`)
	unsetForTest(t, "SANDBOX_RATE_LIMIT_URL", "SANDBOX_RATE_LIMIT", "FRAME_SECRET", "SINGLE", "ESCAPED", "SPACED_KEY")

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		key, want string
	}{
		{"SANDBOX_RATE_LIMIT_URL", "redis://localhost:6379"},
		{"SANDBOX_RATE_LIMIT", "60"},
		{"FRAME_SECRET", "ENC[age:YWJj]"},
		{"SINGLE", "single # quoted"},
		{"ESCAPED", `say "hi" \o/`},
		{"SPACED_KEY", "spaced_value"},
	}
	for _, tt := range tests {
		if got := os.Getenv(tt.key); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestLoadDotenvNoOverride(t *testing.T) {
	path := writeDotenv(t, `NEWGATE_ENV=production`)
	t.Setenv("NEWGATE_ENV", "development")

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("NEWGATE_ENV"); got != "development" {
		t.Errorf("expected existing var to be preserved, got %q", got)
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("missing file should be silently ignored, got: %v", err)
	}
}
