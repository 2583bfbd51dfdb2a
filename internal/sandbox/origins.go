package sandbox

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultDevOrigins are accepted outside production when no dev origins
// are configured.
var DefaultDevOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}

// OriginAllowlist decides which Origin headers may reach the gateway: the
// app origin always, and glob patterns for local development origins
// outside production.
type OriginAllowlist struct {
	exact    []string
	patterns []string
}

// NewOriginAllowlist builds an allowlist from the app base URL and the dev
// origin patterns. Patterns are ignored in production.
func NewOriginAllowlist(appURL string, devPatterns []string, production bool) (*OriginAllowlist, error) {
	a := &OriginAllowlist{}
	if appURL != "" {
		origin, err := originOf(appURL)
		if err != nil {
			return nil, fmt.Errorf("app url: %w", err)
		}
		a.exact = append(a.exact, origin)
	}
	if production {
		return a, nil
	}
	for _, p := range devPatterns {
		p = normalizeOrigin(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid dev origin pattern %q", p)
		}
		a.patterns = append(a.patterns, p)
	}
	return a, nil
}

// Allows reports whether origin is accepted. An empty origin never is.
func (a *OriginAllowlist) Allows(origin string) bool {
	origin = normalizeOrigin(origin)
	if origin == "" || origin == "null" {
		return false
	}
	if slices.Contains(a.exact, origin) {
		return true
	}
	for _, p := range a.patterns {
		if ok, _ := doublestar.Match(p, origin); ok {
			return true
		}
	}
	return false
}

// Origins returns the exact origins followed by the patterns.
func (a *OriginAllowlist) Origins() []string {
	return append(slices.Clone(a.exact), a.patterns...)
}

// HostPatterns returns the allowlist as host patterns ("app.example.com",
// "localhost:*") for WebSocket origin checks.
func (a *OriginAllowlist) HostPatterns() []string {
	var out []string
	for _, o := range a.Origins() {
		_, host, ok := strings.Cut(o, "://")
		if !ok {
			continue
		}
		out = append(out, host)
	}
	return out
}

func normalizeOrigin(s string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(s)), "/")
}

func originOf(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%q is not an absolute http(s) url", raw)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}
