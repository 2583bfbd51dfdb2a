package bridge

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
)

// OpaqueOrigin is the origin reported by a sandboxed frame without
// allow-same-origin.
const OpaqueOrigin = "null"

// OriginOf returns the scheme://host[:port] origin of an absolute http(s) URL.
func OriginOf(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse origin %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("origin %q: absolute http(s) URL required", raw)
	}
	return scheme + "://" + strings.ToLower(u.Host), nil
}

type originPolicy struct {
	allowed map[string]struct{}
	opaque  bool
	target  string
}

func (p originPolicy) allows(origin string) bool {
	if origin == OpaqueOrigin {
		return p.opaque
	}
	_, ok := p.allowed[origin]
	return ok
}

func (p originPolicy) origins() []string {
	out := make([]string, 0, len(p.allowed))
	for o := range p.allowed {
		out = append(out, o)
	}
	slices.Sort(out)
	return out
}

// resolveOrigins computes the allowed origin set and the target origin.
// Allowed origins come from AllowedOrigins, else from SourceURL. The target
// is TargetOrigin, else the source origin, else the single allowed origin,
// else "*" when the opaque-origin escape hatch is on. Anything else fails
// with ErrTargetOrigin, whatever the environment.
func resolveOrigins(opts Options, logger *slog.Logger) (originPolicy, error) {
	p := originPolicy{allowed: make(map[string]struct{}), opaque: opts.AllowOpaqueOrigin}

	var source string
	if opts.SourceURL != "" {
		o, err := OriginOf(opts.SourceURL)
		if err != nil {
			logger.Warn("bridge: cannot derive origin from source URL", "source_url", opts.SourceURL, "error", err)
		} else {
			source = o
		}
	}

	if len(opts.AllowedOrigins) > 0 {
		for _, raw := range opts.AllowedOrigins {
			if raw == OpaqueOrigin {
				p.opaque = true
				continue
			}
			o, err := OriginOf(raw)
			if err != nil {
				return originPolicy{}, err
			}
			p.allowed[o] = struct{}{}
		}
	} else if source != "" {
		p.allowed[source] = struct{}{}
	}

	switch t := strings.TrimSpace(opts.TargetOrigin); {
	case t == "*":
		if !p.opaque {
			return originPolicy{}, fmt.Errorf("%w: \"*\" requires the opaque-origin escape hatch", ErrTargetOrigin)
		}
		p.target = "*"
	case t != "":
		o, err := OriginOf(t)
		if err != nil {
			return originPolicy{}, fmt.Errorf("%w: %v", ErrTargetOrigin, err)
		}
		p.target = o
	case source != "":
		p.target = source
	case len(p.allowed) == 1:
		p.target = p.origins()[0]
	case p.opaque:
		p.target = "*"
	default:
		return originPolicy{}, ErrTargetOrigin
	}

	if len(p.allowed) == 0 && !p.opaque {
		logger.Warn("bridge: host accepts no origins")
	}
	return p, nil
}
