// Package ratelimit implements the sandbox sliding-window limiter keyed by
// user and plugin.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultLimit  = 120
	DefaultWindow = 60 * time.Second
	DefaultPrefix = "ratelimit:sandbox"
)

// Header names emitted by Headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// ErrPartialConfig is returned when only one of URL and Token is set.
var ErrPartialConfig = errors.New("rate limit url and token must be configured together")

// Config describes the quota and the counter store.
type Config struct {
	URL        string
	Token      string
	Limit      int
	Window     time.Duration
	Prefix     string
	Production bool
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	return c
}

// Snapshot is the quota state after one consume.
type Snapshot struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"` // epoch milliseconds
	Allowed   bool  `json:"allowed"`
}

// Store atomically records one hit for key and reports the window state.
type Store interface {
	Consume(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Snapshot, error)
}

// Limiter consumes quota units. A Limiter without a store is disabled and
// permits everything.
type Limiter struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// New builds a limiter over store. A nil store yields a disabled limiter.
func New(store Store, cfg Config) *Limiter {
	return &Limiter{store: store, cfg: cfg.withDefaults(), now: time.Now}
}

// Open builds a limiter from cfg. Missing credentials disable limiting;
// the condition is logged as a warning, or as an error in production.
func Open(cfg Config, logger *slog.Logger) (*Limiter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hasURL, hasToken := cfg.URL != "", cfg.Token != ""
	if hasURL != hasToken {
		return nil, ErrPartialConfig
	}
	if !hasURL {
		msg := "rate limit counter store not configured, sandbox rate limiting disabled"
		if cfg.Production {
			logger.Error(msg)
		} else {
			logger.Warn(msg)
		}
		return New(nil, cfg), nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse rate limit url: %w", err)
	}
	opts.Password = cfg.Token
	client := redis.NewClient(opts)

	cfg = cfg.withDefaults()
	logger.Info("sandbox rate limiting enabled", "addr", opts.Addr, "limit", cfg.Limit, "window", cfg.Window)
	return New(NewRedisStore(client, cfg.Prefix), cfg), nil
}

// Enabled reports whether a counter store backs the limiter.
func (l *Limiter) Enabled() bool { return l != nil && l.store != nil }

// Config returns the effective configuration.
func (l *Limiter) Config() Config { return l.cfg }

// Consume records one request for identifier. It returns nil, nil when the
// limiter is disabled.
func (l *Limiter) Consume(ctx context.Context, identifier string) (*Snapshot, error) {
	if !l.Enabled() {
		return nil, nil
	}
	snap, err := l.store.Consume(ctx, identifier, l.cfg.Limit, l.cfg.Window, l.now())
	if err != nil {
		return nil, fmt.Errorf("consume rate limit: %w", err)
	}
	return &snap, nil
}

// Close releases the counter store connection, if any.
func (l *Limiter) Close() error {
	if c, ok := l.store.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Key scopes a window to one user and one plugin.
func Key(userID, pluginID string) string {
	return userID + ":" + pluginID
}

// Headers projects snap onto response headers. Retry-After is only set
// when the request was rejected.
func Headers(snap *Snapshot, now time.Time) map[string]string {
	if snap == nil {
		return map[string]string{}
	}
	h := map[string]string{
		HeaderLimit:     strconv.Itoa(snap.Limit),
		HeaderRemaining: strconv.Itoa(snap.Remaining),
		HeaderReset:     strconv.FormatInt(snap.Reset, 10),
	}
	if !snap.Allowed {
		wait := float64(snap.Reset-now.UnixMilli()) / 1000
		h[HeaderRetryAfter] = strconv.Itoa(int(math.Max(0, math.Ceil(wait))))
	}
	return h
}

var windowUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
}

// ParseWindow parses "60 s" style windows as well as Go durations.
func ParseWindow(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty window")
	}
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 {
		if unit, ok := windowUnits[strings.TrimSpace(s[i:])]; ok {
			n, err := strconv.Atoi(s[:i])
			if err != nil {
				return 0, fmt.Errorf("parse window %q: %w", s, err)
			}
			if n <= 0 {
				return 0, fmt.Errorf("window %q must be positive", s)
			}
			return time.Duration(n) * unit, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse window %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window %q must be positive", s)
	}
	return d, nil
}
