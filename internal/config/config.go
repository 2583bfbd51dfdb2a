package config

import (
	"log/slog"
	"time"
)

// Runtime environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// Config is the root configuration for Newgate.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	App       AppConfig       `json:"app"`
	Runtime   RuntimeConfig   `json:"runtime"`
	Logging   LoggingConfig   `json:"logging"`
	Store     StoreConfig     `json:"store"`
	Auth      AuthConfig      `json:"auth"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Bridge    BridgeConfig    `json:"bridge"`
	Events    EventsConfig    `json:"events"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// PublicURL is where the bridge relay reaches the sandbox routes
	// (default: http://{host}:{port}).
	PublicURL string `json:"public_url,omitempty"`
}

// AppConfig describes the shell application.
type AppConfig struct {
	BaseURL string `json:"base_url"` // added to the sandbox origin allowlist
}

// RuntimeConfig selects the environment.
type RuntimeConfig struct {
	Environment string `json:"environment"` // development, production or test
}

// LoggingConfig sets the log level and format.
type LoggingConfig struct {
	Level string `json:"level"` // debug, info, warn, error
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `json:"path"` // default: $NEWGATE_PATH/newgate.db
}

// AuthConfig configures session cookies.
type AuthConfig struct {
	SessionTTL   Duration `json:"session_ttl,omitempty"`
	SecureCookie bool     `json:"secure_cookie,omitempty"`
}

// SandboxConfig configures the Sandbox Gateway.
type SandboxConfig struct {
	// DevOrigins are glob patterns accepted as Origin outside production.
	DevOrigins []string `json:"dev_origins"`
	// DevPermissionBypass allows ungranted permissions in development.
	// Nil means enabled; it is never honored outside development.
	DevPermissionBypass *bool `json:"dev_permission_bypass,omitempty"`
}

// RateLimitConfig configures the sandbox rate limiter. URL and Token may be
// ENC[age:...] blobs.
type RateLimitConfig struct {
	URL      string `json:"url,omitempty"`
	Token    string `json:"token,omitempty"`
	Requests int    `json:"requests"`
	Window   string `json:"window"` // "60 s" or a Go duration
}

// BridgeConfig configures relayed Host Bridges.
type BridgeConfig struct {
	// AllowOpaqueOrigin accepts messages from sandboxed frames whose origin
	// is "null". Nil means enabled.
	AllowOpaqueOrigin *bool `json:"allow_opaque_origin,omitempty"`
	// FrameTokenSecret scopes opaque frames to signed tokens. May be an
	// ENC[age:...] blob.
	FrameTokenSecret string   `json:"frame_token_secret,omitempty"`
	InvokeTimeout    Duration `json:"invoke_timeout,omitempty"`
	// ForwardEvents are bus event types emitted to plugin frames.
	ForwardEvents []string `json:"forward_events,omitempty"`
}

// EventsConfig holds event bus and audit log settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogDir     string `json:"log_dir"` // default: $NEWGATE_PATH/audit
}

// IsProduction reports whether the runtime environment is production.
func (c *Config) IsProduction() bool {
	return c.Runtime.Environment == EnvProduction
}

// IsDevelopment reports whether the runtime environment is development.
func (c *Config) IsDevelopment() bool {
	return c.Runtime.Environment == EnvDevelopment
}

// PermissionBypass reports whether the development permission bypass is
// active. It is only ever true in development.
func (c *Config) PermissionBypass() bool {
	if !c.IsDevelopment() {
		return false
	}
	return c.Sandbox.DevPermissionBypass == nil || *c.Sandbox.DevPermissionBypass
}

// OpaqueOriginAllowed reports whether opaque frame origins are accepted.
func (c *Config) OpaqueOriginAllowed() bool {
	return c.Bridge.AllowOpaqueOrigin == nil || *c.Bridge.AllowOpaqueOrigin
}

// LogLevel maps Logging.Level to a slog level.
func (c *Config) LogLevel() slog.Level {
	switch c.Logging.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
