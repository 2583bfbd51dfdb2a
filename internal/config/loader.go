package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"time"

	"github.com/tailscale/hujson"

	"github.com/dohr-michael/newgate/internal/ratelimit"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, then applies environment overrides, defaults
// and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variable templates (before standardizing, since templates are in strings)
	expanded := expandEnvTemplates(string(data))

	std, err := hujson.Standardize([]byte(expanded))
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(&cfg)
}

// LoadOrDefault loads path, falling back to an empty file when it does not
// exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return finish(&Config{})
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyEnvOverrides lets the deployment environment win over the file.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("NEWGATE_ENV"); v != "" {
		cfg.Runtime.Environment = v
	} else if cfg.Runtime.Environment == "" {
		cfg.Runtime.Environment = os.Getenv("NODE_ENV")
	}
	if v := os.Getenv("NEWGATE_APP_URL"); v != "" {
		cfg.App.BaseURL = v
	}
	if v := os.Getenv("SANDBOX_RATE_LIMIT_URL"); v != "" {
		cfg.RateLimit.URL = v
	}
	if v := os.Getenv("SANDBOX_RATE_LIMIT_TOKEN"); v != "" {
		cfg.RateLimit.Token = v
	}
	if v := os.Getenv("SANDBOX_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SANDBOX_RATE_LIMIT: %w", err)
		}
		cfg.RateLimit.Requests = n
	}
	if v := os.Getenv("SANDBOX_RATE_LIMIT_WINDOW"); v != "" {
		cfg.RateLimit.Window = v
	}
	return nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18420
	}
	if cfg.Gateway.PublicURL == "" {
		cfg.Gateway.PublicURL = fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.Runtime.Environment == "" {
		cfg.Runtime.Environment = EnvDevelopment
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(NewgatePath(), "newgate.db")
	}
	if cfg.Sandbox.DevOrigins == nil {
		cfg.Sandbox.DevOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = ratelimit.DefaultLimit
	}
	if cfg.RateLimit.Window == "" {
		cfg.RateLimit.Window = "60 s"
	}
	if cfg.Bridge.InvokeTimeout == 0 {
		cfg.Bridge.InvokeTimeout = Duration(10 * time.Second)
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.LogDir == "" {
		cfg.Events.LogDir = filepath.Join(NewgatePath(), "audit")
	}
}

var (
	environments = []string{EnvDevelopment, EnvProduction, EnvTest}
	logLevels    = []string{"debug", "info", "warn", "error"}
)

// Validate reports every invalid setting of cfg.
func Validate(cfg *Config) error {
	var errs []error
	if !slices.Contains(environments, cfg.Runtime.Environment) {
		errs = append(errs, fmt.Errorf("runtime.environment: %q is not one of %v", cfg.Runtime.Environment, environments))
	}
	if !slices.Contains(logLevels, cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: %q is not one of %v", cfg.Logging.Level, logLevels))
	}
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port: %d out of range", cfg.Gateway.Port))
	}
	if cfg.App.BaseURL != "" {
		if err := checkHTTPURL(cfg.App.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("app.base_url: %w", err))
		}
	} else if cfg.IsProduction() {
		errs = append(errs, errors.New("app.base_url: required in production"))
	}
	if err := checkHTTPURL(cfg.Gateway.PublicURL); err != nil {
		errs = append(errs, fmt.Errorf("gateway.public_url: %w", err))
	}
	if (cfg.RateLimit.URL == "") != (cfg.RateLimit.Token == "") {
		errs = append(errs, fmt.Errorf("rate_limit: %w", ratelimit.ErrPartialConfig))
	}
	if cfg.RateLimit.Requests < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests: must be positive, got %d", cfg.RateLimit.Requests))
	}
	if _, err := ratelimit.ParseWindow(cfg.RateLimit.Window); err != nil {
		errs = append(errs, fmt.Errorf("rate_limit.window: %w", err))
	}
	if cfg.Bridge.InvokeTimeout < 0 {
		errs = append(errs, errors.New("bridge.invoke_timeout: must not be negative"))
	}
	for _, e := range cfg.Bridge.ForwardEvents {
		if e == "" {
			errs = append(errs, errors.New("bridge.forward_events: empty event type"))
		}
	}
	if cfg.Events.BufferSize < 0 {
		errs = append(errs, errors.New("events.buffer_size: must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) url", raw)
	}
	return nil
}
