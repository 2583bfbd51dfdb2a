package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/newgate/internal/auth"
	"github.com/dohr-michael/newgate/internal/config"
	"github.com/dohr-michael/newgate/internal/events"
	"github.com/dohr-michael/newgate/internal/frametoken"
	"github.com/dohr-michael/newgate/internal/gateway"
	"github.com/dohr-michael/newgate/internal/gateway/ws"
	"github.com/dohr-michael/newgate/internal/heartbeat"
	"github.com/dohr-michael/newgate/internal/manifest"
	"github.com/dohr-michael/newgate/internal/ratelimit"
	"github.com/dohr-michael/newgate/internal/sandbox"
	"github.com/dohr-michael/newgate/internal/storage"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the Newgate gateway server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
			&cli.StringFlag{
				Name:  "manifests",
				Usage: "Directory of plugin manifests to register at startup",
			},
		},
		Action: runServe,
	}
}

func heartbeatPath() string {
	return filepath.Join(config.NewgatePath(), "heartbeat.json")
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyListenFlags(cmd, cfg)
	logger := setupLogging(cmd, cfg)

	st, err := openDB(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if dir := cmd.String("manifests"); dir != "" {
		ms, err := manifest.LoadDir(dir)
		if err != nil {
			return err
		}
		for _, m := range ms {
			if err := st.RegisterPlugin(ctx, m.Plugin()); err != nil {
				return fmt.Errorf("register %s: %w", m.ID, err)
			}
		}
		logger.Info("plugin manifests registered", "dir", dir, "count", len(ms))
	}

	// Rate limiter
	window, err := ratelimit.ParseWindow(cfg.RateLimit.Window)
	if err != nil {
		return err
	}
	limiter, err := ratelimit.Open(ratelimit.Config{
		URL:        cfg.RateLimit.URL,
		Token:      cfg.RateLimit.Token,
		Limit:      cfg.RateLimit.Requests,
		Window:     window,
		Production: cfg.IsProduction(),
	}, logger)
	if err != nil {
		return err
	}
	defer limiter.Close()

	// Event bus, audit log, usage counters
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()
	eventLog := storage.NewEventLogger(cfg.Events.LogDir, bus, logger)
	defer eventLog.Close()
	usage := storage.NewUsageTracker(bus)
	defer usage.Close()

	authn := auth.New(st, cfg.Auth.SessionTTL.Duration(), logger)

	origins, err := sandbox.NewOriginAllowlist(cfg.App.BaseURL, cfg.Sandbox.DevOrigins, cfg.IsProduction())
	if err != nil {
		return err
	}
	gw, err := sandbox.New(sandbox.Options{
		Origins:          origins,
		Auth:             authn,
		Installations:    st,
		Limiter:          limiter,
		Endpoints:        sandbox.ResourceEndpoints(st),
		Production:       cfg.IsProduction(),
		PermissionBypass: cfg.PermissionBypass(),
		Bus:              bus,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	logger.Debug("sandbox endpoints", "endpoints", gw.Endpoints())

	// Bridge relay
	deps := ws.Deps{Auth: authn, Catalog: st, Logger: logger}
	var signer *frametoken.Signer
	if cfg.Bridge.FrameTokenSecret != "" {
		signer, err = frametoken.NewSigner([]byte(cfg.Bridge.FrameTokenSecret))
		if err != nil {
			return err
		}
		deps.Tokens = signer
	}
	forward := make([]events.EventType, len(cfg.Bridge.ForwardEvents))
	for i, e := range cfg.Bridge.ForwardEvents {
		forward[i] = events.EventType(e)
	}
	hub := ws.NewHub(bus, deps, ws.Config{
		OriginPatterns:    origins.HostPatterns(),
		AllowOpaqueOrigin: cfg.OpaqueOriginAllowed(),
		Production:        cfg.IsProduction(),
		CallTimeout:       cfg.Bridge.InvokeTimeout.Duration(),
		GatewayURL:        cfg.Gateway.PublicURL,
		AppOrigin:         appOrigin(cfg),
		ForwardEvents:     forward,
	})

	opts := gateway.Options{
		Host:    cfg.Gateway.Host,
		Port:    cfg.Gateway.Port,
		Bus:     bus,
		Sandbox: gw,
		Hub:     hub,
		Usage:   usage,
		Auth:    authn,
		Logger:  logger,
	}
	if signer != nil {
		opts.Catalog = st
		opts.Tokens = signer
	}
	server, err := gateway.NewServer(opts)
	if err != nil {
		return err
	}

	hb := heartbeat.NewWriter(heartbeatPath(), 0, heartbeat.Info{
		Addr:        fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Environment: cfg.Runtime.Environment,
		RateLimited: limiter.Enabled(),
		Bypass:      cfg.PermissionBypass(),
	}, hub.Count)
	if err := hb.Start(); err != nil {
		logger.Warn("heartbeat disabled", "error", err)
	}
	defer hb.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// applyListenFlags lets --host and --port override the config. A public URL
// derived from the old address follows the new one.
func applyListenFlags(cmd *cli.Command, cfg *config.Config) {
	derived := fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = cmd.Int("port")
	}
	if cfg.Gateway.PublicURL == derived {
		cfg.Gateway.PublicURL = fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
}

// appOrigin is the Origin relayed api.request calls present to the
// sandbox gate. Without an app URL it falls back to a local development
// origin, which only the development allowlist accepts.
func appOrigin(cfg *config.Config) string {
	if u, err := url.Parse(cfg.App.BaseURL); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Scheme + "://" + u.Host
	}
	slog.Debug("no app url configured, relayed calls use a localhost origin")
	return fmt.Sprintf("http://localhost:%d", cfg.Gateway.Port)
}
