package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/newgate/internal/config"
	"github.com/dohr-michael/newgate/internal/secrets"
	"github.com/dohr-michael/newgate/internal/store"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "newgate",
		Usage: "Sandbox gateway and bridge relay for embedded plugins",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewStatusCommand(),
			NewPluginCommand(),
			NewSessionCommand(),
			NewSecretCommand(),
		},
	}
}

// loadConfig reads the config file and opens sealed values with the age
// identity when any are present.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if secrets.HasSealed(cfg) {
		box, err := secrets.OpenBox(secrets.KeyPath(), false)
		if err != nil {
			return nil, fmt.Errorf("open age identity: %w", err)
		}
		if err := secrets.ResolveConfig(cfg, box); err != nil {
			return nil, fmt.Errorf("decrypt config: %w", err)
		}
	}
	return cfg, nil
}

// setupLogging installs the default logger: JSON in production, text
// elsewhere, at debug level when --debug is set.
func setupLogging(cmd *cli.Command, cfg *config.Config) *slog.Logger {
	level := cfg.LogLevel()
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openStore loads the config and opens the SQLite store it points at.
func openStore(ctx context.Context, cmd *cli.Command) (*store.Store, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	st, err := openDB(ctx, cfg, setupLogging(cmd, cfg))
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func openDB(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	st, err := store.Open(ctx, cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}
