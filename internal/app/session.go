// Package app wires one invocation of the CLI or server: workspace, store,
// configuration, notifiers and the engine. Nothing here is global; every
// command opens a Session and closes it when done.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"assessline/internal/config"
	"assessline/internal/db"
	"assessline/internal/engine"
	"assessline/internal/migrate"
	"assessline/internal/notify"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/assessline.yml.
	ConfigPath string
	// RequireConfig fails when no config file exists instead of using defaults.
	RequireConfig bool
	Logger        *slog.Logger
}

type Session struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Logger    *slog.Logger

	closers []func() error
}

// Open prepares the workspace, migrates the database and builds the engine
// with the configured notifiers.
func Open(ctx context.Context, opts Options) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	s := &Session{Workspace: opts.Workspace, DB: conn, Config: cfg, Logger: logger}
	s.closers = append(s.closers, conn.Close)
	schema, err := migrate.Migrate(ctx, conn)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("workspace opened", "workspace", opts.Workspace, "schema_version", schema)
	notifier, closeNotifier, err := notify.FromConfig(cfg.Notifications, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("notifications: %w", err)
	}
	s.closers = append(s.closers, closeNotifier)

	e := engine.New(conn, cfg)
	e.Notifier = notifier
	e.Logger = logger
	s.Engine = e
	logger.DebugContext(ctx, "session opened", "workspace", opts.Workspace, "db", db.Path(opts.Workspace))
	return s, nil
}

func loadConfig(opts Options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case opts.ConfigPath != "":
		cfg, err = config.FromFile(opts.ConfigPath)
	case opts.RequireConfig:
		cfg, err = config.Load(opts.Workspace)
	default:
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Close releases the session's resources in reverse order of acquisition.
func (s *Session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
