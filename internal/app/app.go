// Package app wires a workspace into a running engine: database, schema,
// logger, payment provider client and notification outbox.
package app

import (
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/engine"
	"gigline/internal/escrow"
	"gigline/internal/logging"
	"gigline/internal/migrate"
	"gigline/internal/notify"
	"gigline/internal/repo"
)

type App struct {
	Workspace  string
	Config     *config.Config
	DB         *sql.DB
	Logger     *zap.Logger
	Engine     engine.Engine
	Dispatcher *notify.Dispatcher
}

// Options override parts of the workspace config.
type Options struct {
	Config   *config.Config
	Logger   *zap.Logger
	LogLevel string
}

// Open loads the workspace config (defaults when gigline.yml is absent),
// opens and migrates the database and builds the engine.
func Open(workspace string, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOrDefault(workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if lvl := strings.TrimSpace(opts.LogLevel); lvl != "" {
		cfg.Log.Level = lvl
	}
	logger := opts.Logger
	if logger == nil {
		l, err := logging.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
		logger = l
	}

	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn, logger); err != nil {
		conn.Close()
		return nil, err
	}

	r := repo.Repo{DB: conn}
	e := engine.New(conn, cfg)
	e.Logger = logger.Named("engine")
	e.Gateway = escrow.NewClient(engine.EscrowConfig(cfg), logger)
	e.Notifier = notify.Outbox{Repo: r}

	return &App{
		Workspace:  workspace,
		Config:     cfg,
		DB:         conn,
		Logger:     logger,
		Engine:     e,
		Dispatcher: notify.NewDispatcher(r, cfg.Webhooks, logger),
	}, nil
}

func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.DB.Close()
}
