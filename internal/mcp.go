package internal

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/refhub/internal/companion"
	"github.com/starford/refhub/internal/hub"
	"github.com/starford/refhub/internal/index"
	"github.com/starford/refhub/internal/mcpserver"
	"github.com/starford/refhub/internal/reconcile"
	"github.com/starford/refhub/internal/recordstore"
	"github.com/starford/refhub/internal/resolver"
	"github.com/starford/refhub/internal/storage"
)

// RunMCP starts the MCP stdio server. Stdout carries the MCP transport, so
// the logger writes to stderr and no HTTP server or watcher is started.
func RunMCP(_ context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := app.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: cfg.App.LogLevel,
		}))
	}
	slog.SetDefault(logger)

	files, err := storage.NewFS(cfg.Vault.Path)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	db, err := index.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init index: %w", err)
	}
	defer db.Close()

	if err := index.Sync(db, files, logger); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	store := recordstore.New(files, cfg.Store.Path, cfg.Store.LegacyPath, nil, logger)
	if err := store.Load(); err != nil {
		return fmt.Errorf("load record store: %w", err)
	}

	comp := companion.NewManager(files, cfg.Companion)
	res := resolver.New(db, files, logger)
	engine := reconcile.New(store, comp, files, res, nil, nil, logger, cfg.Sync.Cooldown())

	svc := hub.NewService(store, comp, res, engine, db, files, nil, nil, logger)

	logger.Info("MCP server starting on stdio")
	return mcpserver.New(svc).ServeStdio()
}
