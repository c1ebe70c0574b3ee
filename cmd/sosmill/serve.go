package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/sosmill/internal/api"
	"github.com/seantiz/sosmill/internal/backend"
	"github.com/seantiz/sosmill/internal/config"
	"github.com/seantiz/sosmill/internal/engine"
	"github.com/seantiz/sosmill/internal/store"
)

const drainTimeout = 30 * time.Second

// serve runs the HTTP service until ctx ends, then cancels in-flight runs
// and waits for them to record their final state.
func serve(ctx context.Context, cfg config.Config, reg *backend.Registry, logger *slog.Logger) error {
	logger.Info("sosmill: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"profiles", cfg.ProfilesPath,
	)

	profile, err := loadProfile(cfg.ProfilesPath, "")
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}
	defaults := profile.Options()
	if defaults.Endpoint == "" && defaults.ConnectionFile == "" {
		defaults.Endpoint, defaults.ConnectionFile = cfg.KernelEndpoint, cfg.ConnectionFile
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eng := engine.NewEngine(db, reg, logger, defaults)
	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)

	serveErr := srv.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := eng.Shutdown(drainCtx); err != nil {
		logger.Warn("runs still in flight at shutdown", "error", err)
	}
	return serveErr
}
