package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/folio-ai/folio/api"
	"github.com/folio-ai/folio/internal/app"
	"github.com/folio-ai/folio/internal/config"
	"github.com/folio-ai/folio/internal/log"
)

// runServe initializes and starts the HTTP API server.
func runServe(logger log.Logger, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	addr := cfg.HTTPAddr
	if len(args) > 0 && args[0] != "" {
		addr = args[0]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting HTTP API server", "version", AppVersion)

	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	srv := api.NewServer(api.ServerConfig{
		Logger:   logger.With("component", "api"),
		Pool:     a.DBPool,
		Sessions: a.Sessions,
		Pipeline: a.Pipeline,
	})

	logger.Info("HTTP server ready",
		"addr", addr,
		"api", "/api/*",
		"health", "/health, /ready",
	)

	return srv.Run(ctx, addr)
}
