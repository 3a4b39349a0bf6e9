// Package app provides application initialization and dependency wiring.
//
// App is the container that holds every long-lived component: Genkit, the
// database pool, the stores, and the chat pipeline. Setup builds it in
// dependency order; Close releases everything in reverse.
package app

import (
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/folio-ai/folio/internal/config"
	"github.com/folio-ai/folio/internal/knowledge"
	"github.com/folio-ai/folio/internal/log"
	"github.com/folio-ai/folio/internal/pipeline"
	"github.com/folio-ai/folio/internal/profile"
	"github.com/folio-ai/folio/internal/session"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	// Core services
	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool

	// Domain stores
	Sessions  *session.Store
	Profile   *profile.Store
	Knowledge *knowledge.Store

	// The chat pipeline
	Pipeline *pipeline.Pipeline

	// Lifecycle
	otelCleanup func()
}

// Close gracefully shuts down all resources.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.DBPool != nil {
		a.DBPool.Close()
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
