package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/folio-ai/folio/db"
	"github.com/folio-ai/folio/internal/config"
	"github.com/folio-ai/folio/internal/knowledge"
	"github.com/folio-ai/folio/internal/log"
	"github.com/folio-ai/folio/internal/observability"
	"github.com/folio-ai/folio/internal/pipeline"
	"github.com/folio-ai/folio/internal/postgres"
	"github.com/folio-ai/folio/internal/profile"
	"github.com/folio-ai/folio/internal/session"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup — call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = log.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	// Tracing first so Genkit's TracerProvider is ready at Init.
	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}
	a.Embedder = embedder

	a.Sessions = session.New(session.NewQuerier(pool), session.Config{
		Quota:         cfg.SessionQuota,
		TTL:           cfg.SessionTTL,
		MinInterval:   cfg.MinMessageInterval,
		HistoryWindow: cfg.HistoryWindow,
	}, logger.With("component", "session"))

	a.Profile = profile.New(profile.NewQuerier(pool), logger.With("component", "profile"))

	a.Knowledge = knowledge.New(knowledge.NewQuerier(pool), embedder, logger.With("component", "knowledge"))

	llm := pipeline.NewGenkitLLM(g, cfg.ModelName, float64(cfg.Temperature), logger.With("component", "llm"))

	a.Pipeline = pipeline.New(pipeline.Deps{
		Sessions:   a.Sessions,
		Structured: a.Profile,
		Semantic:   a.Knowledge,
		Rewriter:   pipeline.NewReformulator(llm, logger.With("component", "reformulate")),
		Router:     pipeline.NewRouter(llm, pipeline.Intent(cfg.RouterFallbackIntent), logger.With("component", "router")),
		Generator:  pipeline.NewGenerator(llm, logger.With("component", "generate")),
	}, pipeline.Config{
		TopK:       cfg.RetrievalTopK,
		Oversample: cfg.RetrievalOversample,
	}, logger.With("component", "pipeline"))

	return a, nil
}

// provideOtelShutdown sets up OTLP tracing before Genkit initialization.
// Returns a no-op cleanup when tracing is disabled or unavailable.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	if !cfg.Tracing.Enabled {
		return func() {}
	}

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
		ServiceName: cfg.Tracing.ServiceName,
	}, logger)
	if err != nil {
		logger.Warn("tracing setup failed, continuing without", "error", err)
		return func() {}
	}

	//nolint:contextcheck // Independent context: shutdown runs during teardown when parent is canceled
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and creates the PostgreSQL connection pool
// with pgvector types registered.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	return pool, nil
}

// provideGenkit initializes Genkit with the Gemini plugin.
func provideGenkit(ctx context.Context, logger log.Logger) (*genkit.Genkit, error) {
	g := genkit.Init(ctx,
		genkit.WithPlugins(&googlegenai.GoogleAI{}),
	)
	if g == nil {
		return nil, errors.New("initializing genkit with gemini provider")
	}
	logger.Info("initialized Genkit with gemini provider")
	return g, nil
}
