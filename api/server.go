// Package api provides the HTTP REST API for Folio.
//
// Endpoints:
//
//	GET  /health                    - liveness probe
//	GET  /ready                     - readiness probe (pings PostgreSQL)
//	POST /api/sessions              - create or resume a session by email
//	GET  /api/sessions/{id}/history - recent conversation window
//	POST /api/chat/stream           - one chat turn as an SSE stream
//
// File structure:
//   - server.go: HTTP server setup and lifecycle
//   - middleware.go: HTTP middleware (logging, recovery)
//   - health.go: Health check endpoints (/health, /ready)
//   - session.go: Session bootstrap and history endpoints
//   - chat.go: SSE chat streaming endpoint
//   - response.go: JSON response helpers
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/folio-ai/folio/internal/log"
	"github.com/folio-ai/folio/internal/pipeline"
	"github.com/folio-ai/folio/internal/session"
)

const (
	// DefaultAddr is the default address for the HTTP server.
	DefaultAddr = ":8080"

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout = 10 * time.Second

	// ReadHeaderTimeout is the timeout for reading request headers.
	// This prevents Slowloris attacks (CWE-400).
	ReadHeaderTimeout = 10 * time.Second

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout = 30 * time.Second

	// WriteTimeout is the maximum duration for writing the response.
	// Generous because /api/chat/stream holds the connection open for the
	// whole model generation.
	WriteTimeout = 5 * time.Minute

	// IdleTimeout is the maximum time to wait for the next request on keep-alive connections.
	IdleTimeout = 120 * time.Second
)

// ServerConfig contains the dependencies for the API server.
type ServerConfig struct {
	Logger   log.Logger
	Pool     *pgxpool.Pool      // Required: readiness checks
	Sessions *session.Store     // Required: session bootstrap and history
	Pipeline *pipeline.Pipeline // Required: chat turn orchestration
}

// Server is the HTTP server for Folio's REST API.
type Server struct {
	mux    *http.ServeMux
	logger log.Logger

	health  *HealthHandler
	session *SessionHandler
	chat    *ChatHandler
}

// NewServer creates a new HTTP server with all routes registered.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	mux := http.NewServeMux()

	// Assign through locals so a nil concrete pointer stays a nil interface
	// and the handlers' nil guards keep working.
	var sessions SessionService
	if cfg.Sessions != nil {
		sessions = cfg.Sessions
	}
	var runner ChatRunner
	if cfg.Pipeline != nil {
		runner = cfg.Pipeline
	}

	s := &Server{
		mux:     mux,
		logger:  logger,
		health:  NewHealthHandler(cfg.Pool, logger),
		session: NewSessionHandler(sessions, logger),
		chat:    NewChatHandler(runner, logger),
	}

	s.health.RegisterRoutes(mux)
	s.session.RegisterRoutes(mux)
	s.chat.RegisterRoutes(mux)

	return s
}

// Handler returns the HTTP handler with middleware applied.
// Middleware order: recovery → logging → handler
func (s *Server) Handler() http.Handler {
	return chain(s.mux, recoveryMiddleware(s.logger), loggingMiddleware(s.logger))
}

// Run starts the HTTP server and blocks until the context is cancelled.
// It handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
