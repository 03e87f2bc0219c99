// Package api is the operational HTTP surface: health, Prometheus metrics,
// the automation attempt log, job lookup and a live activity stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/replyd/internal/activity"
	"github.com/mattjoyce/replyd/internal/inbox"
	"github.com/mattjoyce/replyd/internal/queue"
)

// JobReader reads the task queue.
type JobReader interface {
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	Depth(ctx context.Context) (int, error)
}

// AttemptLister reads the automation attempt log.
type AttemptLister interface {
	Recent(ctx context.Context, f inbox.AttemptFilter) ([]inbox.Attempt, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey guards everything except /healthz and /metrics. Empty disables
	// the guarded routes.
	APIKey string
}

// Deps are the server's collaborators. Metrics and Activity may be nil.
type Deps struct {
	Jobs     JobReader
	Attempts AttemptLister
	Metrics  http.Handler
	Activity *activity.Hub
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /activity streams until the client leaves.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)
	if s.config.APIKey == "" {
		s.logger.Warn("api.api_key is empty: /attempts, /jobs and /activity will reject every request")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/attempts", s.handleAttempts)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/activity", s.handleActivity)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
