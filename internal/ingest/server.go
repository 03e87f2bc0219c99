// Package ingest is the webhook listener: it answers the subscription
// handshake, authenticates deliveries and turns each classified event into a
// stored message, scheduled background work and an automation dispatch.
//
// Once a delivery passes signature gating the response is always
// 200 EVENT_RECEIVED; per-event failures are logged and never change it.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/replyd/internal/activity"
	"github.com/mattjoyce/replyd/internal/automation"
	"github.com/mattjoyce/replyd/internal/event"
	"github.com/mattjoyce/replyd/internal/inbox"
	"github.com/mattjoyce/replyd/internal/metrics"
	"github.com/mattjoyce/replyd/internal/signature"
)

// DefaultMaxBodySize caps request bodies when Config.MaxBodySize is unset.
const DefaultMaxBodySize int64 = 1 << 20

// Config holds listener settings.
type Config struct {
	Listen      string
	Path        string
	VerifyToken string
	AppSecret   string
	Policy      signature.Policy
	MaxBodySize int64
}

// MessageStore persists inbound messages.
type MessageStore interface {
	Create(ctx context.Context, m *inbox.Message) (bool, error)
	IsFirstContact(ctx context.Context, m *inbox.Message) (bool, error)
}

// FanOut schedules background work for a stored message.
type FanOut interface {
	Schedule(ctx context.Context, msg *inbox.Message, firstContact bool) int
}

// Dispatcher runs automation for an event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event, sourceMessageID string) (*automation.Result, error)
}

// Deps are the server's collaborators. FanOut, Metrics and Activity may be nil.
type Deps struct {
	Messages   MessageStore
	FanOut     FanOut
	Automation Dispatcher
	Metrics    *metrics.Metrics
	Activity   *activity.Hub
}

// Server is the webhook HTTP server.
type Server struct {
	config     Config
	deps       Deps
	classifier *event.Classifier
	logger     *slog.Logger
	server     *http.Server
}

// New creates a webhook server.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.Path == "" {
		config.Path = "/webhooks/social"
	}
	return &Server{
		config:     config,
		deps:       deps,
		classifier: event.NewClassifier(logger),
		logger:     logger,
	}
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting",
		"listen", s.config.Listen,
		"path", s.config.Path,
		"verified", s.config.AppSecret != "",
	)
	if s.config.AppSecret == "" && !s.config.Policy.AllowUnverified {
		s.logger.Warn("no app secret configured: every delivery will be rejected")
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get(s.config.Path, s.handleVerify)
	r.Post(s.config.Path, s.handleEvents)

	return r
}

// loggingMiddleware logs requests without bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func respondText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
