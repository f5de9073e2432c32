package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/severance/internal/events"
	"github.com/mattjoyce/severance/internal/journal"
	"github.com/mattjoyce/severance/internal/mirror"
	"github.com/mattjoyce/severance/internal/supervise"
)

// Worker is the supervised worker the API forwards operations to.
type Worker interface {
	Invoke(ctx context.Context, op string, args []any, kwargs mirror.Kwargs) (json.RawMessage, error)
	Check() error
	Status() supervise.Status
}

// CallLog reads the call journal.
type CallLog interface {
	Recent(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
	Summary(ctx context.Context) ([]journal.OpSummary, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey guards POST /ops. Empty disables operation calls entirely.
	APIKey string
	// MaxCallTimeout bounds every forwarded call. Zero leaves the mirror's own
	// call timeout in charge.
	MaxCallTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	worker    Worker
	calls     CallLog
	gatherer  prometheus.Gatherer
	events    *events.Hub
	health    healthcheck.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. calls, gatherer and hub may each be
// nil to leave their endpoints out.
func New(config Config, worker Worker, calls CallLog, gatherer prometheus.Gatherer, hub *events.Hub, logger *slog.Logger) *Server {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("api", func() error { return nil })
	health.AddReadinessCheck("worker", worker.Check)

	return &Server{
		config:    config,
		worker:    worker,
		calls:     calls,
		gatherer:  gatherer,
		events:    hub,
		health:    health,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

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

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.health.LiveEndpoint)
	r.Get("/readyz", s.health.ReadyEndpoint)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/status", s.handleStatus)
	r.Get("/calls", s.handleCalls)
	r.Get("/calls/summary", s.handleSummary)
	if s.events != nil {
		r.Get("/events", s.handleEvents)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/ops/{op}", s.handleOp)
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
