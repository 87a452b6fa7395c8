// Package api serves the controller's HTTP surface: health, metrics, the
// worker list with release and kill actions, outstanding file allocations
// and a server-sent event stream of run activity.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/testhive/internal/arbiter"
	"github.com/mattjoyce/testhive/internal/worker"
)

// Controller is the run the API inspects and steers.
type Controller interface {
	Workers() []worker.Snapshot
	ReleaseWorker(ctx context.Context, workerID string) error
	KillWorker(ctx context.Context, workerID string) error
	Allocations() []arbiter.Allocation
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token is an optional bearer token; empty leaves the API open.
	Token string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	ctrl      Controller
	events    *EventHub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a server for ctrl. events may be nil, in which case /events
// only sends keep-alives.
func New(config Config, ctrl Controller, events *EventHub, logger *slog.Logger) *Server {
	if events == nil {
		events = NewEventHub(1)
	}
	return &Server{
		config:    config,
		ctrl:      ctrl,
		events:    events,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.setupRoutes() }

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: /events streams for the life of the run.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		if s.config.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.config.Metrics)
		}
		r.Get("/workers", s.handleWorkers)
		r.Post("/workers/{workerID}/release", s.handleRelease)
		r.Post("/workers/{workerID}/kill", s.handleKill)
		r.Get("/allocations", s.handleAllocations)
		r.Get("/events", s.handleEvents)
	})

	return r
}

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
