package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/inpertio/inpertio/internal/auth"
	"github.com/inpertio/inpertio/internal/checkout"
	"github.com/inpertio/inpertio/internal/events"
	"github.com/inpertio/inpertio/internal/failure"
	"github.com/inpertio/inpertio/internal/gitmirror"
	"github.com/inpertio/inpertio/internal/metrics"
	"github.com/inpertio/inpertio/internal/resource"
	"github.com/inpertio/inpertio/internal/result"
	"github.com/inpertio/inpertio/internal/state"
)

// ResourceGetter serves file content from a branch.
type ResourceGetter interface {
	GetResource(ctx context.Context, branch, path string) result.Result[resource.Resource, *failure.Failure]
}

// MirrorStatus is the part of the mirror exposed to operators.
type MirrorStatus interface {
	RemoteURI() string
	FetchLatest(ctx context.Context) error
	LastSyncedAt() time.Time
	Branches(ctx context.Context) ([]gitmirror.Branch, error)
}

// CheckoutStatus lists materialized branch snapshots.
type CheckoutStatus interface {
	Branches() []checkout.SnapshotInfo
}

// SyncLogReader returns recent mirror sync outcomes.
type SyncLogReader interface {
	Recent(ctx context.Context, limit int) ([]state.SyncEntry, error)
}

// EventSource replays and streams activity events.
type EventSource interface {
	Since(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
}

// Webhook is a push endpoint mounted outside /api.
type Webhook interface {
	http.Handler
	Path() string
}

// Config holds API server configuration
type Config struct {
	Listen string
	// RequestTimeout bounds resource requests. Zero disables the timeout.
	RequestTimeout time.Duration
	// Tokens protect the operational endpoints. Empty leaves them open.
	Tokens  []auth.TokenConfig
	Version string
}

// Deps are the collaborators the server reads from. Resources and Mirror are
// required; the rest are optional.
type Deps struct {
	Resources ResourceGetter
	Mirror    MirrorStatus
	Checkouts CheckoutStatus
	SyncLog   SyncLogReader
	Events    EventSource
	Webhook   Webhook
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
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
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

	// Unauthenticated.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Handle("/metrics", metrics.Handler())

	resourceRoute := r.With()
	if s.config.RequestTimeout > 0 {
		resourceRoute = r.With(middleware.Timeout(s.config.RequestTimeout))
	}
	resourceRoute.Get(ResourceRoutePrefix+"{branch}/*", s.handleResource)
	resourceRoute.Head(ResourceRoutePrefix+"{branch}/*", s.handleResource)

	tokens := s.config.Tokens
	r.With(auth.RequireScopes(tokens, auth.ScopeStatusRead, auth.ScopeMirrorRead)).Get("/api/branches", s.handleBranches)
	r.With(auth.RequireScopes(tokens, auth.ScopeStatusRead, auth.ScopeMirrorRead)).Get("/api/sync/log", s.handleSyncLog)
	r.With(auth.RequireScopes(tokens, auth.ScopeMirrorWrite)).Post("/api/mirror/refresh", s.handleRefresh)
	if s.deps.Events != nil {
		r.With(auth.RequireScopes(tokens, auth.ScopeEventsRead)).Get("/api/events", s.handleEvents)
	}

	if s.deps.Webhook != nil {
		r.Handle(s.deps.Webhook.Path(), s.deps.Webhook)
		s.logger.Info("webhook endpoint registered", "path", s.deps.Webhook.Path())
	}

	return r
}

// loggingMiddleware logs HTTP requests and records request metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.RecordHTTPRequest(r.Method, route, ww.Status(), duration)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", duration.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
