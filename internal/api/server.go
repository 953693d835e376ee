package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/castellan-dev/castellan/internal/bus"
	"github.com/castellan-dev/castellan/internal/core"
	"github.com/castellan-dev/castellan/internal/history"
	"github.com/castellan-dev/castellan/internal/plugins"
	"github.com/castellan-dev/castellan/internal/sysinfo"
)

// PluginManager is the plugin surface the API exposes.
type PluginManager interface {
	Get(name string) (*plugins.Supervisor, error)
	Snapshots(ctx context.Context) []plugins.Snapshot
	Healthy() error
}

// ActionLog serves the remediation history endpoint.
type ActionLog interface {
	RecentActions(ctx context.Context, limit int) ([]history.Action, error)
}

// CoreState reports the supervisor lifecycle state.
type CoreState interface {
	State() core.State
}

// NetState reports cached connectivity.
type NetState interface {
	State(ctx context.Context) sysinfo.ConnectivityState
}

// VersionSource reports what the update channel last published.
type VersionSource interface {
	SupervisorLatest() *semver.Version
	SupervisorUpToDate() bool
	LastRefresh() time.Time
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the bearer token for the protected API.
	APIKey string
	// IngestSecret signs state ingest requests. Empty disables HMAC
	// auth on /v1/ingest/state; the bearer token still works.
	IngestSecret string
	// Version is the supervisor's own version string.
	Version string
}

// Server is the HTTP admin surface.
type Server struct {
	config    Config
	manager   PluginManager
	actions   ActionLog
	coreState CoreState
	net       NetState
	versions  VersionSource
	bus       *bus.Bus
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	events    *Hub
	relay     *Relay
}

// New creates the API server and wires the bus relay into the SSE hub.
func New(config Config, manager PluginManager, actions ActionLog, coreState CoreState, net NetState, versions VersionSource, b *bus.Bus, logger *slog.Logger) *Server {
	hub := NewHub(1000)
	return &Server{
		config:    config,
		manager:   manager,
		actions:   actions,
		coreState: coreState,
		net:       net,
		versions:  versions,
		bus:       b,
		logger:    logger,
		startedAt: time.Now(),
		events:    hub,
		relay:     NewRelay(b, hub),
	}
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		s.relay.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		s.relay.Close()
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Ingest accepts either an HMAC signature or the bearer token.
	r.Post("/v1/ingest/state", s.handleIngestState)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/status", s.handleStatus)
		r.Get("/v1/plugins", s.handlePlugins)
		r.Get("/v1/plugins/{name}", s.handlePlugin)
		r.Post("/v1/plugins/{name}/{action}", s.handlePluginAction)
		r.Get("/v1/plugins/{name}/stats", s.handlePluginStats)
		r.Get("/v1/history/actions", s.handleHistoryActions)
		r.Get("/v1/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
