// Package api provides the admin HTTP API over the ingestion queue.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chess-ingest/internal/adapter"
	"github.com/chess-ingest/internal/config"
	"github.com/chess-ingest/internal/logging"
	"github.com/chess-ingest/internal/ratelimit"
	"github.com/chess-ingest/internal/service"
	"github.com/chess-ingest/internal/storage"
	"github.com/gorilla/mux"
)

// Deps are the components the API reads from and acts on
type Deps struct {
	Store   *storage.Store
	Planner *service.RefreshPlanner
	Clients adapter.Clients     // optional, reported by /healthz
	Gate    ratelimit.Gate      // optional, reported by /healthz
	Monitor *service.RunMonitor // optional, reported by /healthz
	Now     func() time.Time
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
	config     config.ServerConfig
}

// NewServer creates a new API server instance.
func NewServer(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if deps.Planner == nil {
		return nil, fmt.Errorf("planner cannot be nil")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		config: cfg,
	}
	s.setupRouter()
	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerSec)

	// order matters: recovery must wrap everything below logging
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  2 * s.config.ReadTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Job endpoints
	api.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	api.HandleFunc("/jobs/stats", s.handleJobStats).Methods("GET")
	api.HandleFunc("/jobs/{id:[0-9]+}", s.handleGetJob).Methods("GET")
	api.HandleFunc("/jobs/{id:[0-9]+}/cancel", s.handleCancelJob).Methods("POST")

	// Account endpoints
	api.HandleFunc("/accounts/{platform}/{username}/refresh", s.handleRefreshAccount).Methods("POST")
	api.HandleFunc("/accounts/{platform}/{username}/archives", s.handleListArchives).Methods("GET")
}

// Handler returns the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
