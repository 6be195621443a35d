// Package api exposes the control surface over HTTP: start and stop
// dispatch runs, inspect account state and the delivery ledger.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mailfleet/mailfleet/internal/config"
	"github.com/mailfleet/mailfleet/internal/dispatch"
	"github.com/mailfleet/mailfleet/internal/identity"
	"github.com/mailfleet/mailfleet/internal/ipfilter"
	"github.com/mailfleet/mailfleet/internal/ledger"
	"github.com/mailfleet/mailfleet/internal/metrics"
)

// Dispatcher is the run-control slice of the engine the API drives.
type Dispatcher interface {
	// Start launches a manual run in the background. Returns
	// dispatch.ErrRunActive when another run holds the engine.
	Start(limit int) error
	// Stop flags the active run. False when no run is active.
	Stop() bool
	// Active snapshots the running dispatch, if any.
	Active() (dispatch.Summary, bool)
}

// Server is the control API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	dispatcher Dispatcher
	pool       *identity.Pool
	store      *ledger.Store
	config     *config.ControlConfig
	logger     *slog.Logger
	version    string
	startTime  time.Time
}

// NewServer creates a new control API server
func NewServer(d Dispatcher, pool *identity.Pool, store *ledger.Store, cfg *config.ControlConfig, version string, logger *slog.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		dispatcher: d,
		pool:       pool,
		store:      store,
		config:     cfg,
		logger:     logger,
		version:    version,
		startTime:  time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(ipfilter.New(s.config.AllowedIPs, s.logger).Middleware)
		r.Use(s.authMiddleware)

		r.Post("/runs", s.handleStartRun)
		r.Get("/runs/current", s.handleCurrentRun)
		r.Delete("/runs/current", s.handleStopRun)

		r.Get("/stats", s.handleStats)

		r.Get("/accounts", s.handleAccounts)
		r.Patch("/accounts/{id}", s.handleUpdateAccount)
		r.Post("/accounts/{id}/suspend", s.handleSuspendAccount)
		r.Post("/accounts/{id}/unsuspend", s.handleUnsuspendAccount)

		r.Get("/ledger/{address}", s.handleLedgerEntry)
	})
}

// Router returns the configured handler, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting control API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down control API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
