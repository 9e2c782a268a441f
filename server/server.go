// Package server exposes editor sessions over a JSON HTTP API.
//
// Each session owns a coordinator and therefore its own interpreter. Runs,
// package installs and the console log are scoped to a session:
//
//	POST   /api/sessions                  create a session (interpreter loads in the background)
//	GET    /api/sessions/{id}             session state
//	POST   /api/sessions/{id}/run         run source, returns the run's events
//	POST   /api/sessions/{id}/packages    install a package
//	GET    /api/sessions/{id}/events      console log, ?after=<seq>
//	DELETE /api/sessions/{id}             close a session
//	GET    /api/runs                      run history, ?session=<id>&limit=<n>
//	GET    /api/runs/{id}                 one run
//	GET    /health                        liveness
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/caffeineduck/pyedit/history"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

const (
	defaultMaxBody  = 1 << 20
	sweepInterval   = time.Minute
	shutdownTimeout = 30 * time.Second
)

// Config configures a Server.
type Config struct {
	Addr         string
	AllowOrigins []string
	MaxBodyBytes int64
}

// Server is the HTTP adapter.
type Server struct {
	router   *chi.Mux
	config   Config
	logger   *slog.Logger
	sessions *Manager
	history  *history.Store
}

// New builds a Server. store may be nil, which disables the runs endpoints.
func New(cfg Config, logger *slog.Logger, sessions *Manager, store *history.Store) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}

	s := &Server{
		router:   chi.NewRouter(),
		config:   cfg,
		logger:   logger,
		sessions: sessions,
		history:  store,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(requestLogger(s.logger))
	if len(s.config.AllowOrigins) > 0 {
		s.router.Use(allowOrigins(s.config.AllowOrigins))
	}

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Post("/run", s.handleRun)
			r.Post("/packages", s.handleInstall)
			r.Get("/events", s.handleEvents)
		})
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done, then shuts down gracefully and closes
// every session.
func (s *Server) Start(ctx context.Context) error {
	defer s.sessions.CloseAll()

	srv := &http.Server{
		Addr:        s.config.Addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Runs have no server-side deadline; WriteTimeout stays unset.
		IdleTimeout: 60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sessions.Run(sweepCtx, sweepInterval)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", slog.String("addr", s.config.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}
	return nil
}
