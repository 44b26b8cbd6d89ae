package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/artpar/rollout/internal/shell/api"
	"github.com/artpar/rollout/internal/shell/bus"
	"github.com/artpar/rollout/internal/shell/collab"
	"github.com/artpar/rollout/internal/shell/orchestrator"
	"github.com/artpar/rollout/internal/shell/store"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitEngineError     = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server Error
// =============================================================================

type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Server
// =============================================================================

// Server represents the rollout application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	bus        *bus.Bus
	engine     *orchestrator.Orchestrator
	dashboard  *collab.MonitoringDashboard
	logger     *slog.Logger

	dashboardCancel context.CancelFunc
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	// Connect to database
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	b := bus.New(logger)

	// Wire the six collaborators
	dashboard := collab.NewMonitoringDashboard(b, logger)
	collabs := collab.Set{
		Validator:   collab.NewEnvironmentValidator(b, logger, cfg.Environments.Known),
		Config:      collab.NewConfigurationManager(b, logger, cfg.Environments.ConfigDir),
		Scanner:     collab.NewSecurityScanner(b, logger, cfg.Environments.RequirePinnedImages),
		Provisioner: collab.NewResourceProvisioner(b, logger),
		Tester:      collab.NewIntegrationTester(b, logger),
		Dashboard:   dashboard,
	}

	engine, err := orchestrator.New(s, b, collabs, logger, cfg.Engine)
	if err != nil {
		s.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitEngineError,
		}
	}

	handler := api.NewHandler(engine, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		bus:        b,
		engine:     engine,
		dashboard:  dashboard,
		logger:     logger,
	}, nil
}

// Start runs the server until a shutdown signal arrives.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start the engine; resumes interrupted deployments
	if err := s.engine.Start(ctx); err != nil {
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitEngineError,
		}
	}

	// The HTTP server and the dashboard's passive event consumer run under
	// one group: either failing stops the other.
	g, gctx := errgroup.WithContext(ctx)
	dashCtx, dashCancel := context.WithCancel(gctx)
	s.dashboardCancel = dashCancel

	g.Go(func() error {
		s.dashboard.Run(dashCtx, s.bus)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() { errCh <- g.Wait() }()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return &ServerError{
				Op:       "Start",
				Err:      err,
				ExitCode: ExitHTTPServerError,
			}
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests first
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// Stop control loops; they persist their position for resume
	s.engine.Stop()

	if s.dashboardCancel != nil {
		s.dashboardCancel()
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}
