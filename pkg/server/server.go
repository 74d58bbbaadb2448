// Package server provides the public entry point for initializing the
// KiraPilot AI engine server.
//
// This package exists in pkg/ (not internal/) so that embedders such as the
// desktop app shell can import it and compose the engine with their own
// lifecycle management.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8317", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/vietanhdev/kirapilot-engine/internal/api"
	"github.com/vietanhdev/kirapilot-engine/internal/config"
	"github.com/vietanhdev/kirapilot-engine/internal/execlog"
	"github.com/vietanhdev/kirapilot-engine/internal/manager"
	"github.com/vietanhdev/kirapilot-engine/internal/registry"
	"github.com/vietanhdev/kirapilot-engine/internal/store"
	"github.com/vietanhdev/kirapilot-engine/internal/telemetry"
	"github.com/vietanhdev/kirapilot-engine/pkg/models"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized KiraPilot AI engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the persistence backend (sqlite by default).
	Store store.Store

	// Manager coordinates providers, sessions and the reasoning loop.
	Manager *manager.Manager

	// Config is the resolved engine configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	execLogger   *execlog.Logger
	cancelWorker context.CancelFunc
	flushOTEL    func(context.Context) error
}

// New loads configuration from the environment and initializes all engine
// components, returning a ready Server.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	flush, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info().Str("driver", cfg.Store.Driver).Msg("Store initialized")

	execLogger := execlog.New(dataStore, cfg.MaxLogCount,
		execlog.WithDetailedLogging(cfg.DetailedLogging))
	workerCtx, cancelWorker := context.WithCancel(context.Background())
	execLogger.Start(workerCtx)

	reg := registry.New(models.PermissionSet{models.PermFullAccess: true}, execLogger)
	if err := registry.RegisterBuiltins(reg, dataStore); err != nil {
		cancelWorker()
		return nil, fmt.Errorf("register tools: %w", err)
	}
	log.Info().Int("tools", len(reg.Names())).Msg("Tool registry initialized")

	m := manager.New(cfg, reg, execLogger)
	m.Initialize(ctx)

	router := api.NewRouter(api.NewHandlers(cfg, m, dataStore, execLogger))

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Manager:      m,
		Config:       cfg,
		Port:         cfg.Port,
		execLogger:   execLogger,
		cancelWorker: cancelWorker,
		flushOTEL:    flush,
	}, nil
}

// Shutdown releases providers, drains the execution log queue and flushes
// telemetry. The store is closed last so the drain can still write.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Manager.Shutdown()
	s.cancelWorker()
	s.execLogger.Close()

	var firstErr error
	if err := s.flushOTEL(ctx); err != nil {
		firstErr = err
	}
	if err := s.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
