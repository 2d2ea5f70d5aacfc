// Package server provides the public entry point for initializing the
// Picteus extension host.
//
// This package exists in pkg/ (not internal/) so that the desktop
// application can import it and embed the host next to its own surfaces.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8087", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/picteus/picteus/internal/api"
	"github.com/picteus/picteus/internal/api/middleware"
	"github.com/picteus/picteus/internal/bus"
	"github.com/picteus/picteus/internal/config"
	"github.com/picteus/picteus/internal/credentials"
	"github.com/picteus/picteus/internal/gateway"
	"github.com/picteus/picteus/internal/host"
	"github.com/picteus/picteus/internal/registry"
	"github.com/picteus/picteus/internal/store"
	"github.com/picteus/picteus/internal/supervisor"
	"github.com/picteus/picteus/internal/telemetry"
	"github.com/picteus/picteus/internal/vectorstore"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Server holds the initialized extension host.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Host is the extension orchestrator.
	Host *host.Host

	// Config is the resolved configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// MasterKey is the privileged API key of the master client.
	MasterKey string

	shutdown   func(context.Context) error
	gateway    *gateway.Gateway
	sup        *supervisor.Supervisor
	store      store.Store
	vectors    vectorstore.Store
	janitorCtx context.CancelFunc
}

// New initializes all host components from the environment and returns a
// ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the host with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := store.NewMemoryStore()
	log.Info().Msg("✅ Image store initialized")

	vectors, err := vectorstore.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	masterKey := cfg.Auth.MasterKey
	if masterKey == "" {
		masterKey = uuid.NewString()
		log.Info().Str("master_key", masterKey).Msg("Generated master API key")
	}
	creds := credentials.New(nil)
	creds.SetMasterKey(masterKey)

	b := bus.New()
	reg := registry.New(cfg.Paths, cfg.Extension.WebServicesBaseUrl)
	sup := supervisor.New(b, reg, cfg.Extension)
	gw := gateway.New(b, creds, reg)
	h := host.New(*cfg, b, creds, reg, sup, gw, dataStore, vectors)

	if err := h.Start(ctx); err != nil {
		sup.Close()
		gw.Close()
		vectors.Close()
		return nil, fmt.Errorf("start host: %w", err)
	}
	log.Info().Msg("✅ Extension host started")

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go registry.NewJanitor(cfg.Paths.InstalledExtensionsDir, time.Hour).Run(janitorCtx)

	handlers := api.NewHandlers(h, gw)
	auth := middleware.NewAPIKeyAuth(creds, cfg.Auth.RequiresAPIKey)
	router := api.NewRouter(cfg, handlers, auth)

	return &Server{
		Handler:    router,
		Host:       h,
		Config:     cfg,
		Port:       cfg.Port,
		MasterKey:  masterKey,
		shutdown:   shutdown,
		gateway:    gw,
		sup:        sup,
		store:      dataStore,
		vectors:    vectors,
		janitorCtx: stopJanitor,
	}, nil
}

// Close stops the supervised processes, the gateway and the stores, then
// flushes telemetry.
func (s *Server) Close(ctx context.Context) {
	s.janitorCtx()
	s.Host.Close()
	s.gateway.Close()
	s.sup.Close()
	if err := s.store.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close image store")
	}
	s.vectors.Close()
	if err := s.shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to flush telemetry")
	}
}
