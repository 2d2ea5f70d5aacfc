package api

import (
	"encoding/json"
	"net/http"

	"github.com/picteus/picteus/internal/api/middleware"
	"github.com/picteus/picteus/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *Handlers, auth *middleware.APIKeyAuth) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-KEY", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(auth.Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// Socket gateway; sockets authenticate through their connection frame.
	r.Get("/ws", h.ServeSocket)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/extensions", func(r chi.Router) {
			r.Get("/", h.ListExtensions)
			r.With(middleware.RequireMaster).Post("/", h.InstallExtension)
			r.Route("/{extensionId}", func(r chi.Router) {
				r.Get("/", h.GetExtension)
				r.With(middleware.RequireMaster).Put("/", h.UpdateExtension)
				r.With(middleware.RequireMaster).Delete("/", h.UninstallExtension)
				r.Post("/pause", h.PauseExtension)
				r.Post("/synchronize", h.SynchronizeExtension)
				r.Get("/logs", h.GetLogs)
				r.Get("/settings", h.GetSettings)
				r.Put("/settings", h.PutSettings)
				r.Post("/commands/process", h.RunProcessCommand)
				r.Post("/commands/image", h.RunImageCommand)
			})
		})

		r.Post("/capabilities/{capability}", h.RunCapability)
		r.Get("/configuration", h.GetConfiguration)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "picteus-extension-host",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "picteus-extension-host",
		})
	}
}
