// Package api exposes the engine over HTTP for the desktop shell.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/vietanhdev/kirapilot-engine/internal/api/middleware"
	"github.com/vietanhdev/kirapilot-engine/internal/config"
	"github.com/vietanhdev/kirapilot-engine/internal/execlog"
	"github.com/vietanhdev/kirapilot-engine/internal/manager"
	"github.com/vietanhdev/kirapilot-engine/internal/store"
)

// Handlers carries the API's dependencies.
type Handlers struct {
	cfg     *config.Config
	manager *manager.Manager
	store   store.Store
	logger  *execlog.Logger
	rollup  *execlog.Rollup
}

// NewHandlers wires the API against the engine facade.
func NewHandlers(cfg *config.Config, m *manager.Manager, s store.Store, l *execlog.Logger) *Handlers {
	return &Handlers{
		cfg:     cfg,
		manager: m,
		store:   s,
		logger:  l,
		rollup:  execlog.NewRollup(s),
	}
}

// NewRouter creates the HTTP router with all API routes.
func NewRouter(h *Handlers) http.Handler {
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
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", h.health)
	r.Get("/version", h.version)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/ai", func(r chi.Router) {
			r.Post("/message", h.processMessage)
			r.Get("/status", h.providerStatus)
			r.Put("/provider", h.setProvider)
		})

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", h.listTools)
			r.Get("/{toolName}", h.describeTool)
		})

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", h.listLogs)
			r.Get("/stats", h.sessionStats)
		})

		r.Route("/analytics", func(r chi.Router) {
			r.Post("/rollup", h.computeRollup)
			r.Get("/rollup", h.getRollup)
		})
	})

	return r
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"status":  status,
		"service": "kirapilot-engine",
	})
}

func (h *Handlers) version(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"version": h.cfg.Version,
		"service": "kirapilot-engine",
	})
}
