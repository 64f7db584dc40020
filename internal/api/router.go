package api

import (
	"encoding/json"
	"net/http"

	"github.com/snaplist/listingd/internal/api/handlers"
	"github.com/snaplist/listingd/internal/api/middleware"
	"github.com/snaplist/listingd/internal/config"
	"github.com/snaplist/listingd/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, s store.Store, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id", cfg.Auth.APIKeyHeader},
		ExposedHeaders: []string{"X-Request-Id", "Location"},
		MaxAge:         300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.Auth.APIKeys, cfg.Auth.APIKeyHeader).Middleware)

	// Health & info
	r.Get("/health", healthHandler(s))
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/generate-listing", h.GenerateListing)
			r.Post("/enhance-image", h.EnhanceImage)
			r.Get("/{jobId}", h.GetJob)
		})

		r.Route("/listings", func(r chi.Router) {
			r.Post("/", h.CreateListing)
			r.Route("/{listingId}", func(r chi.Router) {
				r.Get("/", h.GetListing)
				r.Get("/images", h.ListImages)
				r.Post("/images", h.AddImage)
			})
		})
	})

	return r
}

func healthHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status, code := "healthy", http.StatusOK
		if err := s.Ping(r.Context()); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "listingd",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "listingd",
		})
	}
}
