/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the web frontend

SECURITY NOTE:
  Authentication is handled upstream (the web tier verifies the Firebase
  token before calling this service). No auth middleware here.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/loyalty", func(r chi.Router) {
			r.Post("/award", h.Award)
			r.Post("/spend", h.Spend)
			r.Post("/withdraw", h.Withdraw)
			r.Get("/{wallet}/balance", h.GetBalance)
			r.Get("/{wallet}/events", h.GetEvents)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/topups", h.CreateTopup)
			r.Post("/release", h.TriggerRelease)
		})
	})

	return r
}
