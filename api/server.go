/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RequestLogger:  Structured access log (slog)
  3. Recoverer:      Panic recovery (500 instead of crash)
  4. CORS:           Cross-origin requests from the admin UI

ROUTE GROUPS:
  /api/listings/*    Listing writes (engine)
  /api/products/*    Read-only product views
  /api/admin/*       Drift report
  /api/scenarios/*   Demo catalogs (dev only)

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
// corsOrigins lists the admin UI origins allowed to call the API.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/listings", func(r chi.Router) {
			r.Post("/", h.CreateListing)
			r.Post("/transfer", h.TransferListings)
			r.Put("/", h.UpdateListing)
			r.Put("/{id}", h.UpdateListing)
			r.Delete("/", h.DeleteListing)
			r.Delete("/{id}", h.DeleteListing)
		})

		r.Route("/products/{id}", func(r chi.Router) {
			r.Get("/listings", h.ListProductListings)
			r.Get("/lowest", h.GetLowest)
			r.Get("/history", h.GetHistory)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/drift", h.GetDrift)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
