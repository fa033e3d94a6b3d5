/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the console frontend
  5. Actor:      X-User-ID resolution (under /api only)

ROUTE GROUPS:
  /api/change_requests/*  Change request workflow and comments
  /api/kinds              Registered kinds
  /api/versions           Audit trail
  /metrics                Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures the parts of the router that vary per deployment.
type RouterOptions struct {
	CORSOrigins []string

	// MetricsPath is left unmounted when empty.
	MetricsPath string
	// Gatherer defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	if opts.MetricsPath != "" {
		gatherer := opts.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		r.Handle(opts.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(h.RequireActor)

		r.Route("/change_requests", func(r chi.Router) {
			r.Get("/", h.ListChangeRequests)
			r.Post("/", h.CreateChangeRequest)
			r.Get("/{id}", h.GetChangeRequest)
			r.Patch("/{id}", h.UpdateChangeRequest)
			r.Delete("/{id}", h.CancelChangeRequest)

			r.Get("/{id}/comments", h.ListComments)
			r.Post("/{id}/comments", h.CreateComment)
		})

		r.Get("/kinds", h.ListKinds)
		r.Get("/versions", h.ListVersions)
	})

	return r
}
