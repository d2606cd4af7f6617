/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the study dashboard

ROUTE GROUPS:
  /api/columns          Column configuration
  /api/participants/*   Device registrations, reports and audit
  /api/validation/*     Stored-history validation
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus exposition

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

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

// NewRouter creates a new router with all routes configured. A nil
// gatherer exposes the default Prometheus registry.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *chi.Mux {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Actor"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/columns", h.ListColumns)

		r.Route("/participants/{participant}", func(r chi.Router) {
			r.Get("/audit", h.GetAudit)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", h.GetParticipantDevices)

				r.Route("/{column}", func(r chi.Router) {
					r.Get("/", h.GetColumnReport)
					r.Get("/history", h.GetColumnHistory)
					r.Get("/at", h.QueryColumn)
					r.Post("/register", h.Register)
					r.Post("/deregister", h.Deregister)
					r.Post("/assignments/{id}/correct", h.Correct)
					r.Post("/assignments/{id}/cancel", h.Cancel)
				})
			})
		})

		r.Route("/validation", func(r chi.Router) {
			r.Get("/", h.GetValidation)
			r.Post("/run", h.RunValidation)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
