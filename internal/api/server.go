// Package api implements the HTTP surface of the crewroute service.
package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crewroute/internal/auth"
	"crewroute/internal/metrics"
	"crewroute/internal/planner"
	"crewroute/internal/store"
)

type Server struct {
	Planner *planner.Service
	Store   store.Store
	Auth    *auth.Verifier
	Broker  EventBroker
	// Checks run on /readyz in addition to the store ping, e.g. Redis.
	Checks map[string]func(ctx context.Context) error
	// Settings is a redacted configuration summary served on the debug endpoint.
	Settings map[string]any
}

func NewServer(p *planner.Service, s store.Store, v *auth.Verifier, b EventBroker) *Server {
	if b == nil {
		b = NewBroker()
	}
	return &Server{Planner: p, Store: s, Auth: v, Broker: b, Checks: map[string]func(context.Context) error{}}
}

// Handler returns the full route table wrapped in logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Jobs
	mux.HandleFunc("/v1/jobs", s.JobsHandler)
	mux.HandleFunc("/v1/jobs/", s.JobByIDHandler) // includes /complete and /v1/jobs/import

	// Fleet
	mux.HandleFunc("/v1/vehicles", s.VehiclesHandler)
	mux.HandleFunc("/v1/vehicles/", s.VehicleByIDHandler)

	// Planning
	mux.HandleFunc("/v1/routing/generate", s.GenerateHandler)
	mux.HandleFunc("/v1/routing/reoptimize", s.ReoptimizeHandler)
	mux.HandleFunc("/v1/routing/emergency", s.EmergencyHandler)
	mux.HandleFunc("/v1/routing/estimates", s.EstimatesHandler)
	mux.HandleFunc("/v1/routing/weather-check", s.WeatherCheckHandler)
	mux.HandleFunc("/v1/routing/stats", s.RouteStatsHandler)
	mux.HandleFunc("/v1/weather", s.WeatherHandler)

	// Routes
	mux.HandleFunc("/v1/routes", s.RoutesIndexHandler)
	mux.HandleFunc("/v1/routes/", s.RouteByVehicleHandler)

	// Live events
	mux.HandleFunc("/v1/events/ws", s.EventsWSHandler)

	// Admin
	mux.HandleFunc("/v1/admin/plan-metrics", s.PlanMetricsHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	mux.HandleFunc("/v1/admin/debug", s.DebugJSON)

	// Health
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return logMiddleware(metricsMiddleware(mux))
}
