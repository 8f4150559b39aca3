package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// OptimizationRuns counts solver runs by kind (daily, reoptimize, emergency) and stop reason
	OptimizationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "crewroute_optimization_runs_total", Help: "Solver runs by kind and stop reason."},
		[]string{"kind", "reason"},
	)
	OptimizationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "crewroute_optimization_duration_seconds", Help: "Solver wall time in seconds.", Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 180}},
		[]string{"kind"},
	)
	// PlanScore exposes the last plan's penalty per tier
	PlanScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "crewroute_plan_score", Help: "Penalty of the latest plan by tier."},
		[]string{"kind", "tier"},
	)
	TravelFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "crewroute_travel_fallbacks_total", Help: "Travel lookups answered by the great-circle estimate."},
	)
	GeocodeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "crewroute_geocode_requests_total", Help: "Geocoding lookups by outcome."},
		[]string{"outcome"},
	)
	EmergencyInsertions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "crewroute_emergency_insertions_total", Help: "Emergency job insertions by outcome."},
		[]string{"outcome"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(OptimizationRuns)
		Registry.MustRegister(OptimizationDuration)
		Registry.MustRegister(PlanScore)
		Registry.MustRegister(TravelFallbacks)
		Registry.MustRegister(GeocodeRequests)
		Registry.MustRegister(EmergencyInsertions)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
