package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts served HTTP requests by route pattern and status code.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskwarp_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"route", "code"})
	// HTTPLatency observes request handling time by route pattern.
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskwarp_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	// Mutations counts orchestrated task mutations by operation and outcome.
	Mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskwarp_mutations_total",
		Help: "Total number of orchestrated task mutations",
	}, []string{"op", "result"})
	// CompensationFailures counts compensating releases that themselves failed.
	CompensationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskwarp_compensation_failures_total",
		Help: "Total number of failed compensating lock releases",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the process-wide collectors on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(HTTPRequests, HTTPLatency, Mutations, CompensationFailures)
}

// Handler exposes reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
