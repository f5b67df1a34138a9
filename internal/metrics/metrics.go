package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	LicensingCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "licensing_api_calls_total",
			Help: "Calls to the external licensing API by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
	ReconcileOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_reconcile_outcomes_total",
			Help: "Per-key reconciliation outcomes.",
		},
		[]string{"outcome"},
	)
	KeysCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keys_created_total",
			Help: "Keys created, by duration.",
		},
		[]string{"duration"},
	)
)

func Register(registry *prometheus.Registry) {
	registry.MustRegister(RequestCount, RequestDuration, LicensingCalls, ReconcileOutcomes, KeysCreated)
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
