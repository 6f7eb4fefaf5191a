// Package metrics provides middleware for collecting agent API request
// metrics, to be interpreted by Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MuxMiddleware is a middleware for collecting metrics on agent API handlers.
type MuxMiddleware struct {
	buckets  []float64
	registry prometheus.Registerer
}

// NewMuxMiddleware creates a new MuxMiddleware instance with the provided registry.
func NewMuxMiddleware(registry prometheus.Registerer) *MuxMiddleware {
	return &MuxMiddleware{
		// Request durations skew small unless something is wrong. Max of 10.24.
		buckets:  prometheus.ExponentialBuckets(0.005, 2, 12),
		registry: registry,
	}
}

// Wrap is a middleware function that wraps an HTTP handler to collect metrics per handler.
func (m *MuxMiddleware) Wrap(handlerName string, handler http.Handler) http.HandlerFunc {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"handler": handlerName}, m.registry)
	labels := []string{"method", "code"}

	requestsTotal := promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_http_requests_total",
			Help: "Tracks the number of HTTP requests to the agent API.",
		}, labels,
	)
	requestDuration := promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_http_request_duration_seconds",
			Help:    "Tracks the latencies for HTTP requests to the agent API.",
			Buckets: m.buckets,
		},
		labels,
	)

	return promhttp.InstrumentHandlerCounter(
		requestsTotal,
		promhttp.InstrumentHandlerDuration(requestDuration, handler),
	)
}
