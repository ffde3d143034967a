package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polis_gateway"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Set groups every metric family the gateway exports.
type Set struct {
	HTTP      *HTTPMetrics
	Sentiment *SentimentMetrics
	Views     *ViewMetrics
	WebSocket *WebSocketMetrics
	Backend   *BackendMetrics
}

// NewSet registers all metric families on reg.
func NewSet(reg prometheus.Registerer) *Set {
	return &Set{
		HTTP:      NewHTTPMetrics(reg),
		Sentiment: NewSentimentMetrics(reg),
		Views:     NewViewMetrics(reg),
		WebSocket: NewWebSocketMetrics(reg),
		Backend:   NewBackendMetrics(reg),
	}
}
