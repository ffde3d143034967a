package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BackendMetrics covers outbound calls: the polis API and redis, and their circuit breakers.
type BackendMetrics struct {
	RequestDuration     *prometheus.HistogramVec
	Retries             *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	BreakerStateChanges *prometheus.CounterVec
	RedisOps            *prometheus.CounterVec
	RedisOpDuration     *prometheus.HistogramVec
	RedisDialErrors     prometheus.Counter
}

func NewBackendMetrics(reg prometheus.Registerer) *BackendMetrics {
	m := &BackendMetrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Duration of polis API requests in seconds, by endpoint and outcome.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"endpoint", "outcome"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "retries_total",
			Help:      "Total number of retried polis API reads, by endpoint.",
		}, []string{"endpoint"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open), by component.",
		}, []string{"component"}),
		BreakerStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker transitions, by component and new state.",
		}, []string{"component", "state"}),
		RedisOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Total number of redis commands, by command and status.",
		}, []string{"operation", "status"}),
		RedisOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of redis commands in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}, []string{"operation"}),
		RedisDialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "connection_errors_total",
			Help:      "Total number of failed redis dials.",
		}),
	}

	reg.MustRegister(m.RequestDuration, m.Retries, m.BreakerState, m.BreakerStateChanges,
		m.RedisOps, m.RedisOpDuration, m.RedisDialErrors)
	return m
}

func (m *BackendMetrics) RequestObserved(endpoint, outcome string, d time.Duration) {
	m.RequestDuration.WithLabelValues(endpoint, outcome).Observe(d.Seconds())
}

func (m *BackendMetrics) RetryAttempted(endpoint string) {
	m.Retries.WithLabelValues(endpoint).Inc()
}

// BreakerChanged records a transition. state is "closed", "half-open" or "open".
func (m *BackendMetrics) BreakerChanged(component, state string) {
	m.BreakerStateChanges.WithLabelValues(component, state).Inc()
	m.BreakerState.WithLabelValues(component).Set(breakerStateValue(state))
}

func breakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

func (m *BackendMetrics) RedisOpObserved(operation, status string, d time.Duration) {
	m.RedisOps.WithLabelValues(operation, status).Inc()
	m.RedisOpDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *BackendMetrics) RedisDialFailed() {
	m.RedisDialErrors.Inc()
}
