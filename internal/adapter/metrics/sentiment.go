package metrics

import (
	"github.com/policy-lab/polis/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// SentimentMetrics counts like/dislike toggles and how their submissions settle.
type SentimentMetrics struct {
	Toggles     *prometheus.CounterVec
	Submissions *prometheus.CounterVec
	Rollbacks   prometheus.Counter
}

func NewSentimentMetrics(reg prometheus.Registerer) *SentimentMetrics {
	m := &SentimentMetrics{
		Toggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sentiment",
			Name:      "toggles_total",
			Help:      "Total number of sentiment toggles, by kind and result (submitted, queued, retracted, unauthorized, debounced).",
		}, []string{"kind", "result"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sentiment",
			Name:      "submissions_total",
			Help:      "Total number of settled sentiment submissions, by result.",
		}, []string{"result"}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sentiment",
			Name:      "rollbacks_total",
			Help:      "Total number of optimistic sentiment changes reverted after a failed submission.",
		}),
	}

	reg.MustRegister(m.Toggles, m.Submissions, m.Rollbacks)
	return m
}

func (m *SentimentMetrics) ToggleRecorded(kind domain.SentimentKind, result string) {
	m.Toggles.WithLabelValues(string(kind), result).Inc()
}

func (m *SentimentMetrics) SubmissionSettled(result string) {
	m.Submissions.WithLabelValues(result).Inc()
}

func (m *SentimentMetrics) RolledBack() {
	m.Rollbacks.Inc()
}
