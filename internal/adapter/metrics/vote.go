package metrics

import (
	"github.com/policy-lab/polis/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// ViewMetrics holds Prometheus metrics for conversation views and card votes.
type ViewMetrics struct {
	ActiveViews  prometheus.Gauge
	EvictedViews prometheus.Counter
	CardVotes    *prometheus.CounterVec
}

// NewViewMetrics creates and registers view metrics on the given registry.
func NewViewMetrics(reg prometheus.Registerer) *ViewMetrics {
	m := &ViewMetrics{
		ActiveViews: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "views",
			Name:      "active",
			Help:      "Number of open conversation views on this instance.",
		}),
		EvictedViews: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "views",
			Name:      "evicted_total",
			Help:      "Total number of views closed for inactivity.",
		}),
		CardVotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "card_votes_total",
			Help:      "Total number of statement votes, by vote and result.",
		}, []string{"vote", "result"}),
	}

	reg.MustRegister(m.ActiveViews, m.EvictedViews, m.CardVotes)
	return m
}

func (m *ViewMetrics) ViewsActive(n int) {
	m.ActiveViews.Set(float64(n))
}

func (m *ViewMetrics) ViewEvicted() {
	m.EvictedViews.Inc()
}

func (m *ViewMetrics) CardVoteRecorded(vote domain.StatementVote, result string) {
	m.CardVotes.WithLabelValues(vote.String(), result).Inc()
}
