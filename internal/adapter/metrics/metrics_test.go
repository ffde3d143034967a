package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/policy-lab/polis/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSet_RegistersEverything(t *testing.T) {
	reg := NewRegistry()
	set := NewSet(reg)

	set.Sentiment.ToggleRecorded(domain.SentimentLike, "submitted")
	set.Views.CardVoteRecorded(domain.VoteAgree, "accepted")
	set.Backend.RetryAttempted("conversation")

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["polis_gateway_sentiment_toggles_total"])
	assert.True(t, names["polis_gateway_card_votes_total"])
	assert.True(t, names["polis_gateway_backend_retries_total"])
}

func TestSentimentMetrics(t *testing.T) {
	m := NewSentimentMetrics(prometheus.NewRegistry())

	m.ToggleRecorded(domain.SentimentDislike, "queued")
	m.ToggleRecorded(domain.SentimentDislike, "queued")
	m.SubmissionSettled("rejected")
	m.RolledBack()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Toggles.WithLabelValues("dislike", "queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Submissions.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rollbacks))
}

func TestViewMetrics(t *testing.T) {
	m := NewViewMetrics(prometheus.NewRegistry())

	m.ViewsActive(3)
	m.ViewEvicted()
	m.CardVoteRecorded(domain.VoteDisagree, "rejected")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveViews))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvictedViews))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CardVotes.WithLabelValues("disagree", "rejected")))
}

func TestWebSocketMetrics(t *testing.T) {
	m := NewWebSocketMetrics(prometheus.NewRegistry())

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.MessagePublished("snapshot")
	m.SlowClientEvicted()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesPublished.WithLabelValues("snapshot")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlowClients))
}

func TestBackendMetrics_BreakerState(t *testing.T) {
	m := NewBackendMetrics(prometheus.NewRegistry())

	m.BreakerChanged("polis-api", "open")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("polis-api")))
	m.BreakerChanged("polis-api", "half-open")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("polis-api")))
	m.BreakerChanged("polis-api", "closed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("polis-api")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerStateChanges.WithLabelValues("polis-api", "open")))

	m.RedisOpObserved("set", "success", time.Millisecond)
	m.RedisDialFailed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RedisOps.WithLabelValues("set", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RedisDialErrors))
}

func TestHTTPMetrics_Middleware(t *testing.T) {
	m := NewHTTPMetrics(prometheus.NewRegistry())
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/views/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/health/live", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for _, path := range []string{"/api/views/abc", "/api/views/def", "/health/live"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/api/views/:id", "200")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InFlightGauge))

	m.ErrorRecorded("not_found")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("not_found")))
}

func TestHandler_ServesRegistry(t *testing.T) {
	reg := NewRegistry()
	NewViewMetrics(reg).ViewsActive(2)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "polis_gateway_views_active 2")
}

func TestBackendMetrics_RequestObserved(t *testing.T) {
	m := NewBackendMetrics(prometheus.NewRegistry())

	m.RequestObserved("conversation", "success", 120*time.Millisecond)
	m.RequestObserved("conversation", "success", 80*time.Millisecond)
	m.RequestObserved("votes", "rejected", 10*time.Millisecond)

	h := histogramValue(t, m.RequestDuration.WithLabelValues("conversation", "success"))
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.InDelta(t, 0.2, h.GetSampleSum(), 1e-9)
}

// histogramValue reads a histogram child through the client data model.
func histogramValue(t *testing.T, obs prometheus.Observer) *dto.Histogram {
	t.Helper()
	metric, ok := obs.(prometheus.Metric)
	require.True(t, ok)

	m := &dto.Metric{}
	require.NoError(t, metric.Write(m))
	return m.GetHistogram()
}
