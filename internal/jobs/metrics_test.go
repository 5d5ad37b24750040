package jobmetrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rr := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rr.Body.String()
}

func TestTrackerRecordsOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	require.NoError(t, m.Track("idempotency:cleanup").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("idempotency:cleanup").End(boom), boom)

	body := scrape(t, reg)
	require.Contains(t, body, `stockcount_jobs_total{job="idempotency:cleanup",status="success"} 1`)
	require.Contains(t, body, `stockcount_jobs_total{job="idempotency:cleanup",status="failure"} 1`)
	require.Contains(t, body, `stockcount_jobs_failures_total{job="idempotency:cleanup"} 1`)
}

func TestCountersIgnoreEmptyBatches(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.AddPublished("stockcount.posted", 2)
	m.AddPublished("stockcount.posted", 0)
	m.AddPurged(5)
	m.AddPurged(-1)

	body := scrape(t, reg)
	require.Contains(t, body, `stockcount_events_published_total{topic="stockcount.posted"} 2`)
	require.Contains(t, body, "stockcount_idempotency_keys_purged_total 5")
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	require.NoError(t, m.Track("x").End(nil))
	m.AddPublished("t", 1)
	m.AddPurged(1)
}
