package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecording(t *testing.T) {
	m := NewMetrics()

	m.ObserveImport("success", 3, 120)
	m.ObserveImport("failed", 0, -1)
	m.ObserveIngest("completed")
	m.ObserveCalculation("success", 250*time.Millisecond, 2)
	m.SetOpenAlerts(map[string]int{"critical": 4, "low": 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedImports.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedImports.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.FeedRowsSkipped))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.FeedVulns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotsIngested.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MatchFailures))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.AlertsOpen.WithLabelValues("critical")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveImport("success", 1, 1)
		m.ObserveIngest("failed")
		m.ObserveCalculation("failed", time.Second, 0)
		m.SetOpenAlerts(map[string]int{"high": 1})
	})
}

func TestHandlerServesPrivateRegistry(t *testing.T) {
	m := NewMetrics()
	m.ObserveImport("success", 0, 7)

	ts := httptest.NewServer(m.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "feed_vulnerabilities 7")
	assert.NotContains(t, string(body), "go_goroutines")
}
