// Package metrics exposes Prometheus collectors for imports, ingestion and alert calculation.
//
// Every recording method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics represents the collection of all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	FeedImports       *prometheus.CounterVec
	FeedRowsSkipped   prometheus.Counter
	FeedVulns         prometheus.Gauge
	SnapshotsIngested *prometheus.CounterVec
	Calculations      *prometheus.CounterVec
	CalcDuration      prometheus.Histogram
	MatchFailures     prometheus.Counter
	AlertsOpen        *prometheus.GaugeVec
}

// NewMetrics creates all collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.FeedImports = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_imports_total",
			Help: "Total number of vulnerability feed imports",
		},
		[]string{"status"},
	)

	m.FeedRowsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_rows_skipped_total",
			Help: "Total number of feed rows skipped as undecodable",
		},
	)

	m.FeedVulns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_vulnerabilities",
			Help: "Number of vulnerability records in the store after the last import",
		},
	)

	m.SnapshotsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshots_ingested_total",
			Help: "Total number of snapshot ingestions by final state",
		},
		[]string{"state"},
	)

	m.Calculations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_calculations_total",
			Help: "Total number of alert calculations",
		},
		[]string{"status"},
	)

	m.CalcDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alert_calculation_duration_seconds",
			Help:    "Duration of alert calculations in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	m.MatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_match_failures_total",
			Help: "Total number of dependency versions that could not be evaluated",
		},
	)

	m.AlertsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alerts_open",
			Help: "Open alerts across every project's latest snapshot",
		},
		[]string{"severity"},
	)

	m.registry.MustRegister(
		m.FeedImports,
		m.FeedRowsSkipped,
		m.FeedVulns,
		m.SnapshotsIngested,
		m.Calculations,
		m.CalcDuration,
		m.MatchFailures,
		m.AlertsOpen,
	)

	return m
}

// Registry returns the private registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler for the private registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveImport records the outcome of a feed import
func (m *Metrics) ObserveImport(status string, skipped int, total int) {
	if m == nil {
		return
	}
	m.FeedImports.WithLabelValues(status).Inc()
	m.FeedRowsSkipped.Add(float64(skipped))
	if total >= 0 {
		m.FeedVulns.Set(float64(total))
	}
}

// ObserveIngest records a snapshot reaching a final state
func (m *Metrics) ObserveIngest(state string) {
	if m == nil {
		return
	}
	m.SnapshotsIngested.WithLabelValues(state).Inc()
}

// ObserveCalculation records a calculation outcome and its duration
func (m *Metrics) ObserveCalculation(status string, elapsed time.Duration, matchFailures int) {
	if m == nil {
		return
	}
	m.Calculations.WithLabelValues(status).Inc()
	m.CalcDuration.Observe(elapsed.Seconds())
	m.MatchFailures.Add(float64(matchFailures))
}

// SetOpenAlerts publishes open alert counts per severity
func (m *Metrics) SetOpenAlerts(counts map[string]int) {
	if m == nil {
		return
	}
	for severity, n := range counts {
		m.AlertsOpen.WithLabelValues(severity).Set(float64(n))
	}
}
