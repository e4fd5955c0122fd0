// Package metrics provides Prometheus metrics for tracking passes and the credit ledger.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rankwatch"

// Metrics holds all Prometheus metrics for the service. All methods are safe
// on a nil receiver so collaborators can run without metrics in tests.
type Metrics struct {
	// Scheduler metrics
	PassesTotal        *prometheus.CounterVec
	PassDuration       prometheus.Histogram
	KeywordChecks      *prometheus.CounterVec
	LastSuccessfulPass prometheus.Gauge

	// Provider metrics
	ProviderLatency *prometheus.HistogramVec

	// Ledger metrics
	LedgerOps *prometheus.CounterVec

	// Retention metrics
	RetentionDeleted prometheus.Counter
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PassesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "passes_total",
			Help:      "Tracking passes by result",
		}, []string{"result"}),
		PassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of a tracking pass",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}),
		KeywordChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "keyword_checks_total",
			Help:      "Per-keyword check outcomes",
		}, []string{"status", "reason"}),
		LastSuccessfulPass: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "last_successful_pass_timestamp",
			Help:      "Unix time of the last pass that completed",
		}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "fetch_duration_seconds",
			Help:      "Search provider fetch latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		LedgerOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by type and result",
		}, []string{"op", "result"}),
		RetentionDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "results_deleted_total",
			Help:      "Rank results removed by the retention sweep",
		}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePass(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.PassesTotal.WithLabelValues(result).Inc()
	m.PassDuration.Observe(d.Seconds())
	if result == "ok" {
		m.LastSuccessfulPass.SetToCurrentTime()
	}
}

func (m *Metrics) ObserveCheck(status, reason string) {
	if m == nil {
		return
	}
	m.KeywordChecks.WithLabelValues(status, reason).Inc()
}

func (m *Metrics) ObserveFetch(err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ProviderLatency.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) ObserveLedger(op, result string) {
	if m == nil {
		return
	}
	m.LedgerOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) AddRetentionDeleted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionDeleted.Add(float64(n))
}
