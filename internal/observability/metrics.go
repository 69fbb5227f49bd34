// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ingestion metrics
	BarsIngested       prometheus.Counter
	BarsRejected       prometheus.Counter
	COTReportsIngested prometheus.Counter
	FetchErrors        *prometheus.CounterVec

	// Estimation metrics
	FeatureRowsBuilt  prometheus.Counter
	EstimatesComputed prometheus.Counter
	EstimatesNoSignal prometheus.Counter
	EstimateLatency   prometheus.Histogram

	// Backtest metrics
	DecisionsTotal *prometheus.CounterVec
	TradesClosed   prometheus.Counter
	RunsTotal      *prometheus.CounterVec
	RunDuration    prometheus.Histogram

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulRun prometheus.Gauge
	LiveQuoteAge      prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "market_analog_lab"
	}

	return &Metrics{
		// Ingestion metrics
		BarsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "bars_ingested_total",
			Help:      "Total number of clean daily bars ingested",
		}),
		BarsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "bars_rejected_total",
			Help:      "Total number of raw records dropped during validation",
		}),
		COTReportsIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "cot_reports_ingested_total",
			Help:      "Total number of weekly COT reports ingested",
		}),
		FetchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "fetch_errors_total",
			Help:      "Total number of fetch failures by source",
		}, []string{"source", "reason"}),

		// Estimation metrics
		FeatureRowsBuilt: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analog",
			Name:      "feature_rows_built_total",
			Help:      "Total number of feature rows built",
		}),
		EstimatesComputed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analog",
			Name:      "estimates_computed_total",
			Help:      "Total number of analog estimates computed",
		}),
		EstimatesNoSignal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analog",
			Name:      "estimates_no_signal_total",
			Help:      "Total number of query dates with no usable estimate",
		}),
		EstimateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analog",
			Name:      "estimate_latency_seconds",
			Help:      "Single-date estimate latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		// Backtest metrics
		DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "decisions_total",
			Help:      "Total number of rule decisions by action",
		}, []string{"action"}),
		TradesClosed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "trades_closed_total",
			Help:      "Total number of closed round trips",
		}),
		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "runs_total",
			Help:      "Total number of backtest runs by status",
		}, []string{"status"}),
		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backtest",
			Name:      "run_duration_seconds",
			Help:      "End-to-end backtest run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSuccessfulRun: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_run_timestamp",
			Help:      "Unix timestamp of last successful backtest run",
		}),
		LiveQuoteAge: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "live_quote_age_seconds",
			Help:      "Age of the most recent live quote in seconds",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordBarsIngested adds to the clean bars counter.
func RecordBarsIngested(n int) {
	DefaultMetrics.BarsIngested.Add(float64(n))
}

// RecordBarsRejected adds to the rejected records counter.
func RecordBarsRejected(n int) {
	DefaultMetrics.BarsRejected.Add(float64(n))
}

// RecordCOTReportsIngested adds to the COT reports counter.
func RecordCOTReportsIngested(n int) {
	DefaultMetrics.COTReportsIngested.Add(float64(n))
}

// RecordFetchError records a fetch failure for a source.
func RecordFetchError(source, reason string) {
	DefaultMetrics.FetchErrors.WithLabelValues(source, reason).Inc()
}

// RecordFeatureRowsBuilt adds to the feature rows counter.
func RecordFeatureRowsBuilt(n int) {
	DefaultMetrics.FeatureRowsBuilt.Add(float64(n))
}

// RecordEstimate records one computed estimate and its latency.
func RecordEstimate(seconds float64) {
	DefaultMetrics.EstimatesComputed.Inc()
	DefaultMetrics.EstimateLatency.Observe(seconds)
}

// RecordNoSignal increments the no-estimate counter.
func RecordNoSignal() {
	DefaultMetrics.EstimatesNoSignal.Inc()
}

// RecordDecision increments the decision counter for an action.
func RecordDecision(action string) {
	DefaultMetrics.DecisionsTotal.WithLabelValues(action).Inc()
}

// RecordTradesClosed adds to the closed trades counter.
func RecordTradesClosed(n int) {
	DefaultMetrics.TradesClosed.Add(float64(n))
}

// RecordRun records a completed backtest run.
func RecordRun(status string, durationSeconds float64) {
	DefaultMetrics.RunsTotal.WithLabelValues(status).Inc()
	DefaultMetrics.RunDuration.Observe(durationSeconds)
	if status == "success" {
		DefaultMetrics.LastSuccessfulRun.SetToCurrentTime()
	}
}

// RecordEstimatesBatch adds the outcome counts of a batch estimation pass.
func RecordEstimatesBatch(computed, noSignal int) {
	DefaultMetrics.EstimatesComputed.Add(float64(computed))
	DefaultMetrics.EstimatesNoSignal.Add(float64(noSignal))
}

// RecordQuoteAge updates the live quote age gauge.
func RecordQuoteAge(seconds float64) {
	DefaultMetrics.LiveQuoteAge.Set(seconds)
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
