// Package dbmetrics exposes Prometheus instrumentation for the engine.
package dbmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction metrics
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydb_transactions_total",
			Help: "Total number of transactions by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	TransactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaydb_transaction_duration_seconds",
			Help:    "Transaction lifetime from open to commit/rollback",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Foreign-key metrics
	ForeignKeyChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydb_fk_checks_total",
			Help: "Total number of foreign-key checks by kind and verdict",
		},
		[]string{"kind", "verdict"},
	)

	// Cursor metrics
	CursorRecordsScanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydb_cursor_records_scanned_total",
			Help: "Total number of records visited by cursor scans",
		},
		[]string{"collection"},
	)

	// Relation resolver metrics
	RelationResolveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaydb_relation_resolve_duration_seconds",
			Help:    "Time taken to resolve a single relation edge",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"relation"},
	)

	// Selector metrics
	SelectorRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydb_selector_refreshes_total",
			Help: "Total number of selector refresh evaluations by outcome",
		},
		[]string{"selector", "outcome"},
	)

	SelectorRefreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaydb_selector_refresh_duration_seconds",
			Help:    "Selector refresh evaluation duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"selector"},
	)

	// Cross-tab relay metrics
	TabRelayMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydb_tab_relay_messages_total",
			Help: "Total number of cross-tab messages relayed by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		TransactionsTotal,
		TransactionDuration,
		ForeignKeyChecksTotal,
		CursorRecordsScanned,
		RelationResolveDuration,
		SelectorRefreshesTotal,
		SelectorRefreshDuration,
		TabRelayMessagesTotal,
	)
}

// Handler returns the Prometheus HTTP scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
