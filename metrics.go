/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package schemakit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label names.
const (
	MetricsLabelOperation = "operation"
	MetricsLabelDirection = "direction"
	MetricsLabelResult    = "result"
)

// Values of the result label.
const (
	MetricsResultOK    = "ok"
	MetricsResultError = "error"
)

// DefaultBatchDurationBuckets is default buckets for the migration batch duration histogram.
var DefaultBatchDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300}

// PrometheusMetricsOpts represents an options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string
	// BatchDurationBuckets is a list of buckets for the batch duration histogram.
	BatchDurationBuckets []float64
	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusMetrics represents collector of metrics for migration batches.
type PrometheusMetrics struct {
	BatchDurations *prometheus.HistogramVec
	Migrations     *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new metrics collector.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts is a more configurable version of creating PrometheusMetrics.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	buckets := opts.BatchDurationBuckets
	if buckets == nil {
		buckets = DefaultBatchDurationBuckets
	}
	batchDurations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "schema_migration_batch_duration_seconds",
			Help:        "Duration of schema migration batches.",
			Buckets:     buckets,
			ConstLabels: opts.ConstLabels,
		},
		[]string{MetricsLabelOperation, MetricsLabelResult},
	)
	migrations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "schema_migrations_total",
			Help:        "Number of schema migrations applied or reverted.",
			ConstLabels: opts.ConstLabels,
		},
		[]string{MetricsLabelDirection},
	)
	return &PrometheusMetrics{BatchDurations: batchDurations, Migrations: migrations}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.BatchDurations, pm.Migrations)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.BatchDurations)
	prometheus.Unregister(pm.Migrations)
}

// ObserveBatch records the duration and outcome of one migration batch.
// applied is the number of migrations executed in the committed batch and is
// ignored when err is not nil (the whole batch was rolled back).
func (pm *PrometheusMetrics) ObserveBatch(operation, direction string, elapsed time.Duration, applied int, err error) {
	result := MetricsResultOK
	if err != nil {
		result = MetricsResultError
	}
	pm.BatchDurations.WithLabelValues(operation, result).Observe(elapsed.Seconds())
	if err == nil && applied > 0 {
		pm.Migrations.WithLabelValues(direction).Add(float64(applied))
	}
}
