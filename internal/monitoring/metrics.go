// Package monitoring exposes sync metrics and watches the health of the local
// record queue.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sells-group/paradas/internal/model"
	"github.com/sells-group/paradas/internal/resilience"
)

var (
	// syncRecordsTotal counts per-record sync outcomes
	syncRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paradas_sync_records_total",
		Help: "Records processed by the sync engine, by result",
	}, []string{"result"})

	// syncUpsertDuration tracks remote upsert latency, retries included
	syncUpsertDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paradas_sync_upsert_duration_seconds",
		Help:    "Remote upsert duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
	}, []string{"class"})

	syncRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paradas_sync_retries_total",
		Help: "Remote upsert retries after a transient failure",
	})

	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paradas_sync_runs_total",
		Help: "Sync runs, by outcome",
	}, []string{"outcome"})

	// recordsByStatus is refreshed by the Collector
	recordsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "paradas_records",
		Help: "Local records by sync status",
	}, []string{"status"})

	circuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paradas_circuit_state",
		Help: "Remote circuit breaker state (0 closed, 1 open, 2 half-open)",
	})
)

// Sync record results.
const (
	ResultSucceeded = "succeeded"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
)

// SyncMetrics records sync engine activity in the process-wide registry.
type SyncMetrics struct{}

// RecordResult counts one record outcome.
func (SyncMetrics) RecordResult(result string) {
	syncRecordsTotal.WithLabelValues(result).Inc()
}

// UpsertDuration observes one remote upsert, labelled by error class.
func (SyncMetrics) UpsertDuration(d time.Duration, err error) {
	class := "ok"
	if err != nil {
		class = string(resilience.ClassifyError(err))
	}
	syncUpsertDuration.WithLabelValues(class).Observe(d.Seconds())
}

// Retry counts one retry.
func (SyncMetrics) Retry() {
	syncRetriesTotal.Inc()
}

// RunFinished counts a completed or interrupted run.
func (SyncMetrics) RunFinished(err error) {
	outcome := "completed"
	if err != nil {
		outcome = "interrupted"
	}
	syncRunsTotal.WithLabelValues(outcome).Inc()
}

// SetCircuitState publishes the breaker state. It fits
// resilience.CircuitBreakerConfig.OnStateChange.
func SetCircuitState(_, to resilience.CircuitState) {
	circuitState.Set(float64(to))
}

// publishCounts sets the per-status gauges.
func publishCounts(counts map[model.SyncStatus]int) {
	for _, s := range []model.SyncStatus{
		model.SyncStatusPending,
		model.SyncStatusSyncing,
		model.SyncStatusSynced,
		model.SyncStatusFailed,
	} {
		recordsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
