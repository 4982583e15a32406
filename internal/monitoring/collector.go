package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paradas/internal/model"
)

// MetricsSnapshot holds a point-in-time view of the local queue.
type MetricsSnapshot struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`

	// FailRate is failed / (synced + failed).
	FailRate float64 `json:"fail_rate"`

	// OldestQueuedAt is the creation time of the oldest pending or failed
	// record; nil when the queue is empty.
	OldestQueuedAt *time.Time `json:"oldest_queued_at,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// Queued returns the number of records waiting to be pushed.
func (s *MetricsSnapshot) Queued() int {
	return s.Pending + s.Failed
}

// RecordLister is the part of store.Store the collector needs.
type RecordLister interface {
	ListAll(ctx context.Context) ([]model.Record, error)
}

// Collector gathers queue metrics from the record store.
type Collector struct {
	store   RecordLister
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st RecordLister) *Collector {
	return &Collector{store: st, nowFunc: time.Now}
}

// Collect counts records by status and refreshes the status gauges.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	recs, err := c.store.ListAll(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list records")
	}

	snap := &MetricsSnapshot{
		Total:       len(recs),
		CollectedAt: c.nowFunc().UTC(),
	}
	counts := make(map[model.SyncStatus]int, 4)
	for i := range recs {
		r := &recs[i]
		counts[r.SyncStatus]++
		if r.SyncStatus.Queued() && (snap.OldestQueuedAt == nil || r.CreatedAt.Before(*snap.OldestQueuedAt)) {
			created := r.CreatedAt
			snap.OldestQueuedAt = &created
		}
	}

	snap.Pending = counts[model.SyncStatusPending]
	snap.Syncing = counts[model.SyncStatusSyncing]
	snap.Synced = counts[model.SyncStatusSynced]
	snap.Failed = counts[model.SyncStatusFailed]
	if finished := snap.Synced + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}

	publishCounts(counts)
	return snap, nil
}
