// Package store persists survey records and guards their sync-status
// transitions.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paradas/internal/model"
)

var (
	// ErrValidation is returned when a record is missing required fields or
	// carries out-of-range values. Invalid records are never queued.
	ErrValidation = eris.New("invalid record")
	// ErrNotFound is returned for operations on an unknown local id.
	ErrNotFound = eris.New("record not found")
	// ErrInvalidState is returned when a status transition or content edit is
	// not allowed from the record's current status.
	ErrInvalidState = eris.New("invalid record state")
)

// RecordFilter specifies criteria for listing records.
type RecordFilter struct {
	Statuses []model.SyncStatus `json:"statuses,omitempty"`
	Limit    int                `json:"limit,omitempty"`
}

// Store defines the durable record repository. Every status transition is a
// single conditional update, so concurrent callers can never both move the
// same record out of a given status.
type Store interface {
	// Records
	Create(ctx context.Context, rec model.Record) (string, error)
	Update(ctx context.Context, localID string, patch model.Patch) error
	Get(ctx context.Context, localID string) (*model.Record, error)
	List(ctx context.Context, filter RecordFilter) ([]model.Record, error)
	ListAll(ctx context.Context) ([]model.Record, error)
	ListQueue(ctx context.Context) ([]model.Record, error)
	PendingCount(ctx context.Context) (int, error)

	// Sync transitions
	MarkSyncing(ctx context.Context, localID string) error
	MarkSynced(ctx context.Context, localID, remoteID string) error
	MarkFailed(ctx context.Context, localID, reason string) error
	ReconcileStale(ctx context.Context, exclude []string, reason string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// queuedStatuses are the statuses that make up the sync queue.
var queuedStatuses = []model.SyncStatus{model.SyncStatusPending, model.SyncStatusFailed}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool { return eris.Is(err, ErrNotFound) }

// IsInvalidState reports whether err is (or wraps) ErrInvalidState.
func IsInvalidState(err error) bool { return eris.Is(err, ErrInvalidState) }

// IsValidation reports whether err is (or wraps) ErrValidation.
func IsValidation(err error) bool { return eris.Is(err, ErrValidation) }
