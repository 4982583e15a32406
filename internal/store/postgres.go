package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/paradas/internal/db"
	"github.com/sells-group/paradas/internal/model"
)

// PostgresStore implements Store on Postgres for shared field stations that
// collect records from several devices into one queue.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgres connects to Postgres and returns a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	seq          BIGSERIAL,
	local_id     TEXT PRIMARY KEY,
	remote_id    TEXT,
	surveyor_id  TEXT NOT NULL DEFAULT '',
	address      TEXT NOT NULL DEFAULT '',
	raw_lat      DOUBLE PRECISION NOT NULL,
	raw_lng      DOUBLE PRECISION NOT NULL,
	interp_lat   DOUBLE PRECISION,
	interp_lng   DOUBLE PRECISION,
	attributes   JSONB NOT NULL,
	visited_at   TIMESTAMPTZ NOT NULL,
	sync_status  TEXT NOT NULL DEFAULT 'pending',
	last_error   TEXT,
	attempts     INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT records_remote_id_synced CHECK ((sync_status = 'synced') = (remote_id IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_records_status_created ON records(sync_status, created_at);
CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at, seq);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rec model.Record) (string, error) {
	if err := validateRecord(&rec); err != nil {
		return "", err
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal attributes")
	}
	ilat, ilng := interpolatedArgs(rec)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (local_id, surveyor_id, address, raw_lat, raw_lng, interp_lat, interp_lng,
		                      attributes, visited_at, sync_status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		id, rec.SurveyorID, rec.Address, rec.RawLocation.Latitude, rec.RawLocation.Longitude,
		ilat, ilng, attrs, rec.VisitedAt.UTC(), string(model.SyncStatusPending), now, now,
	)
	if err != nil {
		return "", eris.Wrap(err, "postgres: insert record")
	}
	return id, nil
}

func (s *PostgresStore) Update(ctx context.Context, localID string, patch model.Patch) error {
	rec, err := s.Get(ctx, localID)
	if err != nil {
		return err
	}
	if rec == nil {
		return eris.Wrapf(ErrNotFound, "postgres: update %s", localID)
	}
	if patch.Empty() {
		return nil
	}
	if !rec.SyncStatus.Editable() {
		return eris.Wrapf(ErrInvalidState, "postgres: update %s while %s", localID, rec.SyncStatus)
	}

	patch.Apply(rec)
	if err := validateRecord(rec); err != nil {
		return err
	}

	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attributes")
	}
	ilat, ilng := interpolatedArgs(*rec)

	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET address = $1, raw_lat = $2, raw_lng = $3, interp_lat = $4, interp_lng = $5,
		        attributes = $6, visited_at = $7, sync_status = 'pending', last_error = NULL, updated_at = $8
		 WHERE local_id = $9 AND sync_status IN ('pending', 'failed')`,
		rec.Address, rec.RawLocation.Latitude, rec.RawLocation.Longitude, ilat, ilng,
		attrs, rec.VisitedAt.UTC(), time.Now().UTC(), localID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s", localID)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), localID, "update")
}

func (s *PostgresStore) Get(ctx context.Context, localID string) (*model.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE local_id = $1`, localID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", localID)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE 1=1`
	var args []any

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		query += ` AND sync_status = ANY($1)`
	}
	query += ` ORDER BY created_at ASC, seq ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		if len(args) == 1 {
			query += ` LIMIT $1`
		} else {
			query += ` LIMIT $2`
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var recs []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		recs = append(recs, *r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]model.Record, error) {
	return s.List(ctx, RecordFilter{})
}

func (s *PostgresStore) ListQueue(ctx context.Context) ([]model.Record, error) {
	return s.List(ctx, RecordFilter{Statuses: queuedStatuses})
}

func (s *PostgresStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM records WHERE sync_status IN ('pending', 'failed')`,
	).Scan(&n)
	return n, eris.Wrap(err, "postgres: pending count")
}

func (s *PostgresStore) MarkSyncing(ctx context.Context, localID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET sync_status = 'syncing', attempts = attempts + 1, updated_at = $1
		 WHERE local_id = $2 AND sync_status IN ('pending', 'failed')`,
		time.Now().UTC(), localID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark syncing %s", localID)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), localID, "mark syncing")
}

func (s *PostgresStore) MarkSynced(ctx context.Context, localID, remoteID string) error {
	if remoteID == "" {
		return eris.Wrapf(ErrValidation, "postgres: mark synced %s: empty remote id", localID)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET sync_status = 'synced', remote_id = $1, last_error = NULL, updated_at = $2
		 WHERE local_id = $3 AND sync_status = 'syncing'`,
		remoteID, time.Now().UTC(), localID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark synced %s", localID)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), localID, "mark synced")
}

func (s *PostgresStore) MarkFailed(ctx context.Context, localID, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET sync_status = 'failed', last_error = $1, updated_at = $2
		 WHERE local_id = $3 AND sync_status = 'syncing'`,
		reason, time.Now().UTC(), localID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark failed %s", localID)
	}
	return s.checkTransition(ctx, tag.RowsAffected(), localID, "mark failed")
}

func (s *PostgresStore) ReconcileStale(ctx context.Context, exclude []string, reason string) (int, error) {
	if exclude == nil {
		exclude = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET sync_status = 'failed', last_error = $1, updated_at = $2
		 WHERE sync_status = 'syncing' AND NOT (local_id = ANY($3))`,
		reason, time.Now().UTC(), exclude,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reconcile stale")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) checkTransition(ctx context.Context, affected int64, localID, op string) error {
	if affected > 0 {
		return nil
	}

	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT sync_status FROM records WHERE local_id = $1`, localID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: %s %s", op, localID)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: %s %s", op, localID)
	}
	return eris.Wrapf(ErrInvalidState, "postgres: %s %s while %s", op, localID, status)
}
