package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/paradas/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// device-local backend and survives process restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Pragmas are per connection; keep a single one so they always apply.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying handle so the route cache can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	local_id     TEXT PRIMARY KEY,
	remote_id    TEXT,
	surveyor_id  TEXT NOT NULL DEFAULT '',
	address      TEXT NOT NULL DEFAULT '',
	raw_lat      REAL NOT NULL,
	raw_lng      REAL NOT NULL,
	interp_lat   REAL,
	interp_lng   REAL,
	attributes   TEXT NOT NULL,
	visited_at   DATETIME NOT NULL,
	sync_status  TEXT NOT NULL DEFAULT 'pending',
	last_error   TEXT,
	attempts     INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	CHECK ((sync_status = 'synced') = (remote_id IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_records_status_created ON records(sync_status, created_at);
CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const recordColumns = `local_id, remote_id, surveyor_id, address, raw_lat, raw_lng, interp_lat, interp_lng,
	attributes, visited_at, sync_status, last_error, attempts, created_at, updated_at`

func (s *SQLiteStore) Create(ctx context.Context, rec model.Record) (string, error) {
	if err := validateRecord(&rec); err != nil {
		return "", err
	}

	id := uuid.New().String()
	now := time.Now().UTC()

	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal attributes")
	}
	ilat, ilng := interpolatedArgs(rec)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`)
		 VALUES (?, NULL, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, ?, ?)`,
		id, rec.SurveyorID, rec.Address,
		rec.RawLocation.Latitude, rec.RawLocation.Longitude, ilat, ilng,
		string(attrs), rec.VisitedAt.UTC(), string(model.SyncStatusPending), now, now,
	)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: insert record")
	}
	return id, nil
}

func (s *SQLiteStore) Update(ctx context.Context, localID string, patch model.Patch) error {
	rec, err := s.Get(ctx, localID)
	if err != nil {
		return err
	}
	if rec == nil {
		return eris.Wrapf(ErrNotFound, "sqlite: update %s", localID)
	}
	if patch.Empty() {
		return nil
	}
	if !rec.SyncStatus.Editable() {
		return eris.Wrapf(ErrInvalidState, "sqlite: update %s while %s", localID, rec.SyncStatus)
	}

	patch.Apply(rec)
	if err := validateRecord(rec); err != nil {
		return err
	}

	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attributes")
	}
	ilat, ilng := interpolatedArgs(*rec)

	// An edited record re-enters the queue as pending. The status guard keeps
	// the edit from landing on a record the sync engine just claimed.
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET address = ?, raw_lat = ?, raw_lng = ?, interp_lat = ?, interp_lng = ?,
		        attributes = ?, visited_at = ?, sync_status = 'pending', last_error = NULL, updated_at = ?
		 WHERE local_id = ? AND sync_status IN ('pending', 'failed')`,
		rec.Address, rec.RawLocation.Latitude, rec.RawLocation.Longitude, ilat, ilng,
		string(attrs), rec.VisitedAt.UTC(), time.Now().UTC(), localID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", localID)
	}
	return s.checkTransition(ctx, res, localID, "update")
}

func (s *SQLiteStore) Get(ctx context.Context, localID string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE local_id = ?`, localID)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", localID)
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE 1=1`
	var args []any

	if len(filter.Statuses) > 0 {
		query += ` AND sync_status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC, rowid ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var recs []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		recs = append(recs, *r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]model.Record, error) {
	return s.List(ctx, RecordFilter{})
}

func (s *SQLiteStore) ListQueue(ctx context.Context) ([]model.Record, error) {
	return s.List(ctx, RecordFilter{Statuses: queuedStatuses})
}

func (s *SQLiteStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE sync_status IN ('pending', 'failed')`,
	).Scan(&n)
	return n, eris.Wrap(err, "sqlite: pending count")
}

func (s *SQLiteStore) MarkSyncing(ctx context.Context, localID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET sync_status = 'syncing', attempts = attempts + 1, updated_at = ?
		 WHERE local_id = ? AND sync_status IN ('pending', 'failed')`,
		time.Now().UTC(), localID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark syncing %s", localID)
	}
	return s.checkTransition(ctx, res, localID, "mark syncing")
}

func (s *SQLiteStore) MarkSynced(ctx context.Context, localID, remoteID string) error {
	if remoteID == "" {
		return eris.Wrapf(ErrValidation, "sqlite: mark synced %s: empty remote id", localID)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET sync_status = 'synced', remote_id = ?, last_error = NULL, updated_at = ?
		 WHERE local_id = ? AND sync_status = 'syncing'`,
		remoteID, time.Now().UTC(), localID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark synced %s", localID)
	}
	return s.checkTransition(ctx, res, localID, "mark synced")
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, localID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET sync_status = 'failed', last_error = ?, updated_at = ?
		 WHERE local_id = ? AND sync_status = 'syncing'`,
		reason, time.Now().UTC(), localID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark failed %s", localID)
	}
	return s.checkTransition(ctx, res, localID, "mark failed")
}

func (s *SQLiteStore) ReconcileStale(ctx context.Context, exclude []string, reason string) (int, error) {
	query := `UPDATE records SET sync_status = 'failed', last_error = ?, updated_at = ?
	          WHERE sync_status = 'syncing'`
	args := []any{reason, time.Now().UTC()}
	if len(exclude) > 0 {
		query += ` AND local_id NOT IN (` + placeholders(len(exclude)) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reconcile stale")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// checkTransition turns a zero-row conditional update into ErrNotFound or
// ErrInvalidState depending on whether the record exists.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, localID, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx,
		`SELECT sync_status FROM records WHERE local_id = ?`, localID,
	).Scan(&status)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", op, localID)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: %s %s", op, localID)
	}
	return eris.Wrapf(ErrInvalidState, "sqlite: %s %s while %s", op, localID, status)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
