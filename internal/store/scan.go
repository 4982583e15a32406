package store

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paradas/internal/geo"
	"github.com/sells-group/paradas/internal/model"
)

// scannable is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanRecord reads one row selected with recordColumns. Scan errors are
// returned unwrapped so callers can match sql.ErrNoRows / pgx.ErrNoRows.
func scanRecord(row scannable) (*model.Record, error) {
	var (
		r          model.Record
		remoteID   *string
		lastError  *string
		ilat, ilng *float64
		attrs      []byte
		status     string
		visitedAt  time.Time
	)

	err := row.Scan(
		&r.LocalID, &remoteID, &r.SurveyorID, &r.Address,
		&r.RawLocation.Latitude, &r.RawLocation.Longitude, &ilat, &ilng,
		&attrs, &visitedAt, &status, &lastError, &r.Attempts, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &r.Attributes); err != nil {
			return nil, eris.Wrap(err, "unmarshal attributes")
		}
	}
	if ilat != nil && ilng != nil {
		r.InterpolatedLocation = &geo.Coordinate{Latitude: *ilat, Longitude: *ilng}
	}
	r.RemoteID = remoteID
	r.LastError = lastError
	r.SyncStatus = model.SyncStatus(status)
	r.VisitedAt = visitedAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

// interpolatedArgs returns the nullable interpolated columns for a write.
func interpolatedArgs(rec model.Record) (any, any) {
	if rec.InterpolatedLocation == nil {
		return nil, nil
	}
	return rec.InterpolatedLocation.Latitude, rec.InterpolatedLocation.Longitude
}
