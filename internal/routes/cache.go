package routes

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/paradas/internal/geo"
)

// Cache entry sources.
const (
	SourceRemote    = "remote"
	SourceShapefile = "shapefile"
)

// metersPerDegree is the length of one degree of latitude on the mean sphere.
const metersPerDegree = 111195.08

// SQLiteCache stores fetched routes in the route_cache table. Each entry has
// an extent: a remote lookup's extent is just the center it was requested
// for, while an imported file covers the bounding box of its lines.
type SQLiteCache struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLiteCache wraps an open SQLite handle, normally the record store's.
func NewSQLiteCache(db *sql.DB) *SQLiteCache {
	return &SQLiteCache{db: db, nowFunc: time.Now}
}

// OpenSQLiteCache opens a dedicated cache database, used when records live in
// Postgres.
func OpenSQLiteCache(dsn string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "route cache: open")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "route cache: set busy_timeout")
	}
	db.SetMaxOpenConns(1)
	return NewSQLiteCache(db), nil
}

const cacheMigration = `
CREATE TABLE IF NOT EXISTS route_cache (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	source      TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	min_lat     REAL NOT NULL,
	min_lng     REAL NOT NULL,
	max_lat     REAL NOT NULL,
	max_lng     REAL NOT NULL,
	route_ids   TEXT NOT NULL,
	geom        BLOB NOT NULL,
	fetched_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_route_cache_lat ON route_cache(min_lat, max_lat);
`

// Migrate creates the route_cache table.
func (c *SQLiteCache) Migrate(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, cacheMigration)
	return eris.Wrap(err, "route cache: migrate")
}

// Close closes the underlying handle.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

// Put records the result of a remote lookup around center, replacing any
// earlier entry for the same center. An empty result is cached too: it is a
// valid answer for that area.
func (c *SQLiteCache) Put(ctx context.Context, center geo.Coordinate, routes []geo.Route) error {
	ext := extent{min: center, max: center}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "route cache: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM route_cache WHERE source = ? AND min_lat = ? AND min_lng = ? AND max_lat = ? AND max_lng = ?`,
		SourceRemote, ext.min.Latitude, ext.min.Longitude, ext.max.Latitude, ext.max.Longitude,
	); err != nil {
		return eris.Wrap(err, "route cache: delete previous entry")
	}
	if err := c.insert(ctx, tx, SourceRemote, "", ext, routes); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "route cache: commit")
}

// Import stores routes loaded from a file under name, replacing an earlier
// import with the same name. It returns the number of routes stored.
func (c *SQLiteCache) Import(ctx context.Context, name string, routes []geo.Route) (int, error) {
	ext, ok := boundsOf(routes)
	if !ok {
		return 0, eris.Errorf("route cache: import %s: no routes", name)
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "route cache: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM route_cache WHERE source = ? AND name = ?`, SourceShapefile, name,
	); err != nil {
		return 0, eris.Wrap(err, "route cache: delete previous import")
	}
	if err := c.insert(ctx, tx, SourceShapefile, name, ext, routes); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "route cache: commit")
	}
	return len(routes), nil
}

func (c *SQLiteCache) insert(ctx context.Context, tx *sql.Tx, source, name string, ext extent, routes []geo.Route) error {
	blob, err := EncodeRoutes(routes)
	if err != nil {
		return err
	}
	ids := make([]string, len(routes))
	for i, r := range routes {
		ids[i] = r.ID
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return eris.Wrap(err, "route cache: marshal route ids")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO route_cache (source, name, min_lat, min_lng, max_lat, max_lng, route_ids, geom, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		source, name, ext.min.Latitude, ext.min.Longitude, ext.max.Latitude, ext.max.Longitude,
		string(idsJSON), blob, c.nowFunc().UTC(),
	)
	return eris.Wrap(err, "route cache: insert")
}

// Nearest returns the routes of the entry whose extent is closest to p,
// provided it is within radiusMeters. Ties go to the most recent entry.
func (c *SQLiteCache) Nearest(ctx context.Context, p geo.Coordinate, radiusMeters float64) ([]geo.Route, bool, error) {
	dLat := radiusMeters / metersPerDegree
	dLng := 180.0
	if cos := math.Cos(p.Latitude * math.Pi / 180); cos > 1e-9 {
		dLng = math.Min(180, dLat/cos)
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT min_lat, min_lng, max_lat, max_lng, route_ids, geom
		 FROM route_cache
		 WHERE min_lat <= ? AND max_lat >= ? AND min_lng <= ? AND max_lng >= ?
		 ORDER BY fetched_at DESC, id DESC`,
		p.Latitude+dLat, p.Latitude-dLat, p.Longitude+dLng, p.Longitude-dLng,
	)
	if err != nil {
		return nil, false, eris.Wrap(err, "route cache: query")
	}
	defer rows.Close() //nolint:errcheck

	var (
		best     = math.Inf(1)
		bestIDs  string
		bestGeom []byte
		found    bool
	)
	for rows.Next() {
		var (
			ext  extent
			ids  string
			blob []byte
		)
		if err := rows.Scan(&ext.min.Latitude, &ext.min.Longitude, &ext.max.Latitude, &ext.max.Longitude, &ids, &blob); err != nil {
			return nil, false, eris.Wrap(err, "route cache: scan")
		}
		d := ext.distance(p)
		if d <= radiusMeters && d < best {
			best, bestIDs, bestGeom, found = d, ids, blob, true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, false, eris.Wrap(err, "route cache: iterate")
	}
	if !found {
		return nil, false, nil
	}

	var ids []string
	if err := json.Unmarshal([]byte(bestIDs), &ids); err != nil {
		return nil, false, eris.Wrap(err, "route cache: unmarshal route ids")
	}
	routes, err := DecodeRoutes(bestGeom, ids)
	if err != nil {
		return nil, false, err
	}
	return routes, true, nil
}

// Count returns the number of cached entries.
func (c *SQLiteCache) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM route_cache`).Scan(&n)
	return n, eris.Wrap(err, "route cache: count")
}

type extent struct {
	min, max geo.Coordinate
}

// distance is zero inside the extent and the great-circle distance to its
// closest edge outside it.
func (e extent) distance(p geo.Coordinate) float64 {
	q := geo.Coordinate{
		Latitude:  math.Max(e.min.Latitude, math.Min(p.Latitude, e.max.Latitude)),
		Longitude: math.Max(e.min.Longitude, math.Min(p.Longitude, e.max.Longitude)),
	}
	return geo.Haversine(p, q)
}

func boundsOf(routes []geo.Route) (extent, bool) {
	var (
		ext   extent
		found bool
	)
	for _, r := range routes {
		for _, p := range r.Points {
			if !found {
				ext = extent{min: p, max: p}
				found = true
				continue
			}
			ext.min.Latitude = math.Min(ext.min.Latitude, p.Latitude)
			ext.min.Longitude = math.Min(ext.min.Longitude, p.Longitude)
			ext.max.Latitude = math.Max(ext.max.Latitude, p.Latitude)
			ext.max.Longitude = math.Max(ext.max.Longitude, p.Longitude)
		}
	}
	return ext, found
}
