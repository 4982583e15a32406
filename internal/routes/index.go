// Package routes holds the set of transit routes near the surveyor and snaps
// candidate stop locations onto them.
package routes

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paradas/internal/geo"
	"github.com/sells-group/paradas/internal/resilience"
)

// ErrNoRoutesSource is returned by Load when there is neither a lookup
// service nor a usable cache entry for the requested area.
var ErrNoRoutesSource = eris.New("routes: no route source available")

// Lookup fetches the routes near a point from the route service.
type Lookup interface {
	NearbyRoutes(ctx context.Context, center geo.Coordinate) ([]geo.Route, error)
}

// Cache keeps previously fetched routes for offline use.
type Cache interface {
	Put(ctx context.Context, center geo.Coordinate, routes []geo.Route) error
	Nearest(ctx context.Context, p geo.Coordinate, radiusMeters float64) ([]geo.Route, bool, error)
}

// Option configures an Index.
type Option func(*Index)

// WithCache enables the offline fallback. Loads fall back to the cache entry
// nearest the requested center, if it lies within radiusMeters.
func WithCache(c Cache, radiusMeters float64) Option {
	return func(ix *Index) {
		ix.cache = c
		ix.cacheRadius = radiusMeters
	}
}

// WithMaxDistance sets the projection cutoff. Zero disables it.
func WithMaxDistance(meters float64) Option {
	return func(ix *Index) {
		ix.maxDistance = meters
	}
}

// Index is the current route snapshot. The snapshot stays valid until the
// next successful Load or Replace; readers always get a copy.
type Index struct {
	lookup      Lookup
	cache       Cache
	cacheRadius float64
	maxDistance float64

	mu       sync.RWMutex
	snapshot []geo.Route
	center   *geo.Coordinate
}

// NewIndex creates an empty index. lookup may be nil for offline use, in
// which case Load reads only from the cache.
func NewIndex(lookup Lookup, opts ...Option) *Index {
	ix := &Index{lookup: lookup}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// Load fetches the routes near center and makes them the current snapshot.
// An empty result is valid and clears the snapshot. When the route service
// is unreachable the nearest cached entry is used instead.
func (ix *Index) Load(ctx context.Context, center geo.Coordinate) ([]geo.Route, error) {
	if !center.Valid() {
		return nil, eris.Errorf("routes: load: invalid center %v", center)
	}

	routes, fromCache, err := ix.fetch(ctx, center)
	if err != nil {
		return nil, err
	}

	kept := ix.replace(routes, &center)

	if !fromCache && ix.cache != nil {
		if err := ix.cache.Put(ctx, center, kept); err != nil {
			zap.L().Warn("routes: cache write failed", zap.Error(err))
		}
	}

	zap.L().Debug("routes: snapshot loaded",
		zap.Float64("lat", center.Latitude),
		zap.Float64("lng", center.Longitude),
		zap.Int("routes", len(kept)),
		zap.Bool("from_cache", fromCache),
	)
	return copyRoutes(kept), nil
}

func (ix *Index) fetch(ctx context.Context, center geo.Coordinate) ([]geo.Route, bool, error) {
	var lookupErr error
	if ix.lookup != nil {
		routes, err := ix.lookup.NearbyRoutes(ctx, center)
		if err == nil {
			return routes, false, nil
		}
		if ix.cache == nil || !resilience.IsTransient(err) {
			return nil, false, eris.Wrap(err, "routes: load")
		}
		lookupErr = err
	}

	if ix.cache == nil {
		return nil, false, ErrNoRoutesSource
	}

	cached, ok, err := ix.cache.Nearest(ctx, center, ix.cacheRadius)
	if err != nil {
		return nil, false, eris.Wrap(err, "routes: read cache")
	}
	if !ok {
		if lookupErr != nil {
			return nil, false, eris.Wrap(lookupErr, "routes: load (no cached routes nearby)")
		}
		return nil, false, ErrNoRoutesSource
	}

	if lookupErr != nil {
		zap.L().Warn("routes: route service unavailable, using cached routes",
			zap.Error(lookupErr),
			zap.Int("routes", len(cached)),
		)
	}
	return cached, true, nil
}

// Replace installs routes as the snapshot without consulting the lookup,
// for routes imported from a file. It returns the number of routes kept.
func (ix *Index) Replace(routes []geo.Route) int {
	return len(ix.replace(routes, nil))
}

func (ix *Index) replace(routes []geo.Route, center *geo.Coordinate) []geo.Route {
	kept := make([]geo.Route, 0, len(routes))
	for _, r := range routes {
		if err := r.Validate(); err != nil {
			zap.L().Warn("routes: dropping invalid route", zap.String("route_id", r.ID), zap.Error(err))
			continue
		}
		kept = append(kept, r)
	}
	kept = copyRoutes(kept)

	ix.mu.Lock()
	ix.snapshot = kept
	ix.center = center
	ix.mu.Unlock()

	return kept
}

// Routes returns a copy of the current snapshot.
func (ix *Index) Routes() []geo.Route {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return copyRoutes(ix.snapshot)
}

// Center returns the point the snapshot was loaded around, if any.
func (ix *Index) Center() (geo.Coordinate, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.center == nil {
		return geo.Coordinate{}, false
	}
	return *ix.center, true
}

// Project snaps p onto the snapshot. It returns false when there are no
// routes or the nearest one is farther than the configured cutoff; the
// caller then records the stop without an interpolated location.
func (ix *Index) Project(p geo.Coordinate) (geo.Projection, bool) {
	ix.mu.RLock()
	routes := ix.snapshot
	ix.mu.RUnlock()

	proj, ok := geo.Project(p, routes)
	if !ok {
		return geo.Projection{}, false
	}
	if ix.maxDistance > 0 && proj.DistanceMeters > ix.maxDistance {
		zap.L().Debug("routes: nearest route beyond cutoff",
			zap.String("route_id", proj.RouteID),
			zap.Float64("distance_m", proj.DistanceMeters),
			zap.Float64("max_distance_m", ix.maxDistance),
		)
		return geo.Projection{}, false
	}
	return proj, true
}

func copyRoutes(routes []geo.Route) []geo.Route {
	if routes == nil {
		return nil
	}
	out := make([]geo.Route, len(routes))
	for i, r := range routes {
		out[i] = geo.Route{ID: r.ID, Points: append([]geo.Coordinate(nil), r.Points...)}
	}
	return out
}
