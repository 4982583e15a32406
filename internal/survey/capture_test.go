package survey

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/paradas/internal/geo"
	"github.com/sells-group/paradas/internal/model"
	"github.com/sells-group/paradas/internal/routes"
	"github.com/sells-group/paradas/internal/store"
	"github.com/sells-group/paradas/pkg/geocode"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type stubLookup struct {
	routes []geo.Route
	err    error
	calls  atomic.Int32
}

func (s *stubLookup) NearbyRoutes(context.Context, geo.Coordinate) ([]geo.Route, error) {
	s.calls.Add(1)
	return s.routes, s.err
}

type stubGeocoder struct {
	addr *geocode.Address
	err  error
	lat  float64
}

func (s *stubGeocoder) Reverse(_ context.Context, lat, _ float64) (*geocode.Address, error) {
	s.lat = lat
	return s.addr, s.err
}

// eixo runs east-west along latitude -15.8.
var eixo = geo.Route{ID: "0.110", Points: []geo.Coordinate{
	{Latitude: -15.8, Longitude: -47.90},
	{Latitude: -15.8, Longitude: -47.88},
}}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "paradas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestCapture_SnapsOntoRoute(t *testing.T) {
	st := newTestStore(t)
	lookup := &stubLookup{routes: []geo.Route{eixo}}
	ix := routes.NewIndex(lookup, routes.WithMaxDistance(50))
	c := NewCapturer(st, ix, "surveyor-1")

	// About 22 m north of the route.
	p := geo.Coordinate{Latitude: -15.7998, Longitude: -47.89}
	res, err := c.Capture(context.Background(), Input{
		Location:  p,
		Address:   "Eixo Monumental",
		Attrs:     model.Attributes{Ramp: true},
		VisitedAt: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	require.NotNil(t, res.Projection)
	assert.Equal(t, "0.110", res.Projection.RouteID)
	assert.InDelta(t, 22.2, res.Projection.DistanceMeters, 0.5)

	rec := res.Record
	assert.NotEmpty(t, rec.LocalID)
	assert.Equal(t, "surveyor-1", rec.SurveyorID)
	assert.Equal(t, model.SyncStatusPending, rec.SyncStatus)
	assert.Equal(t, p, rec.RawLocation)
	require.NotNil(t, rec.InterpolatedLocation)
	assert.InDelta(t, -15.8, rec.InterpolatedLocation.Latitude, 1e-9)
	assert.InDelta(t, -47.89, rec.InterpolatedLocation.Longitude, 1e-9)
	assert.True(t, rec.Attributes.Ramp)

	n, err := st.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCapture_BeyondCutoffHasNoRoute(t *testing.T) {
	st := newTestStore(t)
	ix := routes.NewIndex(&stubLookup{routes: []geo.Route{eixo}}, routes.WithMaxDistance(50))
	c := NewCapturer(st, ix, "surveyor-1")

	// About 1.1 km north of the route.
	res, err := c.Capture(context.Background(), Input{
		Location: geo.Coordinate{Latitude: -15.79, Longitude: -47.89},
		Address:  "SHN",
	})
	require.NoError(t, err)
	assert.Nil(t, res.Projection)
	assert.Nil(t, res.Record.InterpolatedLocation)
	assert.False(t, res.Record.VisitedAt.IsZero())
}

func TestCapture_NoRouteSkipsLookup(t *testing.T) {
	st := newTestStore(t)
	lookup := &stubLookup{routes: []geo.Route{eixo}}
	c := NewCapturer(st, routes.NewIndex(lookup), "surveyor-1")

	res, err := c.Capture(context.Background(), Input{
		Location: geo.Coordinate{Latitude: -15.8, Longitude: -47.89},
		Address:  "Eixo",
		NoRoute:  true,
	})
	require.NoError(t, err)
	assert.Nil(t, res.Record.InterpolatedLocation)
	assert.Zero(t, lookup.calls.Load())
}

func TestCapture_RouteServiceDownStillStores(t *testing.T) {
	st := newTestStore(t)
	lookup := &stubLookup{err: errors.New("dial tcp: connection refused")}
	c := NewCapturer(st, routes.NewIndex(lookup), "surveyor-1")

	res, err := c.Capture(context.Background(), Input{
		Location: geo.Coordinate{Latitude: -15.8, Longitude: -47.89},
		Address:  "Eixo",
	})
	require.NoError(t, err)
	assert.Nil(t, res.Projection)
	assert.Nil(t, res.Record.InterpolatedLocation)
}

func TestCapture_ReusesSnapshotNearby(t *testing.T) {
	st := newTestStore(t)
	lookup := &stubLookup{routes: []geo.Route{eixo}}
	c := NewCapturer(st, routes.NewIndex(lookup), "surveyor-1", WithReloadDistance(500))

	for _, lng := range []float64{-47.890, -47.891, -47.8905} {
		_, err := c.Capture(context.Background(), Input{
			Location: geo.Coordinate{Latitude: -15.8001, Longitude: lng},
			Address:  "Eixo",
		})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), lookup.calls.Load())

	// 5 km away triggers a reload.
	_, err := c.Capture(context.Background(), Input{
		Location: geo.Coordinate{Latitude: -15.8451, Longitude: -47.89},
		Address:  "Park Way",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), lookup.calls.Load())
}

func TestCapture_GeocodesSnappedPoint(t *testing.T) {
	st := newTestStore(t)
	gc := &stubGeocoder{addr: &geocode.Address{Road: "Eixo Monumental", City: "Brasília"}}
	c := NewCapturer(st, routes.NewIndex(&stubLookup{routes: []geo.Route{eixo}}), "surveyor-1", WithGeocoder(gc))

	res, err := c.Capture(context.Background(), Input{Location: geo.Coordinate{Latitude: -15.7999, Longitude: -47.89}})
	require.NoError(t, err)
	assert.Equal(t, "Eixo Monumental, Brasília", res.Record.Address)
	assert.InDelta(t, -15.8, gc.lat, 1e-9)
}

func TestCapture_GeocodeFailureIsNotFatal(t *testing.T) {
	st := newTestStore(t)
	gc := &stubGeocoder{err: errors.New("nominatim: status 503")}
	c := NewCapturer(st, nil, "surveyor-1", WithGeocoder(gc))

	res, err := c.Capture(context.Background(), Input{Location: geo.Coordinate{Latitude: -15.8, Longitude: -47.89}})
	require.NoError(t, err)
	assert.Equal(t, geocode.Unavailable, res.Record.Address)
}

func TestCapture_RequiresSurveyor(t *testing.T) {
	c := NewCapturer(newTestStore(t), nil, "")
	_, err := c.Capture(context.Background(), Input{Location: geo.Coordinate{Latitude: -15.8, Longitude: -47.89}})
	assert.ErrorIs(t, err, ErrNotLoggedIn)
}

func TestCapture_InvalidLocation(t *testing.T) {
	c := NewCapturer(newTestStore(t), routes.NewIndex(&stubLookup{}), "surveyor-1")

	_, err := c.Capture(context.Background(), Input{Location: geo.Coordinate{Latitude: 91, Longitude: 0}})
	assert.True(t, store.IsValidation(err))

	_, err = c.Capture(context.Background(), Input{Location: geo.Coordinate{}, NoRoute: true})
	assert.True(t, store.IsValidation(err))
}

func TestRelocate(t *testing.T) {
	c := NewCapturer(newTestStore(t), routes.NewIndex(&stubLookup{routes: []geo.Route{eixo}}), "surveyor-1")

	p := geo.Coordinate{Latitude: -15.7999, Longitude: -47.885}
	patch, proj, err := c.Relocate(context.Background(), p, false)
	require.NoError(t, err)
	require.NotNil(t, proj)
	require.NotNil(t, patch.InterpolatedLocation)
	assert.False(t, patch.ClearInterpolated)
	assert.Equal(t, p, *patch.RawLocation)

	patch, proj, err = c.Relocate(context.Background(), p, true)
	require.NoError(t, err)
	assert.Nil(t, proj)
	assert.True(t, patch.ClearInterpolated)
	assert.Nil(t, patch.InterpolatedLocation)
}
