package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/paradas/internal/geo"
	"github.com/sells-group/paradas/internal/model"
	"github.com/sells-group/paradas/internal/resilience"
	"github.com/sells-group/paradas/internal/routes"
	"github.com/sells-group/paradas/internal/store"
	"github.com/sells-group/paradas/internal/survey"
	"github.com/sells-group/paradas/internal/syncer"
	"github.com/sells-group/paradas/pkg/remote"
)

type stubLookup struct{ routes []geo.Route }

func (s stubLookup) NearbyRoutes(context.Context, geo.Coordinate) ([]geo.Route, error) {
	return s.routes, nil
}

type stubGateway struct {
	mu    sync.Mutex
	byKey map[string]string
}

func (g *stubGateway) Upsert(_ context.Context, p remote.Payload) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byKey[p.LocalID]
	if !ok {
		id = fmt.Sprintf("R-%d", len(g.byKey)+1)
		g.byKey[p.LocalID] = id
	}
	return id, nil
}

var testRoute = geo.Route{ID: "0.110", Points: []geo.Coordinate{
	{Latitude: -15.8, Longitude: -47.90},
	{Latitude: -15.8, Longitude: -47.88},
}}

func newTestEnv(t *testing.T, withEngine bool) *appEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "paradas.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	cache := routes.NewSQLiteCache(st.DB())
	require.NoError(t, cache.Migrate(ctx))

	ix := routes.NewIndex(stubLookup{routes: []geo.Route{testRoute}},
		routes.WithCache(cache, 500),
		routes.WithMaxDistance(50),
	)

	env := &appEnv{
		Store:    st,
		Cache:    cache,
		Index:    ix,
		Capturer: survey.NewCapturer(st, ix, "surveyor-1"),
	}
	if withEngine {
		env.Engine = syncer.NewEngine(st, &stubGateway{byKey: make(map[string]string)},
			syncer.WithRetry(resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond}),
		)
	}
	t.Cleanup(env.Close)
	return env
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func createRecord(t *testing.T, h http.Handler, lat, lng float64) model.Record {
	t.Helper()
	rr := doJSON(t, h, http.MethodPost, "/records", map[string]any{
		"location":   map[string]float64{"latitude": lat, "longitude": lng},
		"address":    "Eixo Monumental",
		"attributes": map[string]any{"ramp": true},
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var res survey.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	return res.Record
}

func TestRouter_Health(t *testing.T) {
	h := buildRouter(newTestEnv(t, false))

	rr := doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_CreateAndGetRecord(t *testing.T) {
	h := buildRouter(newTestEnv(t, false))

	rec := createRecord(t, h, -15.7999, -47.89)
	assert.Equal(t, model.SyncStatusPending, rec.SyncStatus)
	require.NotNil(t, rec.InterpolatedLocation)
	assert.InDelta(t, -15.8, rec.InterpolatedLocation.Latitude, 1e-9)

	rr := doJSON(t, h, http.MethodGet, "/records/"+rec.LocalID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got model.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, rec.LocalID, got.LocalID)
	assert.True(t, got.Attributes.Ramp)

	rr = doJSON(t, h, http.MethodGet, "/records/pending-count", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"pending":1}`, rr.Body.String())
}

func TestRouter_CreateRecordInvalid(t *testing.T) {
	h := buildRouter(newTestEnv(t, false))

	rr := doJSON(t, h, http.MethodPost, "/records", map[string]any{
		"location": map[string]float64{"latitude": 95, "longitude": 0},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/records", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_GetMissingRecord(t *testing.T) {
	h := buildRouter(newTestEnv(t, false))
	rr := doJSON(t, h, http.MethodGet, "/records/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "record not found")

	addr := "Quadra 5"
	rr = doJSON(t, h, http.MethodPatch, "/records/does-not-exist", model.Patch{Address: &addr})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_ListRecords(t *testing.T) {
	h := buildRouter(newTestEnv(t, false))

	rr := doJSON(t, h, http.MethodGet, "/records", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())

	createRecord(t, h, -15.7999, -47.89)
	createRecord(t, h, -15.7998, -47.891)

	rr = doJSON(t, h, http.MethodGet, "/records?status=pending&limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var recs []model.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &recs))
	assert.Len(t, recs, 1)

	rr = doJSON(t, h, http.MethodGet, "/records?status=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_PatchRecordResnaps(t *testing.T) {
	h := buildRouter(newTestEnv(t, false))
	rec := createRecord(t, h, -15.7999, -47.89)

	rr := doJSON(t, h, http.MethodPatch, "/records/"+rec.LocalID, map[string]any{
		"raw_location": map[string]float64{"latitude": -15.8002, "longitude": -47.885},
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var got model.Record
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.InDelta(t, -15.8002, got.RawLocation.Latitude, 1e-9)
	require.NotNil(t, got.InterpolatedLocation)
	assert.InDelta(t, -47.885, got.InterpolatedLocation.Longitude, 1e-9)
}

func TestRouter_SyncThenEditConflicts(t *testing.T) {
	h := buildRouter(newTestEnv(t, true))
	rec := createRecord(t, h, -15.7999, -47.89)

	rr := doJSON(t, h, http.MethodPost, "/sync", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var sum syncer.Summary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sum))
	assert.Equal(t, syncer.Summary{Succeeded: 1}, sum)

	addr := "Outro endereço"
	rr = doJSON(t, h, http.MethodPatch, "/records/"+rec.LocalID, model.Patch{Address: &addr})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/records/pending-count", nil)
	assert.JSONEq(t, `{"pending":0}`, rr.Body.String())
}

func TestRouter_SyncWithoutRemote(t *testing.T) {
	h := buildRouter(newTestEnv(t, false))
	rr := doJSON(t, h, http.MethodPost, "/sync", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRouter_LoadRoutesAndProject(t *testing.T) {
	env := newTestEnv(t, false)
	h := buildRouter(env)

	rr := doJSON(t, h, http.MethodPost, "/routes/load", pointRequest{Latitude: -15.8, Longitude: -47.89})
	require.Equal(t, http.StatusOK, rr.Code)
	var loaded struct {
		Routes []geo.Route `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &loaded))
	require.Len(t, loaded.Routes, 1)
	assert.Equal(t, "0.110", loaded.Routes[0].ID)

	n, err := env.Cache.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rr = doJSON(t, h, http.MethodPost, "/project", pointRequest{Latitude: -15.7999, Longitude: -47.89})
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Projection *geo.Projection `json:"projection"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.NotNil(t, body.Projection)
	assert.Equal(t, "0.110", body.Projection.RouteID)

	// Far from every route.
	rr = doJSON(t, h, http.MethodPost, "/project", pointRequest{Latitude: -15.7, Longitude: -47.89})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"projection":null}`, rr.Body.String())

	rr = doJSON(t, h, http.MethodPost, "/routes/load", pointRequest{Latitude: 100, Longitude: 0})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_StatusAndMetrics(t *testing.T) {
	h := buildRouter(newTestEnv(t, false))
	createRecord(t, h, -15.7999, -47.89)

	rr := doJSON(t, h, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.EqualValues(t, 1, snap["pending"])

	rr = doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "paradas_records")
}

func TestRouter_CORSPreflight(t *testing.T) {
	h := buildRouter(newTestEnv(t, false))

	req := httptest.NewRequest(http.MethodOptions, "/records", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
