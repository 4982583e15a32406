package syncer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/paradas/internal/geo"
	"github.com/sells-group/paradas/internal/model"
)

func intPtr(v int) *int { return &v }

func TestBuildPayload_DerivesPathologyFromShelters(t *testing.T) {
	rec := model.Record{
		LocalID:     "local-1",
		SurveyorID:  "surveyor-1",
		Address:     "EPTG, Taguatinga",
		RawLocation: geo.Coordinate{Latitude: -15.83, Longitude: -48.05},
		VisitedAt:   time.Date(2026, 9, 1, 23, 30, 0, 0, time.FixedZone("BRT", -3*3600)),
		Attributes: model.Attributes{
			Ramp: true,
			Shelters: []model.Shelter{
				{TypeID: intPtr(2), PhotoRefs: []string{"a.jpg"}},
				{TypeID: intPtr(3), HasPathology: true, PathologyPhotoRefs: []string{"p1.jpg", "p2.jpg"}},
				{HasPathology: true, PathologyPhotoRefs: []string{"p3.jpg"}},
			},
		},
	}

	p := BuildPayload(rec)

	assert.True(t, p.Pathology)
	assert.Equal(t, []string{"p1.jpg", "p2.jpg", "p3.jpg"}, p.PathologyPhotoRefs)
	require.Len(t, p.Shelters, 3)
	assert.Equal(t, 2, *p.Shelters[0].TypeID)
	assert.Nil(t, p.Shelters[2].TypeID)
	assert.True(t, p.Ramp)

	// 23:30 at UTC-3 is the next day in UTC.
	assert.Equal(t, "2026-09-02", p.VisitedAt)
}

func TestBuildPayload_NoSheltersNoPathology(t *testing.T) {
	p := BuildPayload(model.Record{
		LocalID:     "local-2",
		RawLocation: geo.Coordinate{Latitude: -15.8, Longitude: -47.9},
		VisitedAt:   time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC),
	})

	assert.False(t, p.Pathology)
	assert.Nil(t, p.InterpolatedLat)
	assert.Nil(t, p.InterpolatedLng)

	raw, err := json.Marshal(p)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))

	assert.Equal(t, []any{}, wire["abrigos"])
	assert.Equal(t, []any{}, wire["imgBlobPaths"])
	assert.Equal(t, []any{}, wire["imagensPatologiaPaths"])
	assert.Nil(t, wire["latitudeInterpolado"])
	assert.Equal(t, "2026-01-05", wire["dataVisita"])
}

func TestBuildPayload_InterpolatedLocationIsCopied(t *testing.T) {
	loc := geo.Coordinate{Latitude: -15.81, Longitude: -47.91}
	rec := model.Record{LocalID: "local-3", InterpolatedLocation: &loc}

	p := BuildPayload(rec)
	require.NotNil(t, p.InterpolatedLat)
	require.NotNil(t, p.InterpolatedLng)
	assert.InDelta(t, -15.81, *p.InterpolatedLat, 1e-12)
	assert.InDelta(t, -47.91, *p.InterpolatedLng, 1e-12)

	loc.Latitude = 0
	assert.InDelta(t, -15.81, *p.InterpolatedLat, 1e-12)
}
