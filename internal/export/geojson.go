package export

import (
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/sells-group/paradas/internal/model"
)

// FeatureCollection builds a GeoJSON point feature per record. Feature ids
// are local ids and every exported column becomes a property.
func FeatureCollection(recs []model.Record) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{Features: make([]*geojson.Feature, 0, len(recs))}
	for i := range recs {
		r := &recs[i]
		loc := location(r)

		props := make(map[string]interface{}, len(columns))
		for _, c := range columns {
			v := c.value(r)
			if t, ok := v.(time.Time); ok {
				v = formatDate(t)
			}
			props[c.key] = v
		}

		fc.Features = append(fc.Features, &geojson.Feature{
			ID:         r.LocalID,
			Geometry:   geom.NewPointFlat(geom.XY, []float64{loc.Longitude, loc.Latitude}),
			Properties: props,
		})
	}
	return fc
}

// WriteGeoJSON writes recs as a GeoJSON FeatureCollection.
func WriteGeoJSON(w io.Writer, recs []model.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(FeatureCollection(recs)); err != nil {
		return eris.Wrap(err, "export: encode geojson feature collection")
	}
	return nil
}
