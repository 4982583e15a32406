package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"go.uber.org/zap"

	"github.com/sells-group/paradas/internal/geo"
)

type nearbyResponse struct {
	Routes json.RawMessage `json:"vias_proximas"`
}

// NearbyRoutes fetches the routes near center. A null or missing geometry
// means no routes nearby and is not an error.
func (c *httpClient) NearbyRoutes(ctx context.Context, center geo.Coordinate) ([]geo.Route, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(center.Latitude, 'f', -1, 64))
	q.Set("lng", strconv.FormatFloat(center.Longitude, 'f', -1, 64))

	data, err := c.do(ctx, http.MethodGet, "/vias/proximas?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}

	var resp nearbyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, eris.Wrapf(ErrMalformedResponse, "nearby routes: %v", err)
	}
	routes, err := DecodeRoutes(resp.Routes)
	if err != nil {
		return nil, eris.Wrapf(ErrMalformedResponse, "nearby routes: %v", err)
	}

	zap.L().Debug("remote: nearby routes",
		zap.Float64("lat", center.Latitude),
		zap.Float64("lng", center.Longitude),
		zap.Int("routes", len(routes)),
	)
	return routes, nil
}

// DecodeRoutes converts a GeoJSON LineString or MultiLineString into routes,
// one per line string, in document order. GeoJSON positions are [lng, lat].
func DecodeRoutes(raw json.RawMessage) ([]geo.Route, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var g geom.T
	if err := geojson.Unmarshal(raw, &g); err != nil {
		return nil, eris.Wrap(err, "decode geojson")
	}

	var lines []*geom.LineString
	switch t := g.(type) {
	case *geom.MultiLineString:
		for i := 0; i < t.NumLineStrings(); i++ {
			lines = append(lines, t.LineString(i))
		}
	case *geom.LineString:
		lines = append(lines, t)
	default:
		return nil, eris.Errorf("unsupported geometry %T", g)
	}

	routes := make([]geo.Route, 0, len(lines))
	for i, ls := range lines {
		coords := ls.Coords()
		pts := make([]geo.Coordinate, len(coords))
		for j, c := range coords {
			pts[j] = geo.Coordinate{Latitude: c.Y(), Longitude: c.X()}
		}
		routes = append(routes, geo.Route{ID: fmt.Sprintf("via-%d", i), Points: pts})
	}
	return routes, nil
}
