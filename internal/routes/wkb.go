package routes

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/paradas/internal/geo"
)

const srid = 4326

// EncodeRoutes packs routes into a single EWKB MultiLineString with SRID
// 4326. X is longitude and Y latitude. Route ids are not part of the
// geometry and must be stored alongside it.
func EncodeRoutes(routes []geo.Route) ([]byte, error) {
	mls := geom.NewMultiLineString(geom.XY).SetSRID(srid)
	for i, r := range routes {
		ls := geom.NewLineStringFlat(geom.XY, flatCoords(r.Points))
		if err := mls.Push(ls); err != nil {
			return nil, eris.Wrapf(err, "routes: encode route %d", i)
		}
	}

	data, err := ewkb.Marshal(mls, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "routes: encode WKB")
	}
	return data, nil
}

// DecodeRoutes is the inverse of EncodeRoutes. ids are assigned in order;
// missing ids are left empty.
func DecodeRoutes(data []byte, ids []string) ([]geo.Route, error) {
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, eris.Wrap(err, "routes: decode WKB")
	}

	mls, ok := g.(*geom.MultiLineString)
	if !ok {
		return nil, eris.Errorf("routes: decode WKB: unexpected geometry %T", g)
	}

	routes := make([]geo.Route, 0, mls.NumLineStrings())
	for i := 0; i < mls.NumLineStrings(); i++ {
		coords := mls.LineString(i).Coords()
		pts := make([]geo.Coordinate, len(coords))
		for j, c := range coords {
			pts[j] = geo.Coordinate{Latitude: c.Y(), Longitude: c.X()}
		}
		r := geo.Route{Points: pts}
		if i < len(ids) {
			r.ID = ids[i]
		}
		routes = append(routes, r)
	}
	return routes, nil
}

func flatCoords(pts []geo.Coordinate) []float64 {
	flat := make([]float64, 0, len(pts)*2)
	for _, p := range pts {
		flat = append(flat, p.Longitude, p.Latitude)
	}
	return flat
}
