// Package geo provides the coordinate types and point-to-route projection used
// to snap a surveyed bus stop onto the nearest transit route.
package geo

import (
	"math"

	"github.com/rotisserie/eris"
)

// earthRadiusMeters is the mean Earth radius used for great-circle distances.
const earthRadiusMeters = 6371008.8

// ErrInvalidRoute is returned when a route has fewer than two points or
// contains an out-of-range coordinate.
var ErrInvalidRoute = eris.New("geo: invalid route")

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

// Valid reports whether the coordinate lies within the WGS84 ranges.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

// IsZero reports whether both components are zero. The field app used (0,0)
// as a "no location" marker, so it is never accepted as a real survey point.
func (c Coordinate) IsZero() bool {
	return c.Latitude == 0 && c.Longitude == 0
}

// Route is an ordered polyline describing a transit line's path.
type Route struct {
	ID     string       `json:"id,omitempty"`
	Points []Coordinate `json:"points"`
}

// Validate checks that the route has at least one segment and that every
// vertex is a valid coordinate.
func (r Route) Validate() error {
	if len(r.Points) < 2 {
		return eris.Wrapf(ErrInvalidRoute, "route %q has %d points", r.ID, len(r.Points))
	}
	for i, p := range r.Points {
		if !p.Valid() {
			return eris.Wrapf(ErrInvalidRoute, "route %q point %d out of range", r.ID, i)
		}
	}
	return nil
}

// Segments returns the number of segments in the route.
func (r Route) Segments() int {
	if len(r.Points) < 2 {
		return 0
	}
	return len(r.Points) - 1
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Coordinate) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := lat2 - lat1
	dLng := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
