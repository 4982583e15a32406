package geo

import "math"

// Projection is the closest point on a set of routes to an input point.
type Projection struct {
	Point          Coordinate `json:"point"`
	RouteIndex     int        `json:"route_index"`
	RouteID        string     `json:"route_id,omitempty"`
	SegmentIndex   int        `json:"segment_index"`
	T              float64    `json:"t"`
	DistanceMeters float64    `json:"distance_meters"`
}

// DistanceToSegment projects p onto the finite segment a-b and returns the
// projected point, the clamped segment parameter t in [0,1], and the
// great-circle distance from p to the projected point in meters.
//
// The projection is done in an equirectangular plane centered on the
// segment's midpoint latitude, which is accurate for the sub-kilometer
// segments of urban transit routes.
func DistanceToSegment(p, a, b Coordinate) (Coordinate, float64, float64) {
	k := math.Cos(toRadians((a.Latitude + b.Latitude) / 2))

	dx := (b.Longitude - a.Longitude) * k
	dy := b.Latitude - a.Latitude
	px := (p.Longitude - a.Longitude) * k
	py := p.Latitude - a.Latitude

	var t float64
	if den := dx*dx + dy*dy; den > 0 {
		t = (px*dx + py*dy) / den
	}

	// Clamp t to [0, 1] to stay within the line segment.
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}

	var closest Coordinate
	switch t {
	case 0:
		closest = a
	case 1:
		closest = b
	default:
		closest = Coordinate{
			Latitude:  a.Latitude + t*(b.Latitude-a.Latitude),
			Longitude: a.Longitude + t*(b.Longitude-a.Longitude),
		}
	}

	return closest, t, Haversine(p, closest)
}

// Project finds the closest point to p lying on any segment of routes. It
// returns false when routes is empty or contains no segment. Ties are broken
// by the lowest route index, then the lowest segment index. No distance
// cutoff is applied; callers decide whether the result is usable.
func Project(p Coordinate, routes []Route) (Projection, bool) {
	best := Projection{DistanceMeters: math.Inf(1)}
	found := false

	for ri, r := range routes {
		for si := 0; si < r.Segments(); si++ {
			point, t, d := DistanceToSegment(p, r.Points[si], r.Points[si+1])
			if d < best.DistanceMeters {
				best = Projection{
					Point:          point,
					RouteIndex:     ri,
					RouteID:        r.ID,
					SegmentIndex:   si,
					T:              t,
					DistanceMeters: d,
				}
				found = true
			}
		}
	}

	if !found {
		return Projection{}, false
	}
	return best, true
}
