package model

import (
	"time"

	"github.com/sells-group/paradas/internal/geo"
)

// Patch enumerates the content fields an editor may change. Nil fields are
// left untouched. Status fields are owned by the sync engine and cannot be
// patched.
type Patch struct {
	Address     *string         `json:"address,omitempty"`
	RawLocation *geo.Coordinate `json:"raw_location,omitempty"`
	// InterpolatedLocation replaces the snapped point. Set ClearInterpolated
	// to record that the stop has no nearby route.
	InterpolatedLocation *geo.Coordinate `json:"interpolated_location,omitempty"`
	ClearInterpolated    bool            `json:"clear_interpolated,omitempty"`
	Attributes           *Attributes     `json:"attributes,omitempty"`
	VisitedAt            *time.Time      `json:"visited_at,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Address == nil &&
		p.RawLocation == nil &&
		p.InterpolatedLocation == nil &&
		!p.ClearInterpolated &&
		p.Attributes == nil &&
		p.VisitedAt == nil
}

// Apply copies the patched fields onto r.
func (p Patch) Apply(r *Record) {
	if p.Address != nil {
		r.Address = *p.Address
	}
	if p.RawLocation != nil {
		r.RawLocation = *p.RawLocation
	}
	if p.ClearInterpolated {
		r.InterpolatedLocation = nil
	} else if p.InterpolatedLocation != nil {
		loc := *p.InterpolatedLocation
		r.InterpolatedLocation = &loc
	}
	if p.Attributes != nil {
		r.Attributes = *p.Attributes
	}
	if p.VisitedAt != nil {
		r.VisitedAt = *p.VisitedAt
	}
}
