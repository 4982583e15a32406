// Package survey assembles bus-stop records from a chosen point: routes are
// loaded around it, the point is snapped onto the nearest one, an address is
// resolved and the record is queued in the store.
package survey

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paradas/internal/geo"
	"github.com/sells-group/paradas/internal/model"
	"github.com/sells-group/paradas/internal/routes"
	"github.com/sells-group/paradas/internal/store"
	"github.com/sells-group/paradas/pkg/geocode"
)

// ErrNotLoggedIn is returned when no surveyor id is configured.
var ErrNotLoggedIn = eris.New("survey: not logged in")

// Input is what the surveyor enters for one stop.
type Input struct {
	Location geo.Coordinate   `json:"location"`
	Address  string           `json:"address,omitempty"`
	NoRoute  bool             `json:"no_route,omitempty"`
	Attrs    model.Attributes `json:"attributes"`
	// VisitedAt defaults to now.
	VisitedAt time.Time `json:"visited_at,omitempty"`
}

// Result is a stored record and the projection that produced its
// interpolated location, if any.
type Result struct {
	Record     model.Record    `json:"record"`
	Projection *geo.Projection `json:"projection,omitempty"`
}

// Option configures a Capturer.
type Option func(*Capturer)

// WithGeocoder resolves addresses for inputs that have none.
func WithGeocoder(g geocode.Client) Option {
	return func(c *Capturer) { c.geocoder = g }
}

// WithReloadDistance sets how far a point may be from the loaded route
// snapshot's center before routes are loaded again around it.
func WithReloadDistance(meters float64) Option {
	return func(c *Capturer) {
		if meters > 0 {
			c.reloadDistance = meters
		}
	}
}

// Capturer turns surveyor input into queued records.
type Capturer struct {
	store          store.Store
	index          *routes.Index
	geocoder       geocode.Client
	surveyorID     string
	reloadDistance float64
	nowFunc        func() time.Time
}

// NewCapturer creates a Capturer stamping records with surveyorID.
func NewCapturer(st store.Store, ix *routes.Index, surveyorID string, opts ...Option) *Capturer {
	c := &Capturer{
		store:          st,
		index:          ix,
		surveyorID:     surveyorID,
		reloadDistance: 500,
		nowFunc:        time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Snap projects p onto the nearest route, loading routes around p first when
// the current snapshot was loaded elsewhere. A failed load is not an error:
// the point is projected onto whatever snapshot is available, and a nil
// projection means no route is close enough.
func (c *Capturer) Snap(ctx context.Context, p geo.Coordinate) (*geo.Projection, error) {
	if !p.Valid() || p.IsZero() {
		return nil, eris.Wrapf(store.ErrValidation, "invalid location %v", p)
	}
	if c.index == nil {
		return nil, nil
	}

	center, loaded := c.index.Center()
	if !loaded || geo.Haversine(center, p) > c.reloadDistance {
		if _, err := c.index.Load(ctx, p); err != nil {
			if ctx.Err() != nil {
				return nil, eris.Wrap(ctx.Err(), "survey: snap")
			}
			zap.L().Warn("survey: route load failed, using current snapshot",
				zap.Float64("lat", p.Latitude),
				zap.Float64("lng", p.Longitude),
				zap.Error(err),
			)
		}
	}

	proj, ok := c.index.Project(p)
	if !ok {
		return nil, nil
	}
	return &proj, nil
}

// Capture builds a record from in and stores it as pending.
func (c *Capturer) Capture(ctx context.Context, in Input) (*Result, error) {
	if c.surveyorID == "" {
		return nil, ErrNotLoggedIn
	}

	res := &Result{}
	if !in.NoRoute {
		proj, err := c.Snap(ctx, in.Location)
		if err != nil {
			return nil, err
		}
		res.Projection = proj
	}

	rec := model.Record{
		SurveyorID:  c.surveyorID,
		Address:     in.Address,
		RawLocation: in.Location,
		Attributes:  in.Attrs,
		VisitedAt:   in.VisitedAt,
	}
	if res.Projection != nil {
		loc := res.Projection.Point
		rec.InterpolatedLocation = &loc
	}
	if rec.VisitedAt.IsZero() {
		rec.VisitedAt = c.nowFunc()
	}
	if rec.Address == "" && c.geocoder != nil {
		// Geocode the snapped point when there is one; it is what gets mapped.
		at := rec.RawLocation
		if rec.InterpolatedLocation != nil {
			at = *rec.InterpolatedLocation
		}
		rec.Address = geocode.Describe(ctx, c.geocoder, at.Latitude, at.Longitude)
	}

	id, err := c.store.Create(ctx, rec)
	if err != nil {
		return nil, err
	}
	stored, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res.Record = *stored

	zap.L().Info("survey: record captured",
		zap.String("local_id", id),
		zap.Bool("snapped", rec.InterpolatedLocation != nil),
	)
	return res, nil
}

// Relocate builds the patch for moving a record to p. Unless noRoute is
// set, p is snapped again and the interpolated location follows it.
func (c *Capturer) Relocate(ctx context.Context, p geo.Coordinate, noRoute bool) (model.Patch, *geo.Projection, error) {
	patch := model.Patch{RawLocation: &p, ClearInterpolated: true}
	if noRoute {
		return patch, nil, nil
	}

	proj, err := c.Snap(ctx, p)
	if err != nil {
		return model.Patch{}, nil, err
	}
	if proj != nil {
		loc := proj.Point
		patch.InterpolatedLocation = &loc
		patch.ClearInterpolated = false
	}
	return patch, proj, nil
}
