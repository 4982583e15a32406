package syncer

import (
	"github.com/sells-group/paradas/internal/model"
	"github.com/sells-group/paradas/pkg/remote"
)

// visitDateLayout is the date format the remote service expects for dataVisita.
const visitDateLayout = "2006-01-02"

// BuildPayload converts a record into its wire form. The pathology flag is
// derived from the shelters, and the record-level pathology photos are the
// shelters' pathology photos in order.
func BuildPayload(rec model.Record) remote.Payload {
	p := remote.Payload{
		LocalID:      rec.LocalID,
		SurveyorID:   rec.SurveyorID,
		Address:      rec.Address,
		Latitude:     rec.RawLocation.Latitude,
		Longitude:    rec.RawLocation.Longitude,
		SchoolLines:  rec.Attributes.SchoolLines,
		STPCLines:    rec.Attributes.STPCLines,
		Bay:          rec.Attributes.Bay,
		Ramp:         rec.Attributes.Ramp,
		TactileFloor: rec.Attributes.TactileFloor,
		Pathology:    rec.HasPathology(),
		VisitedAt:    rec.VisitedAt.UTC().Format(visitDateLayout),
		Shelters:     make([]remote.ShelterPayload, 0, len(rec.Attributes.Shelters)),
		PhotoRefs:    nonNil(rec.Attributes.PhotoRefs),
	}

	if loc := rec.InterpolatedLocation; loc != nil {
		lat, lng := loc.Latitude, loc.Longitude
		p.InterpolatedLat = &lat
		p.InterpolatedLng = &lng
	}

	p.PathologyPhotoRefs = []string{}
	for _, s := range rec.Attributes.Shelters {
		p.Shelters = append(p.Shelters, remote.ShelterPayload{
			TypeID:             s.TypeID,
			HasPathology:       s.HasPathology,
			PhotoRefs:          nonNil(s.PhotoRefs),
			PathologyPhotoRefs: nonNil(s.PathologyPhotoRefs),
		})
		p.PathologyPhotoRefs = append(p.PathologyPhotoRefs, s.PathologyPhotoRefs...)
	}
	return p
}

// nonNil keeps empty lists as [] rather than null on the wire.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
