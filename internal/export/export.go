// Package export writes survey records to GIS and spreadsheet formats.
package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paradas/internal/geo"
	"github.com/sells-group/paradas/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatShapefile Format = "shp"
	FormatXLSX      Format = "xlsx"
	FormatGeoJSON   Format = "geojson"
)

// ParseFormat accepts a format name or a file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "shp", "shapefile":
		return FormatShapefile, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	case "geojson", "json":
		return FormatGeoJSON, nil
	default:
		return "", eris.Errorf("export: unknown format %q", s)
	}
}

// FormatFromPath infers the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	ext := filepath.Ext(path)
	if ext == "" {
		return "", eris.Errorf("export: cannot infer format of %q", path)
	}
	return ParseFormat(ext)
}

// ToFile writes recs to path in the given format.
func ToFile(ctx context.Context, path string, format Format, recs []model.Record) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "export: cancelled")
	}

	var err error
	switch format {
	case FormatShapefile:
		err = WriteShapefile(path, recs)
	case FormatXLSX, FormatGeoJSON:
		err = writeStream(path, format, recs)
	default:
		err = eris.Errorf("export: unknown format %q", format)
	}
	if err != nil {
		return err
	}

	zap.L().Info("export: wrote records",
		zap.String("path", path),
		zap.String("format", string(format)),
		zap.Int("records", len(recs)),
	)
	return nil
}

func writeStream(path string, format Format, recs []model.Record) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = eris.Wrapf(cerr, "export: close %s", path)
		}
	}()

	if format == FormatXLSX {
		return WriteXLSX(f, recs)
	}
	return WriteGeoJSON(f, recs)
}

type kind int

const (
	kindString kind = iota
	kindFloat
	kindFlag
	kindInt
	kindDate
)

// column is one exported attribute. name is the dBase field name and is
// limited to 10 characters; key is used for spreadsheet headers and GeoJSON
// properties.
type column struct {
	name  string
	key   string
	kind  kind
	size  uint8
	value func(r *model.Record) any
}

const dateLayout = "2006-01-02"

var columns = []column{
	{name: "LOCAL_ID", key: "local_id", kind: kindString, size: 36, value: func(r *model.Record) any { return r.LocalID }},
	{name: "REMOTE_ID", key: "remote_id", kind: kindString, size: 40, value: func(r *model.Record) any { return deref(r.RemoteID) }},
	{name: "SURVEYOR", key: "surveyor_id", kind: kindString, size: 64, value: func(r *model.Record) any { return r.SurveyorID }},
	{name: "ADDRESS", key: "address", kind: kindString, size: 254, value: func(r *model.Record) any { return r.Address }},
	{name: "VISITED", key: "visited_at", kind: kindDate, size: 8, value: func(r *model.Record) any { return r.VisitedAt }},
	{name: "STATUS", key: "sync_status", kind: kindString, size: 8, value: func(r *model.Record) any { return string(r.SyncStatus) }},
	{name: "LAT", key: "latitude", kind: kindFloat, size: 14, value: func(r *model.Record) any { return r.RawLocation.Latitude }},
	{name: "LNG", key: "longitude", kind: kindFloat, size: 14, value: func(r *model.Record) any { return r.RawLocation.Longitude }},
	{name: "ILAT", key: "interpolated_latitude", kind: kindFloat, size: 14, value: func(r *model.Record) any {
		if r.InterpolatedLocation == nil {
			return nil
		}
		return r.InterpolatedLocation.Latitude
	}},
	{name: "ILNG", key: "interpolated_longitude", kind: kindFloat, size: 14, value: func(r *model.Record) any {
		if r.InterpolatedLocation == nil {
			return nil
		}
		return r.InterpolatedLocation.Longitude
	}},
	{name: "SCHOOL", key: "school_lines", kind: kindFlag, size: 1, value: func(r *model.Record) any { return r.Attributes.SchoolLines }},
	{name: "STPC", key: "stpc_lines", kind: kindFlag, size: 1, value: func(r *model.Record) any { return r.Attributes.STPCLines }},
	{name: "BAY", key: "bay", kind: kindFlag, size: 1, value: func(r *model.Record) any { return r.Attributes.Bay }},
	{name: "RAMP", key: "ramp", kind: kindFlag, size: 1, value: func(r *model.Record) any { return r.Attributes.Ramp }},
	{name: "TACTILE", key: "tactile_floor", kind: kindFlag, size: 1, value: func(r *model.Record) any { return r.Attributes.TactileFloor }},
	{name: "SHELTERS", key: "shelters", kind: kindInt, size: 3, value: func(r *model.Record) any { return len(r.Attributes.Shelters) }},
	{name: "PATHOLOGY", key: "pathology", kind: kindFlag, size: 1, value: func(r *model.Record) any { return r.HasPathology() }},
	{name: "PHOTOS", key: "photos", kind: kindInt, size: 4, value: func(r *model.Record) any { return photoCount(r) }},
	{name: "ATTEMPTS", key: "attempts", kind: kindInt, size: 5, value: func(r *model.Record) any { return r.Attempts }},
	{name: "LAST_ERROR", key: "last_error", kind: kindString, size: 254, value: func(r *model.Record) any { return deref(r.LastError) }},
}

// location is the exported point: the route-snapped position when there is
// one, the raw position otherwise.
func location(r *model.Record) geo.Coordinate {
	if r.InterpolatedLocation != nil {
		return *r.InterpolatedLocation
	}
	return r.RawLocation
}

func photoCount(r *model.Record) int {
	n := len(r.Attributes.PhotoRefs)
	for _, s := range r.Attributes.Shelters {
		n += len(s.PhotoRefs) + len(s.PathologyPhotoRefs)
	}
	return n
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateLayout)
}
