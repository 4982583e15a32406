package routes

import (
	"fmt"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/paradas/internal/geo"
)

// ReadShapefile loads the line features of a WGS84 shapefile as routes. Each
// part of a multi-part line becomes its own route. Route ids come from the
// idField attribute when present, otherwise from the feature number. Point
// and polygon features, and parts that fail validation, are skipped.
func ReadShapefile(shpPath, idField string) ([]geo.Route, error) {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return nil, eris.Wrapf(err, "routes: open shapefile %s", shpPath)
	}
	defer func() { _ = reader.Close() }()

	// Build field name → index map.
	idIdx := -1
	if idField != "" {
		for i, f := range reader.Fields() {
			name := strings.TrimRight(f.String(), "\x00")
			if strings.EqualFold(name, idField) {
				idIdx = i
				break
			}
		}
		if idIdx < 0 {
			zap.L().Warn("routes: id field not found in shapefile",
				zap.String("path", shpPath),
				zap.String("field", idField),
			)
		}
	}

	var (
		routes  []geo.Route
		skipped int
	)
	for reader.Next() {
		row, shape := reader.Shape()

		parts, points, ok := lineParts(shape)
		if !ok {
			skipped++
			continue
		}

		id := fmt.Sprintf("shp-%d", row)
		if idIdx >= 0 {
			if v := strings.TrimSpace(strings.TrimRight(reader.Attribute(idIdx), "\x00")); v != "" {
				id = v
			}
		}

		for i, start := range parts {
			end := int32(len(points))
			if i+1 < len(parts) {
				end = parts[i+1]
			}
			if start < 0 || start > end || end > int32(len(points)) {
				skipped++
				continue
			}

			r := geo.Route{ID: id, Points: make([]geo.Coordinate, 0, end-start)}
			if len(parts) > 1 {
				r.ID = fmt.Sprintf("%s/%d", id, i)
			}
			for _, p := range points[start:end] {
				r.Points = append(r.Points, geo.Coordinate{Latitude: p.Y, Longitude: p.X})
			}
			if err := r.Validate(); err != nil {
				skipped++
				continue
			}
			routes = append(routes, r)
		}
	}
	if err := reader.Err(); err != nil {
		return nil, eris.Wrapf(err, "routes: read shapefile %s", shpPath)
	}

	if skipped > 0 {
		zap.L().Debug("routes: skipped shapefile records",
			zap.String("path", shpPath),
			zap.Int("skipped", skipped),
		)
	}
	return routes, nil
}

func lineParts(shape shp.Shape) ([]int32, []shp.Point, bool) {
	switch s := shape.(type) {
	case *shp.PolyLine:
		return s.Parts, s.Points, len(s.Parts) > 0
	case *shp.PolyLineZ:
		return s.Parts, s.Points, len(s.Parts) > 0
	case *shp.PolyLineM:
		return s.Parts, s.Points, len(s.Parts) > 0
	default:
		return nil, nil, false
	}
}
