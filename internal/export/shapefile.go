package export

import (
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/paradas/internal/model"
)

// wgs84PRJ is the ESRI WKT for EPSG:4326.
const wgs84PRJ = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

// WriteShapefile writes recs as a point shapefile at path (.shp, .shx, .dbf,
// .prj and .cpg). Attribute text is UTF-8 and is cut to the field width.
func WriteShapefile(path string, recs []model.Record) error {
	if !strings.HasSuffix(strings.ToLower(path), ".shp") {
		path += ".shp"
	}
	base := path[:len(path)-len(".shp")]

	w, err := shp.Create(path, shp.POINT)
	if err != nil {
		return eris.Wrapf(err, "export: create shapefile %s", path)
	}

	fields := make([]shp.Field, len(columns))
	for i, c := range columns {
		fields[i] = dbfField(c)
	}
	if err := w.SetFields(fields); err != nil {
		w.Close()
		return eris.Wrap(err, "export: set shapefile fields")
	}

	for i := range recs {
		r := &recs[i]
		loc := location(r)
		row := int(w.Write(&shp.Point{X: loc.Longitude, Y: loc.Latitude}))
		for j, c := range columns {
			if err := w.WriteAttribute(row, j, dbfValue(c, c.value(r))); err != nil {
				w.Close()
				return eris.Wrapf(err, "export: write %s of record %s", c.name, r.LocalID)
			}
		}
	}
	w.Close()

	// go-shp v0.1.1 names the attribute table "<base>dbf".
	if _, err := os.Stat(base + "dbf"); err == nil {
		if err := os.Rename(base+"dbf", base+".dbf"); err != nil {
			return eris.Wrap(err, "export: rename attribute table")
		}
	}

	if err := os.WriteFile(base+".prj", []byte(wgs84PRJ), 0o644); err != nil {
		return eris.Wrap(err, "export: write projection file")
	}
	if err := os.WriteFile(base+".cpg", []byte("UTF-8"), 0o644); err != nil {
		return eris.Wrap(err, "export: write code page file")
	}
	return nil
}

func dbfField(c column) shp.Field {
	switch c.kind {
	case kindFloat:
		return shp.FloatField(c.name, c.size, 8)
	case kindFlag, kindInt:
		return shp.NumberField(c.name, c.size)
	case kindDate:
		return shp.DateField(c.name)
	default:
		return shp.StringField(c.name, c.size)
	}
}

// dbfValue converts a column value to what go-shp accepts: int, float64 or
// string. Missing values are blank.
func dbfValue(c column, v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case bool:
		if x {
			return 1
		}
		return 0
	case int:
		return x
	case float64:
		return x
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.UTC().Format("20060102")
	case string:
		return truncateBytes(x, int(c.size))
	default:
		return ""
	}
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
