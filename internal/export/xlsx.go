package export

import (
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/paradas/internal/model"
)

// SheetName is the name of the worksheet holding exported records.
const SheetName = "pontos"

// WriteXLSX writes recs as a single-sheet workbook with a header row.
func WriteXLSX(w io.Writer, recs []model.Record) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "export: xlsx add sheet")
	}

	header := sheet.AddRow()
	for _, c := range columns {
		header.AddCell().SetString(c.key)
	}

	for i := range recs {
		row := sheet.AddRow()
		for _, c := range columns {
			setCell(row.AddCell(), c.value(&recs[i]))
		}
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: xlsx write workbook")
	}
	return nil
}

func setCell(cell *xlsx.Cell, v any) {
	switch x := v.(type) {
	case nil:
	case bool:
		cell.SetBool(x)
	case int:
		cell.SetInt(x)
	case float64:
		cell.SetFloat(x)
	case time.Time:
		cell.SetString(formatDate(x))
	case string:
		cell.SetString(x)
	}
}
