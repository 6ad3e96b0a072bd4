package report

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// SheetName is the XLSX sheet holding the scores.
const SheetName = "scores"

// Layout fixes the category columns of a report.
type Layout struct {
	Categories []string
	Distances  bool
}

// Header returns the column names.
func (l Layout) Header() []string {
	h := []string{"id", "lat", "lon", "profile", "radius_m", "index"}
	h = append(h, l.Categories...)
	if l.Distances {
		for _, c := range l.Categories {
			h = append(h, "dist_"+c)
		}
	}
	return append(h, "error")
}

// values returns one cell per header column: string, int, float64 or nil
// for an empty cell.
func (l Layout) values(r Row) []any {
	out := []any{r.Origin.ID, r.Origin.Point.Lat, r.Origin.Point.Lon, r.Profile}
	if r.Result != nil {
		out = append(out, r.Result.RadiusM, r.Result.Index)
	} else {
		out = append(out, nil, nil)
	}
	for _, c := range l.Categories {
		if r.Result == nil {
			out = append(out, nil)
			continue
		}
		out = append(out, r.Result.Details[c].Count)
	}
	if l.Distances {
		for _, c := range l.Categories {
			if d, ok := r.Distances[c]; ok {
				out = append(out, d)
			} else {
				out = append(out, nil)
			}
		}
	}
	if r.Err != "" {
		return append(out, r.Err)
	}
	return append(out, nil)
}

// Write saves rows to path; the extension selects XLSX or CSV.
func Write(path string, l Layout, rows []Row) error {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return WriteXLSX(path, l, rows)
	}
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "report: create output")
	}
	if err := WriteCSV(f, l, rows); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return eris.Wrap(f.Close(), "report: close output")
}

// WriteCSV writes rows as CSV with a header line.
func WriteCSV(w io.Writer, l Layout, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(l.Header()); err != nil {
		return eris.Wrap(err, "report: write csv header")
	}
	for _, r := range rows {
		vals := l.values(r)
		record := make([]string, len(vals))
		for i, v := range vals {
			switch v := v.(type) {
			case string:
				record[i] = v
			case int:
				record[i] = strconv.Itoa(v)
			case float64:
				record[i] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		if err := cw.Write(record); err != nil {
			return eris.Wrap(err, "report: write csv row")
		}
	}
	cw.Flush()
	return eris.Wrap(cw.Error(), "report: flush csv")
}

// WriteXLSX writes rows to a workbook with a single sheet.
func WriteXLSX(path string, l Layout, rows []Row) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "report: add sheet")
	}

	hdr := sheet.AddRow()
	for _, name := range l.Header() {
		hdr.AddCell().SetString(name)
	}
	for _, r := range rows {
		row := sheet.AddRow()
		for _, v := range l.values(r) {
			cell := row.AddCell()
			switch v := v.(type) {
			case string:
				cell.SetString(v)
			case int:
				cell.SetInt(v)
			case float64:
				cell.SetFloat(v)
			}
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "report: save xlsx")
	}
	return nil
}
