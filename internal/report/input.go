// Package report scores many origins at once and writes the results as
// CSV or XLSX.
package report

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/access-index/internal/proximity"
)

// Origin is one point to score.
type Origin struct {
	ID    string
	Point proximity.Point
	// Line is the 1-based input row, header included.
	Line int
}

// header aliases accepted for each input column.
var header = map[string][]string{
	"id":  {"id", "nombre", "name"},
	"lat": {"lat", "latitude", "latitud"},
	"lon": {"lon", "lng", "longitude", "longitud"},
}

// ReadOrigins reads origins from a .csv or .xlsx file. The first row must
// name the id, lat and lon columns.
func ReadOrigins(ctx context.Context, path string) ([]Origin, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		rows, err := readXLSX(path)
		if err != nil {
			return nil, err
		}
		return parseOrigins(rows)
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrap(err, "report: open input")
		}
		defer f.Close() //nolint:errcheck
		return DecodeCSV(ctx, f)
	}
}

// DecodeCSV reads origins from CSV.
func DecodeCSV(ctx context.Context, r io.Reader) ([]Origin, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var rows [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "report: read csv")
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "report: read csv row")
		}
		rows = append(rows, record)
	}
	return parseOrigins(rows)
}

func readXLSX(path string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "report: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("report: xlsx has no sheets")
	}

	sheet := f.Sheets[0]
	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func parseOrigins(rows [][]string) ([]Origin, error) {
	if len(rows) == 0 {
		return nil, eris.New("report: input is empty")
	}

	cols := map[string]int{}
	for i, name := range rows[0] {
		name = strings.ToLower(strings.TrimSpace(name))
		for key, aliases := range header {
			for _, a := range aliases {
				if name == a {
					if _, seen := cols[key]; !seen {
						cols[key] = i
					}
				}
			}
		}
	}
	for _, key := range []string{"lat", "lon"} {
		if _, ok := cols[key]; !ok {
			return nil, eris.Errorf("report: input header has no %q column", key)
		}
	}

	cell := func(row []string, key string) string {
		i, ok := cols[key]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	out := make([]Origin, 0, len(rows)-1)
	for n, row := range rows[1:] {
		line := n + 2
		latRaw, lonRaw := cell(row, "lat"), cell(row, "lon")
		if latRaw == "" && lonRaw == "" {
			continue
		}
		lat, err := strconv.ParseFloat(latRaw, 64)
		if err != nil {
			return nil, eris.Errorf("report: line %d: invalid lat %q", line, latRaw)
		}
		lon, err := strconv.ParseFloat(lonRaw, 64)
		if err != nil {
			return nil, eris.Errorf("report: line %d: invalid lon %q", line, lonRaw)
		}
		id := cell(row, "id")
		if id == "" {
			id = strconv.Itoa(line - 1)
		}
		out = append(out, Origin{ID: id, Point: proximity.Point{Lat: lat, Lon: lon}, Line: line})
	}
	return out, nil
}
