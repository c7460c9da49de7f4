package extract

import (
	"fmt"
	"strings"

	"github.com/JonMunkholm/salesetl/internal/core"
)

// MaxHeaderSearchRows is how many leading records are scanned for the
// header. Exports often start with a title or blank lines.
const MaxHeaderSearchRows = 20

// findHeader returns the index of the first record containing every
// required column, or -1.
func findHeader(records [][]string) int {
	limit := MaxHeaderSearchRows
	if len(records) < limit {
		limit = len(records)
	}

	for i := 0; i < limit; i++ {
		idx := core.MakeHeaderIndex(records[i])
		found := true
		for _, col := range core.RequiredColumns {
			if _, ok := idx[col]; !ok {
				found = false
				break
			}
		}
		if found {
			return i
		}
	}
	return -1
}

// tabularFile maps header-bearing records onto a RawFile. When no record
// carries the full required header, the first non-empty record is used so
// the transformer can report the missing columns.
//
// lines gives the source line of each record; nil numbers records from 1.
// With strict set, a record whose field count differs from the header is
// flagged. Spreadsheet rows drop trailing empty cells, so they are padded
// instead.
func tabularFile(name, format string, records [][]string, lines []int, strict bool) core.RawFile {
	file := core.RawFile{Name: name, Format: format}

	hdr := findHeader(records)
	if hdr < 0 {
		for i, rec := range records {
			if !isEmptyRow(rec) {
				hdr = i
				break
			}
		}
	}
	if hdr < 0 {
		return file
	}

	columns := make([]string, len(records[hdr]))
	for i, h := range records[hdr] {
		columns[i] = core.NormalizeColumn(h)
	}
	file.Columns = nonEmpty(columns)

	for i := hdr + 1; i < len(records); i++ {
		rec := records[i]
		if isEmptyRow(rec) {
			continue
		}

		line := i + 1
		if i < len(lines) {
			line = lines[i]
		}
		row := core.RawRow{
			SourceFile: name,
			Line:       line,
			Values:     make(map[string]string, len(columns)),
		}
		if strict && len(rec) != len(columns) {
			row.Problem = fmt.Sprintf("record has %d fields, header has %d", len(rec), len(columns))
		}
		for j, col := range columns {
			if col == "" || j >= len(rec) {
				continue
			}
			if _, dup := row.Values[col]; dup {
				continue
			}
			row.Values[col] = rec[j]
		}
		file.Rows = append(file.Rows, row)
	}
	return file
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func nonEmpty(cols []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
