package extract

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/xuri/excelize/v2"
)

// ctxCheckEvery is how many records are read between cancellation checks.
const ctxCheckEvery = 1000

// DelimitedReader reads CSV-style files with a configurable separator.
type DelimitedReader struct {
	Comma  rune
	Format string
}

func (d DelimitedReader) Read(ctx context.Context, name string, r io.Reader) (core.RawFile, error) {
	cr := csv.NewReader(newTextInput(r))
	cr.Comma = d.Comma
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	var (
		records [][]string
		lines   []int
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return core.RawFile{}, fmt.Errorf("invalid %s: %w", d.Format, err)
		}
		line, _ := cr.FieldPos(0)
		records = append(records, rec)
		lines = append(lines, line)

		if len(records)%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return core.RawFile{}, err
			}
		}
	}

	return tabularFile(name, d.Format, records, lines, true), nil
}

// JSONArrayReader reads a top-level JSON array of flat objects, the layout
// written by pandas to_json(orient="records").
type JSONArrayReader struct{}

func (JSONArrayReader) Read(ctx context.Context, name string, r io.Reader) (core.RawFile, error) {
	dec := json.NewDecoder(newTextInput(r))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return core.RawFile{}, fmt.Errorf("invalid json: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return core.RawFile{}, fmt.Errorf("invalid json: expected an array of records")
	}

	acc := newRecordAccumulator(name, "json")
	for n := 1; dec.More(); n++ {
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return core.RawFile{}, fmt.Errorf("invalid json record %d: %w", n, err)
		}
		acc.add(n, obj, "")

		if n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return core.RawFile{}, err
			}
		}
	}
	if _, err := dec.Token(); err != nil {
		return core.RawFile{}, fmt.Errorf("invalid json: %w", err)
	}
	return acc.file(), nil
}

// JSONLinesReader reads one JSON object per line. A malformed line becomes
// a row problem instead of failing the whole file.
type JSONLinesReader struct{}

// maxJSONLine bounds a single JSON Lines record.
const maxJSONLine = 4 << 20

func (JSONLinesReader) Read(ctx context.Context, name string, r io.Reader) (core.RawFile, error) {
	sc := bufio.NewScanner(newTextInput(r))
	sc.Buffer(make([]byte, 0, 64*1024), maxJSONLine)

	acc := newRecordAccumulator(name, "jsonl")
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}

		dec := json.NewDecoder(strings.NewReader(text))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			acc.add(line, nil, fmt.Sprintf("invalid JSON record: %v", err))
		} else {
			acc.add(line, obj, "")
		}

		if line%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return core.RawFile{}, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return core.RawFile{}, fmt.Errorf("invalid jsonl: %w", err)
	}
	return acc.file(), nil
}

// recordAccumulator collects keyed records and derives the column set.
type recordAccumulator struct {
	raw     core.RawFile
	columns map[string]struct{}
}

func newRecordAccumulator(name, format string) *recordAccumulator {
	return &recordAccumulator{
		raw:     core.RawFile{Name: name, Format: format},
		columns: make(map[string]struct{}),
	}
}

func (a *recordAccumulator) add(line int, obj map[string]any, problem string) {
	row := core.RawRow{
		SourceFile: a.raw.Name,
		Line:       line,
		Values:     make(map[string]string, len(obj)),
		Problem:    problem,
	}
	for k, v := range obj {
		col := core.NormalizeColumn(k)
		if col == "" {
			continue
		}
		a.columns[col] = struct{}{}
		s, ok := scalarString(v)
		if !ok && row.Problem == "" {
			row.Problem = fmt.Sprintf("field %q is not a scalar", k)
		}
		row.Values[col] = s
	}
	a.raw.Rows = append(a.raw.Rows, row)
}

func (a *recordAccumulator) file() core.RawFile {
	cols := make([]string, 0, len(a.columns))
	for c := range a.columns {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	a.raw.Columns = cols
	return a.raw
}

// scalarString renders a decoded JSON scalar as cell text. null is empty.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", true
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

// SpreadsheetReader reads .xlsx workbooks. The first sheet containing the
// required header is used, falling back to the first sheet.
type SpreadsheetReader struct{}

func (SpreadsheetReader) Read(ctx context.Context, name string, r io.Reader) (core.RawFile, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return core.RawFile{}, fmt.Errorf("invalid xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return core.RawFile{}, fmt.Errorf("invalid xlsx: workbook has no sheets")
	}

	var fallback [][]string
	for i, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return core.RawFile{}, err
		}

		rows, err := f.GetRows(sheet)
		if err != nil {
			return core.RawFile{}, fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		if findHeader(rows) >= 0 {
			return tabularFile(name, "xlsx", rows, nil, false), nil
		}
		if i == 0 {
			fallback = rows
		}
	}
	return tabularFile(name, "xlsx", fallback, nil, false), nil
}
