package extract

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const defaultPattern = `^sales_(\d{4}-?\d{2}-?\d{2}|batch[_-]?\d+).*\.(csv|tsv|json|jsonl|ndjson|xlsx)$`

const csvHeader = "date,store_id,product_id,quantity,unit_price,customer_age\n"

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func writeWorkbook(t *testing.T, dir, name string, sheets map[string][][]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	first := true
	for sheet, rows := range sheets {
		if first {
			require.NoError(t, f.SetSheetName("Sheet1", sheet))
			first = false
		} else {
			_, err := f.NewSheet(sheet)
			require.NoError(t, err)
		}
		for i, row := range rows {
			cell, err := excelize.CoordinatesToCellName(1, i+1)
			require.NoError(t, err)
			require.NoError(t, f.SetSheetRow(sheet, cell, &row))
		}
	}
	require.NoError(t, f.SaveAs(filepath.Join(dir, name)))
}

func listAll(t *testing.T, dir string) []SourceFile {
	t.Helper()
	d, err := NewDiscovery(dir, defaultPattern)
	require.NoError(t, err)
	files, err := d.List(context.Background())
	require.NoError(t, err)
	return files
}

func TestDiscovery_List(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sales_2024-01-02.csv", csvHeader)
	writeFile(t, dir, "sales_20240101.tsv", "")
	writeFile(t, dir, "sales_batch_7.jsonl", "")
	writeFile(t, dir, "notes.txt", "")
	writeFile(t, dir, "sales_latest.csv", "")
	writeFile(t, dir, ".sales_2024-01-03.csv", "")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sales_2024-01-04.csv"), 0o755))

	files := listAll(t, dir)

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	assert.Equal(t, []string{"sales_2024-01-02.csv", "sales_20240101.tsv", "sales_batch_7.jsonl"}, names)
	assert.Equal(t, "2024-01-02", files[0].Stamp)
	assert.Equal(t, "batch_7", files[2].Stamp)
	assert.Equal(t, int64(len(csvHeader)), files[0].Size)
}

func TestDiscovery_MissingDirectory(t *testing.T) {
	d, err := NewDiscovery(filepath.Join(t.TempDir(), "absent"), defaultPattern)
	require.NoError(t, err)

	_, err = d.List(context.Background())
	assert.Error(t, err)
}

func TestNewDiscovery_BadPattern(t *testing.T) {
	_, err := NewDiscovery(t.TempDir(), "([")
	assert.Error(t, err)
}

func TestNewFiles(t *testing.T) {
	known := []SourceFile{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	got := NewFiles(known, map[string]struct{}{"b": {}})
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "c", got[1].Name)

	assert.Empty(t, NewFiles(known, map[string]struct{}{"a": {}, "b": {}, "c": {}}))
}

func TestExtract_AllFormats(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sales_2024-01-01.csv",
		csvHeader+
			"2024-01-01,S1,P1,2,9.99,30\n"+
			"\n"+
			"2024-01-01,S1,P2,1,5.00,41\n")
	writeFile(t, dir, "sales_2024-01-02.tsv",
		strings.ReplaceAll(csvHeader, ",", "\t")+
			"2024-01-02\tS2\tP1\t3\t1.50\t22\n")
	writeFile(t, dir, "sales_2024-01-03.json",
		`[{"date":"2024-01-03","store_id":"S3","product_id":"P9","quantity":4,"unit_price":2.25,"customer_age":19}]`)
	writeFile(t, dir, "sales_2024-01-04.jsonl",
		`{"date":"2024-01-04","store_id":"S4","product_id":"P1","quantity":1,"unit_price":"10","customer_age":55}`+"\n"+
			"\n"+
			`{"date":"2024-01-04","store_id":"S4","product_id":"P2","quantity":2,"unit_price":"3","customer_age":null}`+"\n")
	writeWorkbook(t, dir, "sales_2024-01-05.xlsx", map[string][][]any{
		"Sales": {
			{"date", "store_id", "product_id", "quantity", "unit_price", "customer_age"},
			{"2024-01-05", "S5", "P5", 6, 7.5, 64},
		},
	})

	ex := New(nil, WithWorkers(2))
	res, err := ex.Extract(context.Background(), listAll(t, dir), nil)
	require.NoError(t, err)
	assert.Empty(t, res.FileErrors)
	assert.Len(t, res.NewFiles, 5)

	require.Len(t, res.Batch.Files, 5)
	assert.Equal(t, 7, res.Batch.RowCount())

	byName := map[string]core.RawFile{}
	for _, f := range res.Batch.Files {
		byName[f.Name] = f
		assert.Empty(t, f.MissingColumns(), f.Name)
		for _, row := range f.Rows {
			assert.Equal(t, f.Name, row.SourceFile)
		}
	}

	csvFile := byName["sales_2024-01-01.csv"]
	assert.Equal(t, "csv", csvFile.Format)
	require.Len(t, csvFile.Rows, 2)
	assert.Equal(t, 4, csvFile.Rows[1].Line, "line numbers count skipped blank lines")
	assert.Equal(t, "9.99", csvFile.Rows[0].Values["unit_price"])

	jsonRow := byName["sales_2024-01-03.json"].Rows[0]
	assert.Equal(t, "4", jsonRow.Values["quantity"])
	assert.Equal(t, "2.25", jsonRow.Values["unit_price"])

	jsonl := byName["sales_2024-01-04.jsonl"]
	require.Len(t, jsonl.Rows, 2)
	assert.Equal(t, 3, jsonl.Rows[1].Line)
	assert.Equal(t, "", jsonl.Rows[1].Values["customer_age"])

	xlsx := byName["sales_2024-01-05.xlsx"]
	assert.Equal(t, "xlsx", xlsx.Format)
	require.Len(t, xlsx.Rows, 1)
	assert.Equal(t, "S5", xlsx.Rows[0].Values["store_id"])
	assert.Equal(t, "6", xlsx.Rows[0].Values["quantity"])
}

func TestExtract_SkipsProcessedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sales_2024-01-01.csv", csvHeader+"2024-01-01,S1,P1,1,1,20\n")
	writeFile(t, dir, "sales_2024-01-02.csv", csvHeader+"2024-01-02,S1,P1,1,1,20\n")

	res, err := New(nil).Extract(context.Background(), listAll(t, dir), map[string]struct{}{"sales_2024-01-01.csv": {}})
	require.NoError(t, err)
	assert.Equal(t, []string{"sales_2024-01-02.csv"}, res.Batch.FileNames())
}

func TestExtract_NothingNew(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sales_2024-01-01.csv", csvHeader)

	res, err := New(nil).Extract(context.Background(), listAll(t, dir), map[string]struct{}{"sales_2024-01-01.csv": {}})
	require.NoError(t, err)
	assert.True(t, res.Batch.Empty())
	assert.Empty(t, res.FileErrors)
	assert.Empty(t, res.NewFiles)
}

func TestExtract_PartialFailure(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sales_2024-01-01.csv", csvHeader+"2024-01-01,S1,P1,1,1,20\n")
	writeFile(t, dir, "sales_2024-01-02.json", "{{{ not json")
	writeFile(t, dir, "sales_2024-01-03.xlsx", "this is not a zip archive")

	res, err := New(nil).Extract(context.Background(), listAll(t, dir), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"sales_2024-01-01.csv"}, res.Batch.FileNames())
	require.Len(t, res.FileErrors, 2)
	assert.Equal(t, "sales_2024-01-02.json", res.FileErrors[0].File)
	assert.Equal(t, "sales_2024-01-03.xlsx", res.FileErrors[1].File)
}

func TestExtract_NoReadableFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sales_2024-01-02.json", "nope")

	res, err := New(nil).Extract(context.Background(), listAll(t, dir), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNoReadableFiles))
	assert.Len(t, res.FileErrors, 1)
}

func TestExtract_EmptyFilesFail(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sales_2024-01-01.csv", csvHeader+"2024-01-01,S1,P1,1,1,20\n")
	writeFile(t, dir, "sales_2024-01-02.csv", "")
	writeFile(t, dir, "sales_2024-01-03.csv", "\n \n,,\n")
	writeFile(t, dir, "sales_2024-01-04.jsonl", "\n\n")
	writeFile(t, dir, "sales_2024-01-05.json", "[]")
	writeFile(t, dir, "sales_2024-01-06.csv", csvHeader)

	res, err := New(nil).Extract(context.Background(), listAll(t, dir), nil)
	require.NoError(t, err)

	// A header without data rows is a legitimately empty file.
	assert.Equal(t, []string{"sales_2024-01-01.csv", "sales_2024-01-06.csv"}, res.Batch.FileNames())

	var failed []string
	for _, fe := range res.FileErrors {
		failed = append(failed, fe.File)
		assert.ErrorIs(t, fe, core.ErrEmptyFile, fe.File)
	}
	assert.ElementsMatch(t, []string{
		"sales_2024-01-02.csv", "sales_2024-01-03.csv", "sales_2024-01-04.jsonl", "sales_2024-01-05.json",
	}, failed)
}

func TestExtract_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sales_2024-01-01.csv", csvHeader+"2024-01-01,S1,P1,1,1,20\n")
	writeFile(t, dir, "sales_2024-01-02.csv", csvHeader+strings.Repeat("2024-01-02,S1,P1,1,1,20\n", 50))

	res, err := New(nil, WithMaxFileSize(200)).Extract(context.Background(), listAll(t, dir), nil)
	require.NoError(t, err)
	require.Len(t, res.FileErrors, 1)
	assert.True(t, errors.Is(res.FileErrors[0], core.ErrFileTooLarge))
}

func TestExtract_UnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sales_2024-01-01.csv", csvHeader+"2024-01-01,S1,P1,1,1,20\n")

	reg := NewRegistry()
	reg.Register("tsv", DelimitedReader{Comma: '\t', Format: "tsv"})

	res, err := New(reg).Extract(context.Background(), listAll(t, dir), nil)
	require.Error(t, err)
	require.Len(t, res.FileErrors, 1)
	assert.True(t, errors.Is(res.FileErrors[0], core.ErrUnsupportedFormat))
}

func TestExtract_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sales_2024-01-01.csv", csvHeader)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(nil).Extract(ctx, listAll(t, dir), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelimitedReader_HeaderDetectionAndRaggedRows(t *testing.T) {
	input := "\xEF\xBB\xBFDaily export\n" +
		",,,\n" +
		"Date,Store ID,Product ID,Quantity,Unit Price,Customer Age,Store Region\n" +
		"2024-01-01,S1,P1,1,2.00,33,north\n" +
		"2024-01-01,S1,P2,1\n"

	raw, err := DelimitedReader{Comma: ',', Format: "csv"}.Read(context.Background(), "f.csv", strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, []string{"date", "store_id", "product_id", "quantity", "unit_price", "customer_age", "store_region"}, raw.Columns)
	require.Len(t, raw.Rows, 2)
	assert.Equal(t, 4, raw.Rows[0].Line)
	assert.Equal(t, "north", raw.Rows[0].Values["store_region"])
	assert.Empty(t, raw.Rows[0].Problem)
	assert.Contains(t, raw.Rows[1].Problem, "4 fields")
}

func TestDelimitedReader_NoHeaderFound(t *testing.T) {
	input := "a,b\n1,2\n"
	raw, err := DelimitedReader{Comma: ',', Format: "csv"}.Read(context.Background(), "f.csv", strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, raw.Columns)
	assert.ElementsMatch(t, core.RequiredColumns, raw.MissingColumns())
	assert.Len(t, raw.Rows, 1)
}

func TestJSONLinesReader_MalformedLine(t *testing.T) {
	input := `{"date":"2024-01-01","store_id":"S1"}` + "\n" + `{"date": oops}` + "\n" + `{"nested":{"a":1}}` + "\n"
	raw, err := JSONLinesReader{}.Read(context.Background(), "f.jsonl", strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, raw.Rows, 3)
	assert.Empty(t, raw.Rows[0].Problem)
	assert.Contains(t, raw.Rows[1].Problem, "invalid JSON")
	assert.Contains(t, raw.Rows[2].Problem, "not a scalar")
}

func TestJSONArrayReader_RejectsObject(t *testing.T) {
	_, err := JSONArrayReader{}.Read(context.Background(), "f.json", strings.NewReader(`{"date":"x"}`))
	assert.Error(t, err)
}

func TestSpreadsheetReader_FindsHeaderOnLaterSheet(t *testing.T) {
	dir := t.TempDir()
	writeWorkbook(t, dir, "book.xlsx", map[string][][]any{
		"Cover": {{"Quarterly sales"}},
	})
	// Add the data sheet to the saved workbook.
	f, err := excelize.OpenFile(filepath.Join(dir, "book.xlsx"))
	require.NoError(t, err)
	_, err = f.NewSheet("Data")
	require.NoError(t, err)
	require.NoError(t, f.SetSheetRow("Data", "A1", &[]any{"date", "store_id", "product_id", "quantity", "unit_price", "customer_age"}))
	require.NoError(t, f.SetSheetRow("Data", "A2", &[]any{"2024-02-01", "S1", "P1", 2, "3.10"}))
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	require.NoError(t, f.Close())

	raw, err := SpreadsheetReader{}.Read(context.Background(), "book.xlsx", &buf)
	require.NoError(t, err)
	require.Len(t, raw.Rows, 1)
	assert.Empty(t, raw.Rows[0].Problem, "short spreadsheet rows are padded")
	_, hasAge := raw.Rows[0].Values["customer_age"]
	assert.False(t, hasAge)
}

func TestRegistry(t *testing.T) {
	reg := DefaultRegistry()
	assert.Equal(t, []string{".csv", ".json", ".jsonl", ".ndjson", ".tsv", ".xlsx"}, reg.Extensions())

	_, format, ok := reg.Lookup("SALES_2024.CSV")
	assert.True(t, ok)
	assert.Equal(t, "csv", format)

	_, _, ok = reg.Lookup("sales.xls")
	assert.False(t, ok)

	assert.Panics(t, func() { reg.Register("csv", DelimitedReader{}) })

	reg.Register("parquet", ReaderFunc(func(context.Context, string, io.Reader) (core.RawFile, error) {
		return core.RawFile{}, nil
	}))
	_, format, ok = reg.Lookup("x.parquet")
	assert.True(t, ok)
	assert.Equal(t, "parquet", format)
}

func TestTextInput(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"bom removed", append([]byte{0xEF, 0xBB, 0xBF}, "a,b"...), "a,b"},
		{"no bom", []byte("a,b"), "a,b"},
		{"empty", nil, ""},
		{"only bom", []byte{0xEF, 0xBB, 0xBF}, ""},
		{"partial bom kept as invalid bytes", []byte{0xEF, 0xBB, 'x'}, "??x"},
		{"invalid byte replaced", []byte{'a', 0xFF, 'b'}, "a?b"},
		{"valid multibyte kept", []byte("café €"), "café €"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(newTextInput(bytes.NewReader(tt.input)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestTextInput_SmallReads(t *testing.T) {
	src := iotest.OneByteReader(strings.NewReader("éüx"))
	got, err := io.ReadAll(newTextInput(src))
	require.NoError(t, err)
	assert.Equal(t, "éüx", string(got))
}

func TestSizeGuard(t *testing.T) {
	_, err := io.ReadAll(newSizeGuard(strings.NewReader("0123456789"), 5))
	assert.ErrorIs(t, err, core.ErrFileTooLarge)

	got, err := io.ReadAll(newSizeGuard(strings.NewReader("01234"), 5))
	require.NoError(t, err)
	assert.Equal(t, "01234", string(got))
}
