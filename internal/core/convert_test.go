package core

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// ----------------------------------------------------------------------------
// ParseNumeric Tests
// ----------------------------------------------------------------------------

func TestParseNumeric_PrecisionError(t *testing.T) {
	_, err := ParseNumeric("1e-9999999")
	if !errors.Is(err, ErrNumericPrecision) {
		t.Errorf("error = %v, want ErrNumericPrecision", err)
	}
}

func TestParseNumeric(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantErr   bool
		wantValue string
	}{
		// Valid: integers and decimals
		{name: "positive integer", input: "123", wantValue: "123"},
		{name: "zero", input: "0", wantValue: "0"},
		{name: "negative integer", input: "-456", wantValue: "-456"},
		{name: "decimal number", input: "123.45", wantValue: "123.45"},
		{name: "keeps trailing zeros", input: "12.50", wantValue: "12.50"},
		{name: "leading decimal point", input: ".99", wantValue: "0.99"},
		{name: "trailing decimal point", input: "99.", wantValue: "99"},
		{name: "small negative", input: "-0.5", wantValue: "-0.5"},

		// Valid: currency and separators
		{name: "dollar sign", input: "$1,234.56", wantValue: "1234.56"},
		{name: "euro sign", input: "€1234.56", wantValue: "1234.56"},
		{name: "pound sign", input: "£1234.56", wantValue: "1234.56"},
		{name: "accounting negative", input: "(12.50)", wantValue: "-12.50"},

		// Valid: scientific notation
		{name: "positive exponent", input: "1e3", wantValue: "1000"},
		{name: "mixed exponent", input: "1.5e2", wantValue: "150"},
		{name: "negative exponent", input: "25e-2", wantValue: "0.25"},

		// Valid: spreadsheet artifacts
		{name: "excel formula", input: `="19.99"`, wantValue: "19.99"},
		{name: "surrounding whitespace", input: "  7.5 ", wantValue: "7.5"},

		// Invalid
		{name: "empty", input: "", wantErr: true},
		{name: "letters", input: "abc", wantErr: true},
		{name: "two points", input: "1.2.3", wantErr: true},
		{name: "bare sign", input: "-", wantErr: true},

		// Invalid: beyond supported precision
		{name: "huge exponent", input: "1e9999999", wantErr: true},
		{name: "tiny exponent", input: "1e-9999999", wantErr: true},
		{name: "too many integer digits", input: "1234567890123456789", wantErr: true},
		{name: "too many fraction digits", input: "0.0000000000001", wantErr: true},
		{name: "exponent past int32", input: "1e99999999999", wantErr: true},

		// Valid: at the precision limits
		{name: "max integer digits", input: "123456789012345678", wantValue: "123456789012345678"},
		{name: "max fraction digits", input: "0.000000000001", wantValue: "0.000000000001"},
		{name: "zero with large exponent", input: "0e50", wantValue: "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNumeric(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseNumeric(%q) = %s, want error", tt.input, NumericString(got))
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNumeric(%q) error = %v", tt.input, err)
			}
			if s := NumericString(got); s != tt.wantValue {
				t.Errorf("ParseNumeric(%q) = %s, want %s", tt.input, s, tt.wantValue)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// ParseWholeNumber Tests
// ----------------------------------------------------------------------------

func TestParseWholeNumber(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{input: "5", want: 5},
		{input: "+5", want: 5},
		{input: "-3", want: -3},
		{input: "100", want: 100},
		{input: "12.0", want: 12},
		{input: "12.00", want: 12},
		{input: "1e2", want: 100},
		{input: "3.5", wantErr: true},
		{input: "", wantErr: true},
		{input: "five", wantErr: true},
		{input: "99999999999999999999999", wantErr: true},
		{input: "1e9999999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseWholeNumber(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseWholeNumber(%q) = %d, want error", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWholeNumber(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseWholeNumber(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// Numeric arithmetic Tests
// ----------------------------------------------------------------------------

func TestNumericArithmetic(t *testing.T) {
	t.Run("multiply keeps scale", func(t *testing.T) {
		got := MulNumericInt(MustNumeric("19.99"), 3)
		if s := NumericString(got); s != "59.97" {
			t.Errorf("19.99 * 3 = %s, want 59.97", s)
		}
	})

	t.Run("add aligns scales", func(t *testing.T) {
		got := AddNumeric(MustNumeric("10.5"), MustNumeric("0.25"))
		if s := NumericString(got); s != "10.75" {
			t.Errorf("10.5 + 0.25 = %s, want 10.75", s)
		}
	})

	t.Run("add with positive exponent", func(t *testing.T) {
		got := AddNumeric(MustNumeric("1e2"), MustNumeric("1.5"))
		if s := NumericString(got); s != "101.5" {
			t.Errorf("1e2 + 1.5 = %s, want 101.5", s)
		}
	})

	t.Run("add treats invalid as zero", func(t *testing.T) {
		got := AddNumeric(pgtype.Numeric{}, MustNumeric("4.20"))
		if s := NumericString(got); s != "4.20" {
			t.Errorf("0 + 4.20 = %s, want 4.20", s)
		}
	})

	t.Run("negate then add cancels", func(t *testing.T) {
		v := MustNumeric("33.33")
		got := AddNumeric(v, NegateNumeric(v))
		if CompareNumeric(got, NumericFromInt(0)) != 0 {
			t.Errorf("v + -v = %s, want 0", NumericString(got))
		}
	})

	t.Run("compare ignores scale", func(t *testing.T) {
		if CompareNumeric(MustNumeric("1000"), MustNumeric("1000.00")) != 0 {
			t.Error("1000 != 1000.00")
		}
		if CompareNumeric(MustNumeric("1000.01"), MustNumeric("1000")) != 1 {
			t.Error("1000.01 should be > 1000")
		}
		if CompareNumeric(MustNumeric("-0.01"), NumericFromInt(0)) != -1 {
			t.Error("-0.01 should be < 0")
		}
	})
}

// ----------------------------------------------------------------------------
// ParseDate Tests
// ----------------------------------------------------------------------------

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	valid := []string{
		"2024-03-15",
		"2024/03/15",
		"2024-03-15 00:00:00",
		"2024-03-15 17:45:10",
		"2024-03-15T09:30:00Z",
		"3/15/2024",
		"03/15/2024",
		"Mar 15, 2024",
		"15 Mar 2024",
		"20240315",
		"3/15/24",
	}
	for _, in := range valid {
		t.Run(in, func(t *testing.T) {
			got, ok := ParseDate(in)
			if !ok {
				t.Fatalf("ParseDate(%q) failed", in)
			}
			if !got.Equal(want) || got.Location() != time.UTC {
				t.Errorf("ParseDate(%q) = %v, want %v", in, got, want)
			}
		})
	}

	for _, in := range []string{"", "yesterday", "2024-13-01", "32/01/2024"} {
		t.Run("invalid "+in, func(t *testing.T) {
			if got, ok := ParseDate(in); ok {
				t.Errorf("ParseDate(%q) = %v, want failure", in, got)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// Header Tests
// ----------------------------------------------------------------------------

func TestMakeHeaderIndex(t *testing.T) {
	idx := MakeHeaderIndex([]string{" Date ", "Store ID", "product_id", "PRODUCT_ID", ""})

	if idx["date"] != 0 {
		t.Errorf("date index = %d, want 0", idx["date"])
	}
	if idx["store_id"] != 1 {
		t.Errorf("store_id index = %d, want 1", idx["store_id"])
	}
	if idx["product_id"] != 2 {
		t.Errorf("product_id index = %d, want first occurrence 2", idx["product_id"])
	}
	if _, ok := idx[""]; ok {
		t.Error("empty header cell should not be indexed")
	}
}

func TestCleanCell(t *testing.T) {
	tests := map[string]string{
		`  hello  `: "hello",
		`="00123"`:  "00123",
		`=SUM`:      "SUM",
		`"quoted"`:  "quoted",
		`'single'`:  "single",
	}
	for in, want := range tests {
		if got := CleanCell(in); got != want {
			t.Errorf("CleanCell(%q) = %q, want %q", in, got, want)
		}
	}
}
