package core

// convert.go turns source cell text into typed values.
//
// Source files come from spreadsheets and upstream scripts, so the parsers
// accept the usual noise:
//   - Several date formats (ISO, US, EU, timestamps written by pandas)
//   - Currency symbols and thousand separators in prices
//   - Excel formula prefixes (="value") and stray quotes
//
// Monetary values are kept as exact decimals in pgtype.Numeric and all
// arithmetic on them is done on the unscaled integer, never through floats.

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
// Matches integers, decimals, and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would result in dates more than this many years in the future
// are assumed to be in the previous century.
var TwoDigitYearPivot = 20

var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"2006-01-02 15:04:05", "2006-01-02T15:04:05", time.RFC3339, time.RFC3339Nano,
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006",
		"20060102",
	}
)

// Bounds on parsed decimals. Cells beyond them are rejected before any
// arithmetic, so scaling by 10^exp stays cheap and every accepted value fits
// a NUMERIC column.
const (
	NumericMaxScale     = 12 // digits after the decimal point
	NumericMaxIntDigits = 18 // digits before it
)

var (
	// ErrNumericPrecision marks a syntactically valid number outside
	// NumericMaxScale or NumericMaxIntDigits.
	ErrNumericPrecision = errors.New("number exceeds supported precision")

	errNotNumeric    = errors.New("invalid number")
	errNotWhole      = errors.New("not a whole number")
	errOutOfIntRange = errors.New("number out of range")
)

// ParseDate parses a date in any supported layout and returns the UTC
// calendar day. Time-of-day components are dropped.
func ParseDate(s string) (time.Time, bool) {
	s = CleanCell(s)
	if s == "" {
		return time.Time{}, false
	}

	// Try 4-digit year layouts first (unambiguous)
	for _, layout := range fourDigitYearLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return DateOnly(t), true
		}
	}

	// Try 2-digit year layouts with pivot year adjustment
	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return DateOnly(t), true
		}
	}

	return time.Time{}, false
}

// ParseNumeric converts a string to an exact pgtype.Numeric.
// Handles currency symbols, thousands separators, and accounting format
// (parentheses for negative).
func ParseNumeric(s string) (pgtype.Numeric, error) {
	s = CleanCell(s)
	if s == "" {
		return pgtype.Numeric{}, errNotNumeric
	}

	// Detect negative accounting format "(123.45)"
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, "€", "") // Euro
	s = strings.ReplaceAll(s, "£", "") // Pound
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	if !numericRegex.MatchString(s) {
		return pgtype.Numeric{}, fmt.Errorf("%w: %q", errNotNumeric, s)
	}

	if strings.HasPrefix(s, "-") {
		negative = !negative
		s = s[1:]
	}
	s = strings.TrimPrefix(s, "+")

	var exp int64
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		e, err := strconv.ParseInt(s[i+1:], 10, 32)
		if err != nil {
			return pgtype.Numeric{}, fmt.Errorf("%w: exponent %q", errNotNumeric, s[i+1:])
		}
		exp = e
		s = s[:i]
	}
	intPart, fracPart, _ := strings.Cut(s, ".")
	digits := strings.TrimLeft(intPart+fracPart, "0")
	if digits == "" {
		digits = "0"
	}
	exp -= int64(len(fracPart))
	if digits == "0" && exp > 0 {
		exp = 0
	}
	if exp < -NumericMaxScale || int64(len(digits))+exp > NumericMaxIntDigits {
		return pgtype.Numeric{}, fmt.Errorf("%w: %q", ErrNumericPrecision, s)
	}

	n, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return pgtype.Numeric{}, fmt.Errorf("%w: %q", errNotNumeric, s)
	}
	if negative {
		n.Neg(n)
	}
	return pgtype.Numeric{Int: n, Exp: int32(exp), Valid: true}, nil
}

// ParseWholeNumber parses an integer cell. Values with a zero fractional
// part ("12.0", as written by spreadsheet tools) are accepted.
func ParseWholeNumber(s string) (int64, error) {
	s = CleanCell(s)
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}

	n, err := ParseNumeric(s)
	if err != nil {
		return 0, err
	}
	r := NumericRat(n)
	if !r.IsInt() {
		return 0, fmt.Errorf("%w: %q", errNotWhole, s)
	}
	if !r.Num().IsInt64() {
		return 0, fmt.Errorf("%w: %q", errOutOfIntRange, s)
	}
	return r.Num().Int64(), nil
}

// NumericFromInt returns i as a Numeric with exponent zero.
func NumericFromInt(i int64) pgtype.Numeric {
	return pgtype.Numeric{Int: big.NewInt(i), Valid: true}
}

// MustNumeric parses s and panics on failure. For constants and tests.
func MustNumeric(s string) pgtype.Numeric {
	n, err := ParseNumeric(s)
	if err != nil {
		panic(err)
	}
	return n
}

// NumericRat returns n as an exact rational. Invalid values are zero.
func NumericRat(n pgtype.Numeric) *big.Rat {
	if !n.Valid || n.Int == nil || n.NaN {
		return new(big.Rat)
	}
	r := new(big.Rat).SetInt(n.Int)
	if n.Exp == 0 {
		return r
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs32(n.Exp))), nil)
	if n.Exp > 0 {
		return r.Mul(r, new(big.Rat).SetInt(scale))
	}
	return r.Quo(r, new(big.Rat).SetInt(scale))
}

// CompareNumeric returns -1, 0 or 1. Invalid values compare as zero.
func CompareNumeric(a, b pgtype.Numeric) int {
	return NumericRat(a).Cmp(NumericRat(b))
}

// MulNumericInt multiplies n by k, keeping n's scale.
func MulNumericInt(n pgtype.Numeric, k int64) pgtype.Numeric {
	if !n.Valid || n.Int == nil {
		return NumericFromInt(0)
	}
	return pgtype.Numeric{Int: new(big.Int).Mul(n.Int, big.NewInt(k)), Exp: n.Exp, Valid: true}
}

// AddNumeric returns a+b at the finer of the two scales.
// Invalid operands count as zero.
func AddNumeric(a, b pgtype.Numeric) pgtype.Numeric {
	if !a.Valid || a.Int == nil {
		a = NumericFromInt(0)
	}
	if !b.Valid || b.Int == nil {
		b = NumericFromInt(0)
	}
	exp := a.Exp
	if b.Exp < exp {
		exp = b.Exp
	}
	sum := new(big.Int).Add(rescale(a, exp), rescale(b, exp))
	return pgtype.Numeric{Int: sum, Exp: exp, Valid: true}
}

// NegateNumeric returns -n.
func NegateNumeric(n pgtype.Numeric) pgtype.Numeric {
	if !n.Valid || n.Int == nil {
		return NumericFromInt(0)
	}
	return pgtype.Numeric{Int: new(big.Int).Neg(n.Int), Exp: n.Exp, Valid: true}
}

// NumericString formats n as a plain decimal, e.g. "12.50".
func NumericString(n pgtype.Numeric) string {
	if !n.Valid || n.Int == nil {
		return "0"
	}
	if n.Exp >= 0 {
		return rescale(n, 0).String()
	}
	digits := new(big.Int).Abs(n.Int).String()
	scale := int(-n.Exp)
	if len(digits) <= scale {
		digits = strings.Repeat("0", scale-len(digits)+1) + digits
	}
	out := digits[:len(digits)-scale] + "." + digits[len(digits)-scale:]
	if n.Int.Sign() < 0 {
		out = "-" + out
	}
	return out
}

// NumericFloat returns an approximate float for reporting.
func NumericFloat(n pgtype.Numeric) float64 {
	f, _ := NumericRat(n).Float64()
	return f
}

// rescale returns n's unscaled integer expressed at exponent exp (exp <= n.Exp).
func rescale(n pgtype.Numeric, exp int32) *big.Int {
	v := new(big.Int).Set(n.Int)
	if n.Exp == exp {
		return v
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp-exp)), nil)
	return v.Mul(v, factor)
}

func abs32(i int32) int32 {
	if i < 0 {
		return -i
	}
	return i
}

// HeaderIndex maps lowercased column names to positions.
type HeaderIndex map[string]int

// MakeHeaderIndex creates a HeaderIndex from a header row.
// Keys are lowercased for case-insensitive matching.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := NormalizeColumn(h)
		if _, dup := idx[key]; dup || key == "" {
			continue
		}
		idx[key] = i
	}
	return idx
}

// NormalizeColumn lowercases a header cell and maps spaces to underscores,
// so "Store ID" and "store_id" name the same column.
func NormalizeColumn(h string) string {
	h = strings.ToLower(CleanCell(h))
	return strings.Join(strings.Fields(h), "_")
}

// CleanCell removes common spreadsheet artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}
