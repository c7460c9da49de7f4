package core

import (
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// Column names recognised in source files. Matching is case-insensitive.
const (
	ColDate        = "date"
	ColStoreID     = "store_id"
	ColProductID   = "product_id"
	ColQuantity    = "quantity"
	ColUnitPrice   = "unit_price"
	ColCustomerAge = "customer_age"
	ColStoreRegion = "store_region"
	ColStoreTier   = "store_tier"
)

// RequiredColumns must be present in every source file.
var RequiredColumns = []string{
	ColDate, ColStoreID, ColProductID, ColQuantity, ColUnitPrice, ColCustomerAge,
}

// OptionalColumns carry store attributes; rows without them use defaults.
var OptionalColumns = []string{ColStoreRegion, ColStoreTier}

// DerivedColumns may appear in pre-cleaned input. They are ignored and recomputed.
var DerivedColumns = []string{
	"revenue", "day_of_week", "month", "quarter", "is_weekend", "age_group",
}

// Defaults for store attributes a row does not carry.
const (
	DefaultRegion = "unknown"
	DefaultTier   = "unknown"
)

// AgeGroup is the customer age bucket.
type AgeGroup string

const (
	AgeUnder18 AgeGroup = "under-18"
	Age18To25  AgeGroup = "18-25"
	Age26To35  AgeGroup = "26-35"
	Age36To50  AgeGroup = "36-50"
	AgeOver50  AgeGroup = "over-50"
)

// AgeGroups lists every bucket in ascending order.
func AgeGroups() []AgeGroup {
	return []AgeGroup{AgeUnder18, Age18To25, Age26To35, Age36To50, AgeOver50}
}

// AgeGroupFor buckets an age. 18 belongs to 18-25, 50 to 36-50.
func AgeGroupFor(age int) AgeGroup {
	switch {
	case age < 18:
		return AgeUnder18
	case age <= 25:
		return Age18To25
	case age <= 35:
		return Age26To35
	case age <= 50:
		return Age36To50
	default:
		return AgeOver50
	}
}

// StoreAttributes are the slowly changing attributes of a store.
type StoreAttributes struct {
	Region string `json:"region"`
	Tier   string `json:"tier"`
}

// DefaultStoreAttributes is used for stores first seen without attributes.
func DefaultStoreAttributes() StoreAttributes {
	return StoreAttributes{Region: DefaultRegion, Tier: DefaultTier}
}

// Features are computed by the transformer, never read from input.
type Features struct {
	Revenue   pgtype.Numeric `json:"revenue"`
	DayOfWeek time.Weekday   `json:"day_of_week"`
	Month     int            `json:"month"`
	Quarter   int            `json:"quarter"`
	IsWeekend bool           `json:"is_weekend"`
	AgeGroup  AgeGroup       `json:"age_group"`
}

// Transaction is one validated sale line.
type Transaction struct {
	Date        time.Time      `json:"date"`
	StoreID     string         `json:"store_id"`
	ProductID   string         `json:"product_id"`
	Quantity    int            `json:"quantity"`
	UnitPrice   pgtype.Numeric `json:"unit_price"`
	CustomerAge int            `json:"customer_age"`
	SourceFile  string         `json:"source_file"`

	// Line is the 1-based line or record number in SourceFile.
	Line int `json:"line"`

	// Store holds the attributes carried by this row. HasStoreAttributes is
	// false when the source had neither store_region nor store_tier.
	Store              StoreAttributes `json:"store"`
	HasStoreAttributes bool            `json:"has_store_attributes"`

	Features
}

// Key returns the idempotent upsert key.
func (t Transaction) Key() FactKey {
	return NewFactKey(t.Date, t.StoreID, t.ProductID, t.SourceFile)
}

// SameValues reports whether two facts with the same key carry the same
// measured values. Derived features follow from these.
func (t Transaction) SameValues(o Transaction) bool {
	return t.Quantity == o.Quantity &&
		t.CustomerAge == o.CustomerAge &&
		CompareNumeric(t.UnitPrice, o.UnitPrice) == 0
}

// FactKey identifies a fact row: (date, store_id, product_id, source_file).
type FactKey struct {
	Date       time.Time
	StoreID    string
	ProductID  string
	SourceFile string
}

// NewFactKey builds a key with the date truncated to a UTC calendar day.
func NewFactKey(date time.Time, storeID, productID, sourceFile string) FactKey {
	return FactKey{Date: DateOnly(date), StoreID: storeID, ProductID: productID, SourceFile: sourceFile}
}

func (k FactKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Date.Format(time.DateOnly), k.StoreID, k.ProductID, k.SourceFile)
}

// FactKeySet is a set of fact keys.
type FactKeySet map[FactKey]struct{}

func (s FactKeySet) Has(k FactKey) bool {
	_, ok := s[k]
	return ok
}

func (s FactKeySet) Add(k FactKey) {
	s[k] = struct{}{}
}

// DateOnly returns midnight UTC of t's calendar day.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RawRow is one untyped record read from a source file.
type RawRow struct {
	SourceFile string
	Line       int

	// Values maps lowercased column names to cell text.
	Values map[string]string

	// Problem is set by the reader when the record could not be mapped onto
	// the header, e.g. a CSV line with the wrong number of fields.
	Problem string
}

// Value returns the trimmed value of a column and whether the column exists.
func (r RawRow) Value(col string) (string, bool) {
	v, ok := r.Values[col]
	return CleanCell(v), ok
}

// RawFile is the content of one source file.
type RawFile struct {
	Name   string
	Format string

	// Columns is the detected header, lowercased.
	Columns []string
	Rows    []RawRow
}

// MissingColumns returns the required columns absent from the header.
func (f RawFile) MissingColumns() []string {
	have := make(map[string]bool, len(f.Columns))
	for _, c := range f.Columns {
		have[c] = true
	}
	var missing []string
	for _, c := range RequiredColumns {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

// RawBatch holds every file read in one extraction.
type RawBatch struct {
	Files []RawFile
}

// Empty reports whether the batch has no files.
func (b RawBatch) Empty() bool {
	return len(b.Files) == 0
}

// RowCount returns the number of rows across all files.
func (b RawBatch) RowCount() int {
	n := 0
	for _, f := range b.Files {
		n += len(f.Rows)
	}
	return n
}

// FileNames returns the names of the files in the batch, sorted.
func (b RawBatch) FileNames() []string {
	names := make([]string, 0, len(b.Files))
	for _, f := range b.Files {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// CleanBatch is the transformer output: accepted transactions plus the
// names of every file that contributed to the batch.
type CleanBatch struct {
	Files        []string
	Transactions []Transaction
}

// MaxDate returns the latest transaction date, or false for an empty batch.
func (b CleanBatch) MaxDate() (time.Time, bool) {
	var max time.Time
	for _, t := range b.Transactions {
		if t.Date.After(max) {
			max = t.Date
		}
	}
	return max, !max.IsZero()
}

// DimensionRecord is one version of a store in the SCD type 2 dimension.
type DimensionRecord struct {
	StoreID       string          `json:"store_id"`
	Attributes    StoreAttributes `json:"attributes"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to"`
	IsCurrent     bool            `json:"is_current"`
}
