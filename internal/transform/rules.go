package transform

// rules.go checks one raw row against the quality stages.
//
// Stages run in a fixed order and stop at the first failure, so a row
// carries at most one issue:
//  1. Schema: ragged records and values that cannot be coerced to a number
//  2. Missing values: empty required cells
//  3. Range: quantity, unit_price and customer_age within inclusive bounds
//  4. Format: parseable date, store and product identifiers
//
// Duplicate detection needs the whole batch and lives in transform.go.

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/jackc/pgx/v5/pgtype"
)

// rules holds the compiled validation settings.
type rules struct {
	storeID   *regexp.Regexp
	productID *regexp.Regexp
	maxQty    int64
	maxPrice  pgtype.Numeric
	maxAge    int64
}

// candidate is a row that passed every row-level stage.
type candidate struct {
	date      time.Time
	storeID   string
	productID string
	quantity  int64
	price     pgtype.Numeric
	age       int64
	store     core.StoreAttributes
	hasStore  bool
}

// rowIssue builds a rejecting issue for row.
func rowIssue(row core.RawRow, kind core.IssueKind, field, value, detail string) *core.QualityIssue {
	return &core.QualityIssue{
		Kind:       kind,
		Severity:   core.SeverityReject,
		SourceFile: row.SourceFile,
		Row:        row.Line,
		Field:      field,
		Value:      value,
		Detail:     detail,
	}
}

// check runs the row-level stages. Exactly one of the results is non-nil.
func (r *rules) check(row core.RawRow) (*candidate, *core.QualityIssue) {
	if row.Problem != "" {
		return nil, rowIssue(row, core.IssueSchema, "", "", row.Problem)
	}

	c := &candidate{}

	// Stage 1: coercion. Empty cells are left to the missing-value stage.
	if v, _ := row.Value(core.ColQuantity); v != "" {
		n, err := core.ParseWholeNumber(v)
		if err != nil {
			return nil, rowIssue(row, core.IssueSchema, core.ColQuantity, v, "quantity is not a whole number")
		}
		c.quantity = n
	}
	if v, _ := row.Value(core.ColUnitPrice); v != "" {
		n, err := core.ParseNumeric(v)
		if errors.Is(err, core.ErrNumericPrecision) {
			return nil, rowIssue(row, core.IssueSchema, core.ColUnitPrice, v,
				fmt.Sprintf("unit_price exceeds %d integer or %d fraction digits", core.NumericMaxIntDigits, core.NumericMaxScale))
		}
		if err != nil {
			return nil, rowIssue(row, core.IssueSchema, core.ColUnitPrice, v, "unit_price is not a number")
		}
		c.price = n
	}
	if v, _ := row.Value(core.ColCustomerAge); v != "" {
		n, err := core.ParseWholeNumber(v)
		if err != nil {
			return nil, rowIssue(row, core.IssueSchema, core.ColCustomerAge, v, "customer_age is not a whole number")
		}
		c.age = n
	}

	// Stage 2: missing values.
	for _, col := range core.RequiredColumns {
		if v, _ := row.Value(col); v == "" {
			return nil, rowIssue(row, core.IssueSchema, col, "", "required value is empty")
		}
	}
	region, _ := row.Value(core.ColStoreRegion)
	tier, _ := row.Value(core.ColStoreTier)
	c.hasStore = region != "" || tier != ""
	c.store = core.DefaultStoreAttributes()
	if region != "" {
		c.store.Region = region
	}
	if tier != "" {
		c.store.Tier = tier
	}

	// Stage 3: inclusive ranges.
	if c.quantity < 0 || c.quantity > r.maxQty {
		return nil, rowIssue(row, core.IssueRange, core.ColQuantity, strconv.FormatInt(c.quantity, 10),
			fmt.Sprintf("quantity outside [0, %d]", r.maxQty))
	}
	if c.price.Int.Sign() < 0 || core.CompareNumeric(c.price, r.maxPrice) > 0 {
		return nil, rowIssue(row, core.IssueRange, core.ColUnitPrice, core.NumericString(c.price),
			fmt.Sprintf("unit_price outside [0, %s]", core.NumericString(r.maxPrice)))
	}
	if c.age < 0 || c.age > r.maxAge {
		return nil, rowIssue(row, core.IssueRange, core.ColCustomerAge, strconv.FormatInt(c.age, 10),
			fmt.Sprintf("customer_age outside [0, %d]", r.maxAge))
	}

	// Stage 4: formats.
	rawDate, _ := row.Value(core.ColDate)
	date, ok := core.ParseDate(rawDate)
	if !ok {
		return nil, rowIssue(row, core.IssueFormat, core.ColDate, rawDate, "unrecognised date")
	}
	c.date = date

	c.storeID, _ = row.Value(core.ColStoreID)
	if !r.storeID.MatchString(c.storeID) {
		return nil, rowIssue(row, core.IssueFormat, core.ColStoreID, c.storeID, "store_id does not match the expected pattern")
	}
	c.productID, _ = row.Value(core.ColProductID)
	if !r.productID.MatchString(c.productID) {
		return nil, rowIssue(row, core.IssueFormat, core.ColProductID, c.productID, "product_id does not match the expected pattern")
	}

	return c, nil
}
