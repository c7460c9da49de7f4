package core

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// SummaryDelta is one transaction's contribution to every summary table.
// Updates are applied as the negated old contribution plus the new one.
type SummaryDelta struct {
	Date         time.Time
	StoreID      string
	ProductID    string
	AgeGroup     AgeGroup
	Revenue      pgtype.Numeric
	Quantity     int64
	Transactions int64
}

// DeltaFor returns the contribution of a newly inserted transaction.
func DeltaFor(t Transaction) SummaryDelta {
	return SummaryDelta{
		Date:         DateOnly(t.Date),
		StoreID:      t.StoreID,
		ProductID:    t.ProductID,
		AgeGroup:     t.AgeGroup,
		Revenue:      t.Revenue,
		Quantity:     int64(t.Quantity),
		Transactions: 1,
	}
}

// Negate returns the delta that removes d.
func (d SummaryDelta) Negate() SummaryDelta {
	d.Revenue = NegateNumeric(d.Revenue)
	d.Quantity = -d.Quantity
	d.Transactions = -d.Transactions
	return d
}

// WeekStart returns the Monday starting t's week.
func WeekStart(t time.Time) time.Time {
	d := DateOnly(t)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

// MonthStart returns the first day of t's month.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// QuarterOf returns the calendar quarter (1-4) of t.
func QuarterOf(t time.Time) int {
	return (int(t.Month())-1)/3 + 1
}

// QuarterStart returns the first day of t's quarter.
func QuarterStart(t time.Time) time.Time {
	m := time.Month((QuarterOf(t)-1)*3 + 1)
	return time.Date(t.Year(), m, 1, 0, 0, 0, 0, time.UTC)
}

// Period names for PeriodRevenue.
const (
	PeriodMonth   = "month"
	PeriodQuarter = "quarter"
)

// DailySales is the daily totals summary row.
type DailySales struct {
	Date         time.Time      `json:"date"`
	Revenue      pgtype.Numeric `json:"revenue"`
	Quantity     int64          `json:"quantity"`
	Transactions int64          `json:"transactions"`
}

// WeeklyStoreRevenue is revenue by store for a Monday-based week.
type WeeklyStoreRevenue struct {
	WeekStart time.Time      `json:"week_start"`
	StoreID   string         `json:"store_id"`
	Revenue   pgtype.Numeric `json:"revenue"`
}

// ProductAgeQuantity keeps sum and count so the average stays mergeable.
type ProductAgeQuantity struct {
	ProductID    string   `json:"product_id"`
	AgeGroup     AgeGroup `json:"age_group"`
	Quantity     int64    `json:"quantity"`
	Transactions int64    `json:"transactions"`
}

// AvgQuantity returns the mean quantity per transaction.
func (p ProductAgeQuantity) AvgQuantity() float64 {
	if p.Transactions == 0 {
		return 0
	}
	return float64(p.Quantity) / float64(p.Transactions)
}

// PeriodRevenue is revenue for a calendar month or quarter.
type PeriodRevenue struct {
	Period  string         `json:"period"`
	Start   time.Time      `json:"start"`
	Revenue pgtype.Numeric `json:"revenue"`
}

// Summaries is a snapshot of every summary table, each sorted by its key.
type Summaries struct {
	Daily         []DailySales         `json:"daily"`
	WeeklyByStore []WeeklyStoreRevenue `json:"weekly_by_store"`
	ProductAge    []ProductAgeQuantity `json:"product_age"`
	Periods       []PeriodRevenue      `json:"periods"`
}
