// Package warehouse stores the sales fact table, the store dimension and the
// incrementally maintained summary tables.
//
// Writes go through InTx so a fact, its summary contribution and any store
// dimension change commit together. Two backends are provided: Postgres for
// deployments and Memory for tests and dry runs.
package warehouse

import (
	"context"
	"time"

	"github.com/JonMunkholm/salesetl/internal/core"
)

// Warehouse is the analytical store the loader writes to.
type Warehouse interface {
	// ExistingKeys returns the keys of facts already loaded from files.
	ExistingKeys(ctx context.Context, files []string) (core.FactKeySet, error)

	// InTx runs fn in a transaction. Returning an error rolls back every
	// write fn made.
	InTx(ctx context.Context, fn func(Tx) error) error

	// StoreHistory returns every version of a store, oldest first.
	StoreHistory(ctx context.Context, storeID string) ([]core.DimensionRecord, error)

	// Summaries returns a snapshot of every summary table.
	Summaries(ctx context.Context) (core.Summaries, error)

	// DailySales returns daily totals for from..to inclusive. A zero bound
	// is open.
	DailySales(ctx context.Context, from, to time.Time) ([]core.DailySales, error)

	// FactCount returns the number of fact rows.
	FactCount(ctx context.Context) (int64, error)
}

// Tx is the write surface available inside InTx.
type Tx interface {
	Fact(ctx context.Context, key core.FactKey) (core.Transaction, bool, error)
	InsertFact(ctx context.Context, fact core.Transaction) error
	UpdateFact(ctx context.Context, fact core.Transaction) error

	// ApplySummary adds d to the daily, weekly, product by age group,
	// monthly and quarterly summaries.
	ApplySummary(ctx context.Context, d core.SummaryDelta) error

	CurrentStore(ctx context.Context, storeID string) (core.DimensionRecord, bool, error)

	// CloseStore ends the current version of a store at the given time.
	CloseStore(ctx context.Context, storeID string, at time.Time) error

	// InsertStore adds a version. A current version must not already exist.
	InsertStore(ctx context.Context, rec core.DimensionRecord) error
}

// inRange reports whether day falls within from..to, zero bounds being open.
func inRange(day, from, to time.Time) bool {
	if !from.IsZero() && day.Before(core.DateOnly(from)) {
		return false
	}
	if !to.IsZero() && day.After(core.DateOnly(to)) {
		return false
	}
	return true
}
