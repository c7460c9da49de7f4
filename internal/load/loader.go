// Package load writes a clean batch into the warehouse.
//
// Every fact is upserted in its own small transaction together with its
// summary contribution, so an interrupted load leaves the warehouse
// consistent and a retry resumes where the previous attempt stopped. Store
// dimension changes are applied per store, closing the current version and
// opening the new one in one transaction.
package load

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/JonMunkholm/salesetl/internal/logging"
	"github.com/JonMunkholm/salesetl/internal/warehouse"
)

// Result counts what one load changed.
type Result struct {
	Inserted      int `json:"rows_inserted"`
	Updated       int `json:"rows_updated"`
	Unchanged     int `json:"rows_unchanged"`
	StoresAdded   int `json:"stores_added"`
	StoresChanged int `json:"stores_changed"`
}

// StoreVersions returns the number of dimension rows written.
func (r Result) StoreVersions() int {
	return r.StoresAdded + r.StoresChanged
}

// Add accumulates o into r. Used to total the attempts of a retried load.
func (r *Result) Add(o Result) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
	r.StoresAdded += o.StoresAdded
	r.StoresChanged += o.StoresChanged
}

// Loader applies clean batches to a Warehouse.
type Loader struct {
	wh  warehouse.Warehouse
	now func() time.Time
}

// New returns a Loader writing to wh.
func New(wh warehouse.Warehouse) *Loader {
	return &Loader{wh: wh, now: time.Now}
}

// Load upserts the dimension and facts of batch. Loading the same batch
// twice changes nothing the second time. On error the result counts the
// writes that were committed before the failure.
func (l *Loader) Load(ctx context.Context, batch core.CleanBatch) (Result, error) {
	var res Result
	logger := logging.FromContext(ctx)
	start := time.Now()
	loadedAt := l.now().UTC()

	for _, change := range storeChanges(batch.Transactions) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := l.applyStore(ctx, change, loadedAt, &res); err != nil {
			return res, err
		}
	}

	for _, fact := range batch.Transactions {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := l.upsertFact(ctx, fact, &res); err != nil {
			return res, err
		}
	}

	logger.Info("load finished",
		"inserted", res.Inserted,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"stores_added", res.StoresAdded,
		"stores_changed", res.StoresChanged,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// upsertFact inserts, updates or skips one fact and applies the summary
// delta in the same transaction.
func (l *Loader) upsertFact(ctx context.Context, fact core.Transaction, res *Result) error {
	var outcome *int
	err := l.wh.InTx(ctx, func(tx warehouse.Tx) error {
		key := fact.Key()
		old, found, err := tx.Fact(ctx, key)
		if err != nil {
			return err
		}

		switch {
		case !found:
			if err := tx.InsertFact(ctx, fact); err != nil {
				return err
			}
			outcome = &res.Inserted
			return tx.ApplySummary(ctx, core.DeltaFor(fact))

		case old.SameValues(fact):
			outcome = &res.Unchanged
			return nil

		default:
			if err := tx.UpdateFact(ctx, fact); err != nil {
				return err
			}
			if err := tx.ApplySummary(ctx, core.DeltaFor(old).Negate()); err != nil {
				return err
			}
			outcome = &res.Updated
			return tx.ApplySummary(ctx, core.DeltaFor(fact))
		}
	})
	if err != nil {
		return fmt.Errorf("load fact %s: %w", fact.Key(), err)
	}
	*outcome++
	return nil
}

// storeChange is the attributes a batch asserts for one store.
type storeChange struct {
	storeID  string
	attrs    core.StoreAttributes
	explicit bool
}

// storeChanges picks, per store, the attributes of its latest row that
// carries any. Stores whose rows carry none get the defaults, flagged as
// not explicit.
func storeChanges(txs []core.Transaction) []storeChange {
	latest := make(map[string]core.Transaction)
	seen := make(map[string]bool)
	for _, t := range txs {
		seen[t.StoreID] = true
		if !t.HasStoreAttributes {
			continue
		}
		cur, ok := latest[t.StoreID]
		if !ok || later(t, cur) {
			latest[t.StoreID] = t
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]storeChange, 0, len(ids))
	for _, id := range ids {
		if t, ok := latest[id]; ok {
			out = append(out, storeChange{storeID: id, attrs: t.Store, explicit: true})
			continue
		}
		out = append(out, storeChange{storeID: id, attrs: core.DefaultStoreAttributes()})
	}
	return out
}

// later orders rows by date, then source file, then line.
func later(a, b core.Transaction) bool {
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	if a.SourceFile != b.SourceFile {
		return a.SourceFile > b.SourceFile
	}
	return a.Line > b.Line
}

// applyStore brings one store's dimension in line with change.
func (l *Loader) applyStore(ctx context.Context, change storeChange, at time.Time, res *Result) error {
	var added, changed bool
	err := l.wh.InTx(ctx, func(tx warehouse.Tx) error {
		cur, found, err := tx.CurrentStore(ctx, change.storeID)
		if err != nil {
			return err
		}
		if found && (!change.explicit || cur.Attributes == change.attrs) {
			return nil
		}

		from := at
		if found {
			// A version starts strictly after the one it replaces; timestamptz
			// keeps microseconds.
			if !from.After(cur.EffectiveFrom) {
				from = cur.EffectiveFrom.Add(time.Microsecond)
			}
			if err := tx.CloseStore(ctx, change.storeID, from); err != nil {
				return err
			}
			changed = true
		} else {
			added = true
		}
		return tx.InsertStore(ctx, core.DimensionRecord{
			StoreID:       change.storeID,
			Attributes:    change.attrs,
			EffectiveFrom: from,
			IsCurrent:     true,
		})
	})
	if err != nil {
		return fmt.Errorf("load store %s: %w", change.storeID, err)
	}

	logger := logging.FromContext(ctx)
	switch {
	case added:
		res.StoresAdded++
		logger.Debug("store added", "store_id", change.storeID, "region", change.attrs.Region, "tier", change.attrs.Tier)
	case changed:
		res.StoresChanged++
		logger.Debug("store changed", "store_id", change.storeID, "region", change.attrs.Region, "tier", change.attrs.Tier)
	}
	return nil
}
