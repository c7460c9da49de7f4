package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/jackc/pgx/v5/pgtype"
)

// ErrCurrentStoreExists is returned when a second current version of a
// store would be inserted.
var ErrCurrentStoreExists = errors.New("store already has a current version")

// ErrStoreVersionExists is returned when a store version with the same
// effective_from is already recorded.
var ErrStoreVersionExists = errors.New("store version already exists")

type weekKey struct {
	week    time.Time
	storeID string
}

type productAgeKey struct {
	productID string
	ageGroup  core.AgeGroup
}

type periodKey struct {
	period string
	start  time.Time
}

// Memory is an in-process Warehouse. Transactions are serialised and
// rolled back through an undo log.
type Memory struct {
	mu sync.Mutex

	facts      map[core.FactKey]core.Transaction
	stores     map[string][]core.DimensionRecord
	daily      map[time.Time]core.DailySales
	weekly     map[weekKey]pgtype.Numeric
	productAge map[productAgeKey]core.ProductAgeQuantity
	periods    map[periodKey]pgtype.Numeric
}

// NewMemory returns an empty in-memory warehouse.
func NewMemory() *Memory {
	return &Memory{
		facts:      make(map[core.FactKey]core.Transaction),
		stores:     make(map[string][]core.DimensionRecord),
		daily:      make(map[time.Time]core.DailySales),
		weekly:     make(map[weekKey]pgtype.Numeric),
		productAge: make(map[productAgeKey]core.ProductAgeQuantity),
		periods:    make(map[periodKey]pgtype.Numeric),
	}
}

func (m *Memory) ExistingKeys(ctx context.Context, files []string) (core.FactKeySet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(files))
	for _, f := range files {
		want[f] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make(core.FactKeySet)
	for k := range m.facts {
		if want[k.SourceFile] {
			keys.Add(k)
		}
	}
	return keys, nil
}

func (m *Memory) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (m *Memory) StoreHistory(ctx context.Context, storeID string) ([]core.DimensionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.stores[storeID]
	out := make([]core.DimensionRecord, len(versions))
	copy(out, versions)
	return out, nil
}

func (m *Memory) Summaries(ctx context.Context) (core.Summaries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s core.Summaries
	for _, d := range m.daily {
		s.Daily = append(s.Daily, d)
	}
	sort.Slice(s.Daily, func(i, j int) bool { return s.Daily[i].Date.Before(s.Daily[j].Date) })

	for k, rev := range m.weekly {
		s.WeeklyByStore = append(s.WeeklyByStore, core.WeeklyStoreRevenue{WeekStart: k.week, StoreID: k.storeID, Revenue: rev})
	}
	sort.Slice(s.WeeklyByStore, func(i, j int) bool {
		a, b := s.WeeklyByStore[i], s.WeeklyByStore[j]
		if !a.WeekStart.Equal(b.WeekStart) {
			return a.WeekStart.Before(b.WeekStart)
		}
		return a.StoreID < b.StoreID
	})

	for _, p := range m.productAge {
		s.ProductAge = append(s.ProductAge, p)
	}
	sort.Slice(s.ProductAge, func(i, j int) bool {
		a, b := s.ProductAge[i], s.ProductAge[j]
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		return a.AgeGroup < b.AgeGroup
	})

	for k, rev := range m.periods {
		s.Periods = append(s.Periods, core.PeriodRevenue{Period: k.period, Start: k.start, Revenue: rev})
	}
	sort.Slice(s.Periods, func(i, j int) bool {
		a, b := s.Periods[i], s.Periods[j]
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		return a.Start.Before(b.Start)
	})
	return s, nil
}

func (m *Memory) DailySales(ctx context.Context, from, to time.Time) ([]core.DailySales, error) {
	s, err := m.Summaries(ctx)
	if err != nil {
		return nil, err
	}
	var out []core.DailySales
	for _, d := range s.Daily {
		if inRange(d.Date, from, to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) FactCount(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.facts)), nil
}

// Facts returns every fact sorted by key. Used by tests and dry runs.
func (m *Memory) Facts() []core.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]core.Transaction, 0, len(m.facts))
	for _, f := range m.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

// memTx applies writes directly and records how to undo them.
type memTx struct {
	m    *Memory
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) Fact(ctx context.Context, key core.FactKey) (core.Transaction, bool, error) {
	f, ok := t.m.facts[key]
	return f, ok, nil
}

func (t *memTx) InsertFact(ctx context.Context, fact core.Transaction) error {
	key := fact.Key()
	if _, ok := t.m.facts[key]; ok {
		return fmt.Errorf("insert fact %s: already exists", key)
	}
	t.m.facts[key] = fact
	t.undo = append(t.undo, func() { delete(t.m.facts, key) })
	return nil
}

func (t *memTx) UpdateFact(ctx context.Context, fact core.Transaction) error {
	key := fact.Key()
	old, ok := t.m.facts[key]
	if !ok {
		return fmt.Errorf("update fact %s: not found", key)
	}
	t.m.facts[key] = fact
	t.undo = append(t.undo, func() { t.m.facts[key] = old })
	return nil
}

func (t *memTx) ApplySummary(ctx context.Context, d core.SummaryDelta) error {
	day := core.DateOnly(d.Date)
	m := t.m

	oldDaily, hadDaily := m.daily[day]
	daily := oldDaily
	daily.Date = day
	daily.Revenue = core.AddNumeric(daily.Revenue, d.Revenue)
	daily.Quantity += d.Quantity
	daily.Transactions += d.Transactions
	m.daily[day] = daily

	wk := weekKey{week: core.WeekStart(day), storeID: d.StoreID}
	oldWeek, hadWeek := m.weekly[wk]
	m.weekly[wk] = core.AddNumeric(oldWeek, d.Revenue)

	pk := productAgeKey{productID: d.ProductID, ageGroup: d.AgeGroup}
	oldPA, hadPA := m.productAge[pk]
	pa := oldPA
	pa.ProductID, pa.AgeGroup = d.ProductID, d.AgeGroup
	pa.Quantity += d.Quantity
	pa.Transactions += d.Transactions
	m.productAge[pk] = pa

	mk := periodKey{period: core.PeriodMonth, start: core.MonthStart(day)}
	oldMonth, hadMonth := m.periods[mk]
	m.periods[mk] = core.AddNumeric(oldMonth, d.Revenue)

	qk := periodKey{period: core.PeriodQuarter, start: core.QuarterStart(day)}
	oldQuarter, hadQuarter := m.periods[qk]
	m.periods[qk] = core.AddNumeric(oldQuarter, d.Revenue)

	t.undo = append(t.undo, func() {
		restore(m.daily, day, oldDaily, hadDaily)
		restore(m.weekly, wk, oldWeek, hadWeek)
		restore(m.productAge, pk, oldPA, hadPA)
		restore(m.periods, qk, oldQuarter, hadQuarter)
		restore(m.periods, mk, oldMonth, hadMonth)
	})
	return nil
}

func restore[K comparable, V any](m map[K]V, k K, old V, had bool) {
	if had {
		m[k] = old
		return
	}
	delete(m, k)
}

func (t *memTx) CurrentStore(ctx context.Context, storeID string) (core.DimensionRecord, bool, error) {
	for _, v := range t.m.stores[storeID] {
		if v.IsCurrent {
			return v, true, nil
		}
	}
	return core.DimensionRecord{}, false, nil
}

func (t *memTx) CloseStore(ctx context.Context, storeID string, at time.Time) error {
	versions := t.m.stores[storeID]
	for i := range versions {
		if !versions[i].IsCurrent {
			continue
		}
		old := versions[i]
		end := at.UTC()
		versions[i].IsCurrent = false
		versions[i].EffectiveTo = &end
		t.undo = append(t.undo, func() { t.m.stores[storeID][i] = old })
		return nil
	}
	return fmt.Errorf("close store %s: no current version", storeID)
}

func (t *memTx) InsertStore(ctx context.Context, rec core.DimensionRecord) error {
	if rec.IsCurrent {
		if _, ok, _ := t.CurrentStore(ctx, rec.StoreID); ok {
			return fmt.Errorf("insert store %s: %w", rec.StoreID, ErrCurrentStoreExists)
		}
	}
	rec.EffectiveFrom = rec.EffectiveFrom.UTC()
	prev := t.m.stores[rec.StoreID]
	for _, v := range prev {
		if v.EffectiveFrom.Equal(rec.EffectiveFrom) {
			return fmt.Errorf("insert store %s: %w", rec.StoreID, ErrStoreVersionExists)
		}
	}
	n := len(prev)
	t.m.stores[rec.StoreID] = append(prev, rec)
	t.undo = append(t.undo, func() {
		if n == 0 {
			delete(t.m.stores, rec.StoreID)
			return
		}
		t.m.stores[rec.StoreID] = t.m.stores[rec.StoreID][:n]
	})
	return nil
}
