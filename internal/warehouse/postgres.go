package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the Warehouse backed by a pgx connection pool.
// The schema is created by Migrate.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres returns a Warehouse using pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) ExistingKeys(ctx context.Context, files []string) (core.FactKeySet, error) {
	keys := make(core.FactKeySet)
	if len(files) == 0 {
		return keys, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT sale_date, store_id, product_id, source_file
		FROM fact_sales
		WHERE source_file = ANY($1)`, files)
	if err != nil {
		return nil, fmt.Errorf("query existing keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var k core.FactKey
		if err := rows.Scan(&k.Date, &k.StoreID, &k.ProductID, &k.SourceFile); err != nil {
			return nil, fmt.Errorf("scan existing key: %w", err)
		}
		keys.Add(core.NewFactKey(k.Date, k.StoreID, k.ProductID, k.SourceFile))
	}
	return keys, rows.Err()
}

func (p *Postgres) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) StoreHistory(ctx context.Context, storeID string) ([]core.DimensionRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT store_id, region, tier, effective_from, effective_to, is_current
		FROM dim_store
		WHERE store_id = $1
		ORDER BY effective_from, id`, storeID)
	if err != nil {
		return nil, fmt.Errorf("query store history: %w", err)
	}
	defer rows.Close()

	var out []core.DimensionRecord
	for rows.Next() {
		rec, err := scanStore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Summaries(ctx context.Context) (core.Summaries, error) {
	var s core.Summaries
	var err error

	if s.Daily, err = p.DailySales(ctx, time.Time{}, time.Time{}); err != nil {
		return s, err
	}

	rows, err := p.pool.Query(ctx, `
		SELECT week_start, store_id, revenue
		FROM summary_weekly_store_revenue
		ORDER BY week_start, store_id`)
	if err != nil {
		return s, fmt.Errorf("query weekly revenue: %w", err)
	}
	s.WeeklyByStore, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.WeeklyStoreRevenue, error) {
		var w core.WeeklyStoreRevenue
		err := row.Scan(&w.WeekStart, &w.StoreID, &w.Revenue)
		return w, err
	})
	if err != nil {
		return s, fmt.Errorf("scan weekly revenue: %w", err)
	}

	rows, err = p.pool.Query(ctx, `
		SELECT product_id, age_group, quantity, transactions
		FROM summary_product_age_quantity
		ORDER BY product_id, age_group`)
	if err != nil {
		return s, fmt.Errorf("query product age quantity: %w", err)
	}
	s.ProductAge, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.ProductAgeQuantity, error) {
		var pa core.ProductAgeQuantity
		var group string
		err := row.Scan(&pa.ProductID, &group, &pa.Quantity, &pa.Transactions)
		pa.AgeGroup = core.AgeGroup(group)
		return pa, err
	})
	if err != nil {
		return s, fmt.Errorf("scan product age quantity: %w", err)
	}

	rows, err = p.pool.Query(ctx, `
		SELECT period, period_start, revenue
		FROM summary_period_revenue
		ORDER BY period, period_start`)
	if err != nil {
		return s, fmt.Errorf("query period revenue: %w", err)
	}
	s.Periods, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.PeriodRevenue, error) {
		var pr core.PeriodRevenue
		err := row.Scan(&pr.Period, &pr.Start, &pr.Revenue)
		return pr, err
	})
	if err != nil {
		return s, fmt.Errorf("scan period revenue: %w", err)
	}
	return s, nil
}

func (p *Postgres) DailySales(ctx context.Context, from, to time.Time) ([]core.DailySales, error) {
	var fromArg, toArg any
	if !from.IsZero() {
		fromArg = core.DateOnly(from)
	}
	if !to.IsZero() {
		toArg = core.DateOnly(to)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT sale_date, revenue, quantity, transactions
		FROM summary_daily_sales
		WHERE ($1::date IS NULL OR sale_date >= $1)
		  AND ($2::date IS NULL OR sale_date <= $2)
		ORDER BY sale_date`, fromArg, toArg)
	if err != nil {
		return nil, fmt.Errorf("query daily sales: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.DailySales, error) {
		var d core.DailySales
		err := row.Scan(&d.Date, &d.Revenue, &d.Quantity, &d.Transactions)
		return d, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan daily sales: %w", err)
	}
	return out, nil
}

func (p *Postgres) FactCount(ctx context.Context) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM fact_sales`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count facts: %w", err)
	}
	return n, nil
}

// pgTx implements Tx on an open pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) Fact(ctx context.Context, key core.FactKey) (core.Transaction, bool, error) {
	f := core.Transaction{
		Date:       key.Date,
		StoreID:    key.StoreID,
		ProductID:  key.ProductID,
		SourceFile: key.SourceFile,
	}
	var dow, month, quarter int16
	var group string

	err := t.tx.QueryRow(ctx, `
		SELECT source_line, quantity, unit_price, customer_age, revenue,
		       day_of_week, month, quarter, is_weekend, age_group
		FROM fact_sales
		WHERE sale_date = $1 AND store_id = $2 AND product_id = $3 AND source_file = $4`,
		key.Date, key.StoreID, key.ProductID, key.SourceFile,
	).Scan(&f.Line, &f.Quantity, &f.UnitPrice, &f.CustomerAge, &f.Revenue,
		&dow, &month, &quarter, &f.IsWeekend, &group)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Transaction{}, false, nil
	}
	if err != nil {
		return core.Transaction{}, false, fmt.Errorf("read fact %s: %w", key, err)
	}

	f.DayOfWeek = time.Weekday(dow)
	f.Month = int(month)
	f.Quarter = int(quarter)
	f.AgeGroup = core.AgeGroup(group)
	return f, true, nil
}

func (t *pgTx) InsertFact(ctx context.Context, fact core.Transaction) error {
	key := fact.Key()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO fact_sales (
			sale_date, store_id, product_id, source_file, source_line,
			quantity, unit_price, customer_age, revenue,
			day_of_week, month, quarter, is_weekend, age_group
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		key.Date, key.StoreID, key.ProductID, key.SourceFile, fact.Line,
		fact.Quantity, fact.UnitPrice, fact.CustomerAge, fact.Revenue,
		int16(fact.DayOfWeek), int16(fact.Month), int16(fact.Quarter), fact.IsWeekend, string(fact.AgeGroup),
	)
	if err != nil {
		return fmt.Errorf("insert fact %s: %w", key, err)
	}
	return nil
}

func (t *pgTx) UpdateFact(ctx context.Context, fact core.Transaction) error {
	key := fact.Key()
	tag, err := t.tx.Exec(ctx, `
		UPDATE fact_sales SET
			source_line = $5, quantity = $6, unit_price = $7, customer_age = $8, revenue = $9,
			day_of_week = $10, month = $11, quarter = $12, is_weekend = $13, age_group = $14,
			updated_at = now()
		WHERE sale_date = $1 AND store_id = $2 AND product_id = $3 AND source_file = $4`,
		key.Date, key.StoreID, key.ProductID, key.SourceFile, fact.Line,
		fact.Quantity, fact.UnitPrice, fact.CustomerAge, fact.Revenue,
		int16(fact.DayOfWeek), int16(fact.Month), int16(fact.Quarter), fact.IsWeekend, string(fact.AgeGroup),
	)
	if err != nil {
		return fmt.Errorf("update fact %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update fact %s: not found", key)
	}
	return nil
}

func (t *pgTx) ApplySummary(ctx context.Context, d core.SummaryDelta) error {
	day := core.DateOnly(d.Date)

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO summary_daily_sales (sale_date, revenue, quantity, transactions)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sale_date) DO UPDATE SET
			revenue = summary_daily_sales.revenue + EXCLUDED.revenue,
			quantity = summary_daily_sales.quantity + EXCLUDED.quantity,
			transactions = summary_daily_sales.transactions + EXCLUDED.transactions`,
		day, d.Revenue, d.Quantity, d.Transactions)
	batch.Queue(`
		INSERT INTO summary_weekly_store_revenue (week_start, store_id, revenue)
		VALUES ($1, $2, $3)
		ON CONFLICT (week_start, store_id) DO UPDATE SET
			revenue = summary_weekly_store_revenue.revenue + EXCLUDED.revenue`,
		core.WeekStart(day), d.StoreID, d.Revenue)
	batch.Queue(`
		INSERT INTO summary_product_age_quantity (product_id, age_group, quantity, transactions)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (product_id, age_group) DO UPDATE SET
			quantity = summary_product_age_quantity.quantity + EXCLUDED.quantity,
			transactions = summary_product_age_quantity.transactions + EXCLUDED.transactions`,
		d.ProductID, string(d.AgeGroup), d.Quantity, d.Transactions)
	for _, period := range []struct {
		name  string
		start time.Time
	}{
		{core.PeriodMonth, core.MonthStart(day)},
		{core.PeriodQuarter, core.QuarterStart(day)},
	} {
		batch.Queue(`
			INSERT INTO summary_period_revenue (period, period_start, revenue)
			VALUES ($1, $2, $3)
			ON CONFLICT (period, period_start) DO UPDATE SET
				revenue = summary_period_revenue.revenue + EXCLUDED.revenue`,
			period.name, period.start, d.Revenue)
	}

	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("apply summary for %s: %w", day.Format(time.DateOnly), err)
	}
	return nil
}

func (t *pgTx) CurrentStore(ctx context.Context, storeID string) (core.DimensionRecord, bool, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT store_id, region, tier, effective_from, effective_to, is_current
		FROM dim_store
		WHERE store_id = $1 AND is_current`, storeID)
	rec, err := scanStore(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.DimensionRecord{}, false, nil
	}
	if err != nil {
		return core.DimensionRecord{}, false, err
	}
	return rec, true, nil
}

func (t *pgTx) CloseStore(ctx context.Context, storeID string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE dim_store SET effective_to = $2, is_current = false
		WHERE store_id = $1 AND is_current`, storeID, at.UTC())
	if err != nil {
		return fmt.Errorf("close store %s: %w", storeID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close store %s: no current version", storeID)
	}
	return nil
}

func (t *pgTx) InsertStore(ctx context.Context, rec core.DimensionRecord) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO dim_store (store_id, region, tier, effective_from, effective_to, is_current)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.StoreID, rec.Attributes.Region, rec.Attributes.Tier,
		rec.EffectiveFrom.UTC(), rec.EffectiveTo, rec.IsCurrent)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "dim_store_version_key" {
				return fmt.Errorf("insert store %s: %w", rec.StoreID, ErrStoreVersionExists)
			}
			return fmt.Errorf("insert store %s: %w", rec.StoreID, ErrCurrentStoreExists)
		}
		return fmt.Errorf("insert store %s: %w", rec.StoreID, err)
	}
	return nil
}

func scanStore(row pgx.Row) (core.DimensionRecord, error) {
	var rec core.DimensionRecord
	err := row.Scan(&rec.StoreID, &rec.Attributes.Region, &rec.Attributes.Tier,
		&rec.EffectiveFrom, &rec.EffectiveTo, &rec.IsCurrent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan store: %w", err)
	}
	rec.EffectiveFrom = rec.EffectiveFrom.UTC()
	if rec.EffectiveTo != nil {
		end := rec.EffectiveTo.UTC()
		rec.EffectiveTo = &end
	}
	return rec, nil
}
