package metadata

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/JonMunkholm/salesetl/internal/logging"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// advisoryLockID identifies the run metadata lock among advisory locks.
var advisoryLockID = int64(crc32.ChecksumIEEE([]byte("salesetl-run-metadata")))

// PostgresStore keeps RunMetadata in the single-row pipeline_metadata table.
// The lock is a session advisory lock held on a dedicated pool connection,
// so it is released by the server if the process dies.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore returns a store using pool. The table is created by
// warehouse.Migrate.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Lock(ctx context.Context) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for metadata lock: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryLockID).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try metadata lock: %w", err)
	}
	if !ok {
		conn.Release()
		return nil, core.ErrMetadataLocked
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, advisoryLockID); err != nil {
				// A session lock that cannot be released must not go back to the pool.
				logging.FromContext(ctx).Warn("metadata lock not released, dropping connection", "error", err)
				_ = conn.Conn().Close(unlockCtx)
			}
			conn.Release()
		})
	}, nil
}

func (s *PostgresStore) Load(ctx context.Context) (core.RunMetadata, error) {
	var m core.RunMetadata
	err := s.pool.QueryRow(ctx, `
		SELECT last_processed_date, processed_files, last_run_timestamp, error_count
		FROM pipeline_metadata
		WHERE id = 1`,
	).Scan(&m.LastProcessedDate, &m.ProcessedFiles, &m.LastRunTimestamp, &m.ErrorCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.RunMetadata{}, nil
	}
	if err != nil {
		return core.RunMetadata{}, fmt.Errorf("load metadata: %w", err)
	}

	if m.LastProcessedDate != nil {
		d := core.DateOnly(*m.LastProcessedDate)
		m.LastProcessedDate = &d
	}
	if m.LastRunTimestamp != nil {
		ts := m.LastRunTimestamp.UTC()
		m.LastRunTimestamp = &ts
	}
	if len(m.ProcessedFiles) == 0 {
		m.ProcessedFiles = nil
	}
	return m, nil
}

func (s *PostgresStore) Commit(ctx context.Context, m core.RunMetadata) error {
	files := m.ProcessedFiles
	if files == nil {
		files = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_metadata (id, last_processed_date, processed_files, last_run_timestamp, error_count, updated_at)
		VALUES (1, $1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			last_processed_date = EXCLUDED.last_processed_date,
			processed_files = EXCLUDED.processed_files,
			last_run_timestamp = EXCLUDED.last_run_timestamp,
			error_count = EXCLUDED.error_count,
			updated_at = EXCLUDED.updated_at`,
		m.LastProcessedDate, files, m.LastRunTimestamp, m.ErrorCount)
	if err != nil {
		return fmt.Errorf("commit metadata: %w", err)
	}
	return nil
}
