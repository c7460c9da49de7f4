// Package metadata persists the RunMetadata record that makes runs
// incremental.
//
// The orchestrator is the only writer. A run takes the store's lock before
// reading, and commits the advanced record as a single atomic write; a run
// that fails never commits, so the next run sees the state as it was.
package metadata

import (
	"context"
	"sync"

	"github.com/JonMunkholm/salesetl/internal/core"
)

// Store is the durable home of RunMetadata.
type Store interface {
	// Lock grants exclusive ownership of the record until the returned
	// function is called. It fails with core.ErrMetadataLocked when another
	// owner holds it.
	Lock(ctx context.Context) (unlock func(), err error)

	// Load returns the committed record, or the zero value before the first
	// commit.
	Load(ctx context.Context) (core.RunMetadata, error)

	// Commit replaces the record atomically.
	Commit(ctx context.Context, m core.RunMetadata) error
}

// Memory is a Store that lives for the process. Used by tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	locked bool
	meta   core.RunMetadata
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Lock(ctx context.Context) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return nil, core.ErrMetadataLocked
	}
	m.locked = true

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.locked = false
			m.mu.Unlock()
		})
	}, nil
}

func (m *Memory) Load(ctx context.Context) (core.RunMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneMetadata(m.meta), nil
}

func (m *Memory) Commit(ctx context.Context, meta core.RunMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = cloneMetadata(meta)
	return nil
}

func cloneMetadata(m core.RunMetadata) core.RunMetadata {
	out := m
	if m.ProcessedFiles != nil {
		out.ProcessedFiles = append([]string(nil), m.ProcessedFiles...)
	}
	if m.LastProcessedDate != nil {
		d := *m.LastProcessedDate
		out.LastProcessedDate = &d
	}
	if m.LastRunTimestamp != nil {
		ts := *m.LastRunTimestamp
		out.LastRunTimestamp = &ts
	}
	return out
}
