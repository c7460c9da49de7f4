package pipeline

// guard.go keeps at most one run active in this process.
//
// The guard is a one-slot semaphore. Scheduled and on-demand runs both go
// through TryAcquire, so a trigger that arrives during a run is rejected
// with core.ErrRunInProgress rather than queued. Shutdown uses WaitForDrain
// to let an active run finish.

import (
	"context"
	"sync"
	"time"

	"github.com/JonMunkholm/salesetl/internal/core"
)

// RunGuard controls run admission using a semaphore.
type RunGuard struct {
	slot chan struct{}

	mu      sync.RWMutex
	started time.Time
}

// NewRunGuard returns a guard with a single free slot.
func NewRunGuard() *RunGuard {
	return &RunGuard{slot: make(chan struct{}, 1)}
}

// TryAcquire takes the slot without blocking. It returns
// core.ErrRunInProgress when a run is active. The caller must call Release
// once the run ends.
func (g *RunGuard) TryAcquire() error {
	select {
	case g.slot <- struct{}{}:
		g.mu.Lock()
		g.started = time.Now()
		g.mu.Unlock()
		return nil
	default:
		return core.ErrRunInProgress
	}
}

// Release frees the slot taken by TryAcquire.
func (g *RunGuard) Release() {
	g.mu.Lock()
	g.started = time.Time{}
	g.mu.Unlock()

	<-g.slot
}

// Active reports whether a run holds the slot.
func (g *RunGuard) Active() bool {
	return len(g.slot) > 0
}

// WaitForDrain blocks until no run is active or ctx ends.
func (g *RunGuard) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !g.Active() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GuardStatus is a snapshot of the guard for monitoring.
type GuardStatus struct {
	Running   bool       `json:"running"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Status returns the current guard state.
func (g *RunGuard) Status() GuardStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.started.IsZero() {
		return GuardStatus{Running: g.Active()}
	}
	started := g.started
	return GuardStatus{Running: true, StartedAt: &started}
}
