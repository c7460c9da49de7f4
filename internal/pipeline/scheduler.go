package pipeline

// scheduler.go triggers pipeline runs on a fixed interval.
//
// The first run starts as soon as the scheduler starts, then one run every
// interval. Singleton mode keeps gocron from starting a run while the
// previous one is still going. A trigger that collides with an on-demand
// run is skipped by the RunGuard and logged.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/go-co-op/gocron"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context) (*Report, error)
}

// Scheduler runs a Runner periodically.
type Scheduler struct {
	runner   Runner
	interval time.Duration
}

// NewScheduler returns a scheduler running r every interval.
func NewScheduler(r Runner, interval time.Duration) *Scheduler {
	return &Scheduler{runner: r, interval: interval}
}

// Start runs the schedule until ctx is cancelled. A run in flight when ctx
// ends observes the cancellation between phases.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("schedule interval must be positive, got %s", s.interval)
	}

	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()

	if _, err := scheduler.Every(s.interval).Do(s.runJob, ctx); err != nil {
		return fmt.Errorf("schedule pipeline run: %w", err)
	}

	slog.Info("pipeline scheduler started", "interval", s.interval)
	scheduler.StartAsync()

	<-ctx.Done()

	scheduler.Stop()
	slog.Info("pipeline scheduler stopped")
	return nil
}

// runJob performs one scheduled run.
func (s *Scheduler) runJob(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	slog.Debug("scheduled pipeline run triggered")
	_, err := s.runner.Run(ctx)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrRunInProgress):
		slog.Info("scheduled run skipped, a run is already in progress")
	default:
		// The orchestrator has already logged the failed run.
		slog.Debug("scheduled run failed", "error", err)
	}
}
