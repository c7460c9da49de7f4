// Package pipeline drives one ETL run through its phases.
//
// A run moves Idle -> Extracting -> Transforming -> Loading -> Committing ->
// Idle. When no new file exists, Extracting goes straight to Committing.
// Any error moves the run to Failed and leaves the run metadata as it was,
// so the next run picks up the same files.
//
// Runs are serialized twice: a RunGuard admits one run per process and the
// metadata store lock admits one run per installation.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JonMunkholm/salesetl/internal/config"
	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/JonMunkholm/salesetl/internal/extract"
	"github.com/JonMunkholm/salesetl/internal/load"
	"github.com/JonMunkholm/salesetl/internal/logging"
	"github.com/JonMunkholm/salesetl/internal/metadata"
	"github.com/JonMunkholm/salesetl/internal/transform"
	"github.com/JonMunkholm/salesetl/internal/warehouse"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Orchestrator runs the pipeline against one warehouse and metadata store.
type Orchestrator struct {
	cfg config.PipelineConfig

	discovery   *extract.Discovery
	extractor   *extract.Extractor
	transformer *transform.Transformer
	loader      *load.Loader
	warehouse   warehouse.Warehouse
	meta        metadata.Store

	guard   *RunGuard
	metrics *Metrics
	now     func() time.Time

	mu   sync.RWMutex
	last *Report
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records every run in m.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithGuard shares a RunGuard with other components, such as the HTTP
// server's status endpoint.
func WithGuard(g *RunGuard) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.guard = g
		}
	}
}

// WithClock replaces time.Now for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds an Orchestrator from the pipeline and quality settings.
func New(cfg config.PipelineConfig, quality config.QualityConfig, wh warehouse.Warehouse, meta metadata.Store, opts ...Option) (*Orchestrator, error) {
	discovery, err := extract.NewDiscovery(cfg.SourceDir, cfg.FilePattern)
	if err != nil {
		return nil, err
	}
	transformer, err := transform.New(quality)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:       cfg,
		discovery: discovery,
		extractor: extract.New(extract.DefaultRegistry(),
			extract.WithWorkers(cfg.ReadWorkers),
			extract.WithMaxFileSize(cfg.MaxFileSize),
		),
		transformer: transformer,
		loader:      load.New(wh),
		warehouse:   wh,
		meta:        meta,
		guard:       NewRunGuard(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Guard returns the guard admitting runs.
func (o *Orchestrator) Guard() *RunGuard {
	return o.guard
}

// LastReport returns the report of the most recent run, or nil before the
// first run of this process.
func (o *Orchestrator) LastReport() *Report {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

// Metadata returns the committed run metadata.
func (o *Orchestrator) Metadata(ctx context.Context) (core.RunMetadata, error) {
	return o.meta.Load(ctx)
}

// Run executes one pipeline run.
//
// It returns core.ErrRunInProgress and a nil report when another run of this
// process is active. Otherwise the report is always returned, and the error
// is the cause of a Failed run.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	if err := o.guard.TryAcquire(); err != nil {
		return nil, err
	}
	defer o.guard.Release()

	if o.metrics != nil {
		o.metrics.RunInProgress.Set(1)
		defer o.metrics.RunInProgress.Set(0)
	}

	rep := &Report{
		RunID:          uuid.NewString(),
		StartedAt:      o.now().UTC(),
		Quality:        core.NewQualityReport(),
		PhaseDurations: make(map[State]time.Duration),
	}
	ctx = logging.ContextWithRunID(ctx, rep.RunID)
	logger := logging.FromContext(ctx)
	logger.Info("pipeline run started", "source_dir", o.discovery.Dir())

	start := time.Now()
	phase, phaseStart := StateIdle, start
	m := newMachine(func(next State) {
		if phase != StateIdle {
			rep.PhaseDurations[phase] += time.Since(phaseStart)
		}
		logger.Debug("state changed", "from", phase, "to", next)
		phase, phaseStart = next, time.Now()
	})

	err := o.run(ctx, m, rep)
	if err != nil {
		m.fail()
		msg := core.MapError(err)
		rep.Error = err.Error()
		rep.ErrorCode = msg.Code
	}

	rep.FinalState = m.current
	rep.Trail = m.trail
	rep.FinishedAt = o.now().UTC()
	rep.Duration = time.Since(start)
	rep.DurationMS = rep.Duration.Milliseconds()

	o.finish(ctx, rep)
	return rep, err
}

// run executes the phases. The caller moves the machine to Failed when an
// error is returned.
func (o *Orchestrator) run(ctx context.Context, m *machine, rep *Report) error {
	m.to(StateExtracting)

	unlock, err := o.meta.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	prev, err := o.meta.Load(ctx)
	if err != nil {
		return fmt.Errorf("load run metadata: %w", err)
	}

	extracted, err := o.extract(ctx, prev, rep)
	if err != nil {
		return err
	}
	if err := checkpoint(ctx, StateExtracting); err != nil {
		return err
	}

	var clean core.CleanBatch
	if !extracted.Batch.Empty() {
		m.to(StateTransforming)
		if clean, err = o.transform(ctx, extracted.Batch, rep); err != nil {
			return err
		}
		if err := checkpoint(ctx, StateTransforming); err != nil {
			return err
		}

		m.to(StateLoading)
		if err := o.load(ctx, clean, rep); err != nil {
			return err
		}
		rep.LoadedFiles = clean.Files
		rep.Profile = Profile(clean.Transactions)
		if err := checkpoint(ctx, StateLoading); err != nil {
			return err
		}
	}

	m.to(StateCommitting)
	maxDate, _ := clean.MaxDate()
	next := prev.Advance(core.CommitInput{
		Files:      clean.Files,
		MaxDate:    maxDate,
		RunAt:      rep.StartedAt,
		FileErrors: len(extracted.FileErrors),
	})

	cctx, cancel := phaseContext(ctx, o.cfg.CommitTimeout)
	defer cancel()
	if err := o.meta.Commit(cctx, next); err != nil {
		return &core.MetadataCommitError{Err: err}
	}
	rep.Metadata = &next

	m.to(StateIdle)
	return nil
}

// extract lists the source directory and reads the files not yet processed.
func (o *Orchestrator) extract(ctx context.Context, prev core.RunMetadata, rep *Report) (extract.Result, error) {
	ectx, cancel := phaseContext(ctx, o.cfg.ExtractTimeout)
	defer cancel()

	known, err := o.discovery.List(ectx)
	if err != nil {
		return extract.Result{}, phaseError(ctx, StateExtracting, err)
	}
	rep.FilesDiscovered = len(known)

	res, err := o.extractor.Extract(ectx, known, prev.ProcessedSet())
	for _, sf := range res.NewFiles {
		rep.NewFiles = append(rep.NewFiles, sf.Name)
	}
	for _, fe := range res.FileErrors {
		rep.Quality.AddFileError(fe.File, fe.Err)
	}
	if err != nil {
		return res, phaseError(ctx, StateExtracting, err)
	}
	return res, nil
}

// transform validates the batch against the facts already loaded from the
// same files.
func (o *Orchestrator) transform(ctx context.Context, batch core.RawBatch, rep *Report) (core.CleanBatch, error) {
	tctx, cancel := phaseContext(ctx, o.cfg.TransformTimeout)
	defer cancel()

	existing, err := o.warehouse.ExistingKeys(tctx, batch.FileNames())
	if err != nil {
		return core.CleanBatch{}, phaseError(ctx, StateTransforming, fmt.Errorf("read existing keys: %w", err))
	}

	clean, quality, err := o.transformer.Transform(tctx, batch, existing)
	if err != nil {
		return core.CleanBatch{}, phaseError(ctx, StateTransforming, err)
	}
	rep.Quality.Merge(quality)
	return clean, nil
}

// load applies the batch, retrying failed attempts with exponential backoff.
// Each attempt resumes where the previous one stopped because facts are
// upserted individually.
func (o *Orchestrator) load(ctx context.Context, batch core.CleanBatch, rep *Report) error {
	logger := logging.WithFields(ctx, "phase", "loading")

	op := func() error {
		rep.LoadAttempts++
		actx, cancel := phaseContext(ctx, o.cfg.LoadTimeout)
		defer cancel()

		res, err := o.loader.Load(actx, batch)
		rep.Load.Add(res)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return &core.LoadError{Attempt: rep.LoadAttempts, Err: err}
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("load attempt failed, retrying",
			"attempt", rep.LoadAttempts,
			"retry_in", wait,
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, o.loadBackOff(ctx), notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return cancelled(ctx, StateLoading)
	}
	logger.Error("load failed", "attempts", rep.LoadAttempts, "error", err)
	return err
}

// loadBackOff returns the retry policy for one Loading phase.
func (o *Orchestrator) loadBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if o.cfg.LoadInitialBackoff > 0 {
		exp.InitialInterval = o.cfg.LoadInitialBackoff
	}
	if o.cfg.LoadMaxBackoff > 0 {
		exp.MaxInterval = o.cfg.LoadMaxBackoff
	}
	exp.MaxElapsedTime = 0

	attempts := o.cfg.LoadMaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

// finish logs the report and publishes it.
func (o *Orchestrator) finish(ctx context.Context, rep *Report) {
	logger := logging.FromContext(ctx)

	attrs := []any{
		"state", rep.FinalState,
		"duration_ms", rep.DurationMS,
		"new_files", len(rep.NewFiles),
		"loaded_files", len(rep.LoadedFiles),
		"rows_extracted", rep.Quality.Extracted,
		"rows_accepted", rep.Quality.Accepted,
		"rows_rejected", rep.Quality.Rejected,
		"rows_inserted", rep.Load.Inserted,
		"rows_updated", rep.Load.Updated,
		"file_errors", len(rep.Quality.FileErrors),
	}
	if rep.Succeeded() {
		logger.Info("pipeline run finished", attrs...)
	} else {
		logger.Error("pipeline run failed", append(attrs, "error", rep.Error, "code", rep.ErrorCode)...)
	}

	o.mu.Lock()
	o.last = rep
	o.mu.Unlock()

	o.metrics.observe(rep)

	if o.cfg.ReportDir != "" {
		path, err := writeReport(o.cfg.ReportDir, rep)
		if err != nil {
			logger.Warn("run report not written", "error", err)
			return
		}
		logger.Debug("run report written", "path", path)
	}
}

// phaseContext bounds a phase by d. A zero d means no phase limit.
func phaseContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// checkpoint fails the run when ctx ended during the phase that just
// completed.
func checkpoint(ctx context.Context, after State) error {
	if ctx.Err() != nil {
		return cancelled(ctx, after)
	}
	return nil
}

func cancelled(ctx context.Context, during State) error {
	return fmt.Errorf("%w during %s: %w", core.ErrRunCancelled, during, ctx.Err())
}

// phaseError distinguishes cancellation of the run from a phase failure,
// including a phase timeout.
func phaseError(ctx context.Context, phase State, err error) error {
	if ctx.Err() != nil {
		return cancelled(ctx, phase)
	}
	return fmt.Errorf("%s: %w", phase, err)
}
