// Package extract discovers new sales files and reads them into raw rows.
//
// Files are read concurrently on a bounded worker pool. A file that cannot
// be read is reported and skipped; the extraction as a whole only fails
// when new files existed and none of them could be read.
package extract

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/JonMunkholm/salesetl/internal/logging"
	"golang.org/x/sync/errgroup"
)

// Defaults used when options are not supplied.
const (
	DefaultWorkers     = 4
	DefaultMaxFileSize = 100 << 20
)

// Extractor reads new source files into a RawBatch.
type Extractor struct {
	registry    *Registry
	workers     int
	maxFileSize int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithWorkers bounds concurrent file reads.
func WithWorkers(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithMaxFileSize rejects files larger than n bytes.
func WithMaxFileSize(n int64) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxFileSize = n
		}
	}
}

// New returns an Extractor using registry to pick readers by extension.
// A nil registry means DefaultRegistry.
func New(registry *Registry, opts ...Option) *Extractor {
	if registry == nil {
		registry = DefaultRegistry()
	}
	e := &Extractor{
		registry:    registry,
		workers:     DefaultWorkers,
		maxFileSize: DefaultMaxFileSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of one extraction.
type Result struct {
	Batch      core.RawBatch
	NewFiles   []SourceFile
	FileErrors []*core.FileReadError
}

// Extract reads every file in known whose name is not in processed.
//
// With nothing new it returns an empty result and no error. Per-file
// failures are collected in FileErrors and the file is left out of the
// batch. core.ErrNoReadableFiles is returned only when new files existed and
// every one failed. Cancellation of ctx aborts the extraction.
func (e *Extractor) Extract(ctx context.Context, known []SourceFile, processed map[string]struct{}) (Result, error) {
	pending := NewFiles(known, processed)
	res := Result{NewFiles: pending}
	if len(pending) == 0 {
		return res, nil
	}

	logger := logging.FromContext(ctx)
	start := time.Now()

	type outcome struct {
		file core.RawFile
		err  error
	}
	outcomes := make([]outcome, len(pending))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, sf := range pending {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			raw, err := e.readFile(gctx, sf)
			outcomes[i] = outcome{file: raw, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	for i, o := range outcomes {
		name := pending[i].Name
		if o.err != nil {
			logger.Warn("source file skipped", "file", name, "error", o.err)
			res.FileErrors = append(res.FileErrors, &core.FileReadError{File: name, Err: o.err})
			continue
		}
		logger.Debug("source file read", "file", name, "format", o.file.Format, "rows", len(o.file.Rows))
		res.Batch.Files = append(res.Batch.Files, o.file)
	}

	sort.Slice(res.Batch.Files, func(i, j int) bool {
		return res.Batch.Files[i].Name < res.Batch.Files[j].Name
	})

	logger.Info("extraction finished",
		"new_files", len(pending),
		"read", len(res.Batch.Files),
		"failed", len(res.FileErrors),
		"rows", res.Batch.RowCount(),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if len(res.Batch.Files) == 0 {
		return res, fmt.Errorf("%w: %d of %d new files failed", core.ErrNoReadableFiles, len(res.FileErrors), len(pending))
	}
	return res, nil
}

// readFile opens one source file and hands it to the registered reader.
func (e *Extractor) readFile(ctx context.Context, sf SourceFile) (core.RawFile, error) {
	if sf.Size > e.maxFileSize {
		return core.RawFile{}, fmt.Errorf("%w: %d bytes exceeds %d", core.ErrFileTooLarge, sf.Size, e.maxFileSize)
	}

	reader, format, ok := e.registry.Lookup(sf.Name)
	if !ok {
		return core.RawFile{}, fmt.Errorf("%w: %q", core.ErrUnsupportedFormat, sf.Name)
	}

	fh, err := os.Open(sf.Path)
	if err != nil {
		return core.RawFile{}, err
	}
	defer fh.Close()

	raw, err := reader.Read(ctx, sf.Name, newSizeGuard(fh, e.maxFileSize))
	if err != nil {
		return core.RawFile{}, err
	}
	// A file still being written can look empty. Failing it keeps it out of
	// processed files so the next run reads it again.
	if len(raw.Columns) == 0 && len(raw.Rows) == 0 {
		return core.RawFile{}, core.ErrEmptyFile
	}

	raw.Name = sf.Name
	if raw.Format == "" {
		raw.Format = format
	}
	for i := range raw.Rows {
		raw.Rows[i].SourceFile = sf.Name
	}
	return raw, nil
}
