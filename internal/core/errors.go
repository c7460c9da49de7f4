package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNoReadableFiles means new files existed but none could be read.
	ErrNoReadableFiles = errors.New("no new source file could be read")

	// ErrRunInProgress is returned when a run is requested while another is active.
	ErrRunInProgress = errors.New("pipeline run already in progress")

	// ErrRunCancelled is returned when a run's context ends between phases.
	ErrRunCancelled = errors.New("pipeline run cancelled")

	// ErrMetadataLocked means another process owns the run metadata.
	ErrMetadataLocked = errors.New("run metadata is locked by another process")

	// ErrMetadataCorrupt means the persisted metadata could not be decoded.
	ErrMetadataCorrupt = errors.New("run metadata is corrupt")

	// ErrFileTooLarge is returned for source files above the size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrUnsupportedFormat is returned for files with no registered reader.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrEmptyFile is returned for source files with neither a header nor a
	// record, such as zero-byte or blank-only files.
	ErrEmptyFile = errors.New("file has no header or records")
)

// FileReadError is a per-file extraction failure. The file is skipped and
// the run continues.
type FileReadError struct {
	File string
	Err  error
}

func (e *FileReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.File, e.Err)
}

func (e *FileReadError) Unwrap() error {
	return e.Err
}

// LoadError is a failed load attempt. Loads are retried with backoff.
type LoadError struct {
	Attempt int
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load attempt %d: %v", e.Attempt, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// MetadataCommitError means the run metadata could not be persisted.
// The run fails; loaded data stays in place and is deduplicated on rerun.
type MetadataCommitError struct {
	Err error
}

func (e *MetadataCommitError) Error() string {
	return fmt.Sprintf("metadata commit failed: %v", e.Err)
}

func (e *MetadataCommitError) Unwrap() error {
	return e.Err
}
