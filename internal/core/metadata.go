package core

import (
	"sort"
	"time"
)

// RunMetadata is the persisted progress record shared by all runs.
// The zero value is the state before the first committed run.
type RunMetadata struct {
	LastProcessedDate *time.Time `json:"last_processed_date"`
	ProcessedFiles    []string   `json:"processed_files"`
	LastRunTimestamp  *time.Time `json:"last_run_timestamp"`
	ErrorCount        int64      `json:"error_count"`
}

// ProcessedSet returns processed_files as a set.
func (m RunMetadata) ProcessedSet() map[string]struct{} {
	set := make(map[string]struct{}, len(m.ProcessedFiles))
	for _, f := range m.ProcessedFiles {
		set[f] = struct{}{}
	}
	return set
}

// HasProcessed reports whether name was committed by an earlier run.
func (m RunMetadata) HasProcessed(name string) bool {
	for _, f := range m.ProcessedFiles {
		if f == name {
			return true
		}
	}
	return false
}

// CommitInput is what a finished run contributes to the metadata.
type CommitInput struct {
	Files      []string
	MaxDate    time.Time
	RunAt      time.Time
	FileErrors int
}

// Advance returns the metadata after a successful run. processed_files only
// grows, last_processed_date never moves backwards and error_count only
// increases. The receiver is not modified.
func (m RunMetadata) Advance(in CommitInput) RunMetadata {
	set := m.ProcessedSet()
	for _, f := range in.Files {
		set[f] = struct{}{}
	}
	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)

	next := RunMetadata{
		LastProcessedDate: m.LastProcessedDate,
		ProcessedFiles:    files,
		ErrorCount:        m.ErrorCount + int64(in.FileErrors),
	}
	if !in.MaxDate.IsZero() {
		d := DateOnly(in.MaxDate)
		if next.LastProcessedDate == nil || d.After(*next.LastProcessedDate) {
			next.LastProcessedDate = &d
		}
	}
	runAt := in.RunAt.UTC()
	next.LastRunTimestamp = &runAt
	return next
}
