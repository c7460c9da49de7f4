package extract

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/JonMunkholm/salesetl/internal/core"
)

// Reader turns one named source into a uniform row stream.
type Reader interface {
	Read(ctx context.Context, name string, r io.Reader) (core.RawFile, error)
}

// ReaderFunc adapts a function to the Reader interface.
type ReaderFunc func(ctx context.Context, name string, r io.Reader) (core.RawFile, error)

func (f ReaderFunc) Read(ctx context.Context, name string, r io.Reader) (core.RawFile, error) {
	return f(ctx, name, r)
}

// Registry maps file extensions to readers.
type Registry struct {
	mu      sync.RWMutex
	readers map[string]Reader
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{readers: make(map[string]Reader)}
}

// DefaultRegistry returns a registry with every built-in format:
// .csv, .tsv, .json, .jsonl, .ndjson and .xlsx.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(".csv", DelimitedReader{Comma: ',', Format: "csv"})
	r.Register(".tsv", DelimitedReader{Comma: '\t', Format: "tsv"})
	r.Register(".json", JSONArrayReader{})
	r.Register(".jsonl", JSONLinesReader{})
	r.Register(".ndjson", JSONLinesReader{})
	r.Register(".xlsx", SpreadsheetReader{})
	return r
}

// Register adds a reader for ext (with or without the leading dot).
// Panics if the extension is already registered.
func (r *Registry) Register(ext string, rd Reader) {
	ext = normalizeExt(ext)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.readers[ext]; exists {
		panic(fmt.Sprintf("reader already registered: %s", ext))
	}
	r.readers[ext] = rd
}

// Lookup returns the reader for a file name and the format label.
func (r *Registry) Lookup(name string) (Reader, string, bool) {
	ext := normalizeExt(filepath.Ext(name))

	r.mu.RLock()
	defer r.mu.RUnlock()

	rd, ok := r.readers[ext]
	return rd, strings.TrimPrefix(ext, "."), ok
}

// Extensions returns the registered extensions, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exts := make([]string, 0, len(r.readers))
	for ext := range r.readers {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
