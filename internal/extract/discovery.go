package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// SourceFile is a candidate input file found in the source directory.
type SourceFile struct {
	Name    string    `json:"name"`
	Path    string    `json:"-"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`

	// Stamp is the date or batch id embedded in the name (the first
	// capture group of the naming pattern), empty if the pattern has none.
	Stamp string `json:"stamp,omitempty"`
}

// Discovery lists source files whose names match the naming pattern.
type Discovery struct {
	dir     string
	pattern *regexp.Regexp
}

// NewDiscovery compiles pattern and returns a Discovery over dir.
func NewDiscovery(dir, pattern string) (*Discovery, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile file pattern: %w", err)
	}
	return &Discovery{dir: dir, pattern: re}, nil
}

// Dir returns the directory being scanned.
func (d *Discovery) Dir() string {
	return d.dir
}

// List returns every matching regular file in the source directory, sorted
// by name. Subdirectories and hidden files are skipped.
func (d *Discovery) List(ctx context.Context) ([]SourceFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", d.dir, err)
	}

	var files []SourceFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}

		m := d.pattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}

		sf := SourceFile{
			Name:    name,
			Path:    filepath.Join(d.dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if len(m) > 1 {
			sf.Stamp = m[1]
		}
		files = append(files, sf)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// NewFiles returns the files in known whose names are not in processed,
// preserving order.
func NewFiles(known []SourceFile, processed map[string]struct{}) []SourceFile {
	var out []SourceFile
	for _, f := range known {
		if _, done := processed[f.Name]; done {
			continue
		}
		out = append(out, f)
	}
	return out
}
