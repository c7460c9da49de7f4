package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JonMunkholm/salesetl/internal/core"
	"github.com/JonMunkholm/salesetl/internal/logging"
	"github.com/google/uuid"
)

// DefaultLockStaleAfter is used when no stale threshold is configured.
const DefaultLockStaleAfter = 2 * time.Hour

// FileStore keeps RunMetadata as a JSON document. Commits write a temporary
// file in the same directory and rename it over the document, so readers
// see either the old or the new record.
//
// The lock is a sibling file created with O_EXCL and holding a random
// token. While held, a heartbeat refreshes its mtime, so only a lock whose
// holder stopped beating for staleAfter is reclaimed. Release removes the
// file only if it still carries the holder's token.
type FileStore struct {
	path       string
	lockPath   string
	staleAfter time.Duration
	heartbeat  time.Duration
	now        func() time.Time
}

// NewFileStore returns a store for the document at path. Lock files not
// refreshed for staleAfter are treated as left behind by a crashed run and
// reclaimed.
func NewFileStore(path string, staleAfter time.Duration) *FileStore {
	if staleAfter <= 0 {
		staleAfter = DefaultLockStaleAfter
	}
	return &FileStore{
		path:       path,
		lockPath:   path + ".lock",
		staleAfter: staleAfter,
		heartbeat:  staleAfter / 4,
		now:        time.Now,
	}
}

// Path returns the document location.
func (s *FileStore) Path() string {
	return s.path
}

// lockHolder is written into the lock file.
type lockHolder struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (s *FileStore) Lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}

	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		if !s.reclaimStale(ctx) {
			return nil, core.ErrMetadataLocked
		}
		f, err = os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, fs.ErrExist) {
			return nil, core.ErrMetadataLocked
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	host, _ := os.Hostname()
	holder := lockHolder{Token: uuid.NewString(), PID: os.Getpid(), Host: host, AcquiredAt: s.now().UTC()}
	encErr := json.NewEncoder(f).Encode(holder)
	if err := errors.Join(encErr, f.Close()); err != nil {
		_ = os.Remove(s.lockPath)
		return nil, fmt.Errorf("write lock file: %w", err)
	}

	logger := logging.FromContext(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go s.beat(holder.Token, stop, done, logger)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			s.release(holder.Token, logger)
		})
	}, nil
}

// beat refreshes the lock file's mtime until stop is closed. It gives up
// when the file no longer carries token.
func (s *FileStore) beat(token string, stop <-chan struct{}, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)
	if s.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if readToken(s.lockPath) != token {
				logger.Error("metadata lock was taken over", "path", s.lockPath)
				return
			}
			now := time.Now()
			if err := os.Chtimes(s.lockPath, now, now); err != nil {
				logger.Warn("metadata lock heartbeat failed", "path", s.lockPath, "error", err)
			}
		}
	}
}

// release removes the lock file if it still belongs to token. The file is
// first renamed aside, so a concurrent reclaimer cannot have its fresh lock
// deleted from under it.
func (s *FileStore) release(token string, logger *slog.Logger) {
	aside, ok := s.moveAside()
	if !ok {
		logger.Warn("metadata lock already gone at release", "path", s.lockPath)
		return
	}
	if readToken(aside) != token {
		s.restore(aside)
		logger.Error("metadata lock held by another run at release; left in place", "path", s.lockPath)
		return
	}
	if err := os.Remove(aside); err != nil {
		logger.Warn("metadata lock not released", "path", aside, "error", err)
	}
}

// reclaimStale removes the lock file if it has not been refreshed within
// the stale threshold and reports whether it did.
func (s *FileStore) reclaimStale(ctx context.Context) bool {
	info, err := os.Stat(s.lockPath)
	if err != nil {
		return errors.Is(err, fs.ErrNotExist)
	}
	if s.now().Sub(info.ModTime()) < s.staleAfter {
		return false
	}

	// Between Stat and here another process may have reclaimed the lock and
	// created a fresh one. Move whatever is there aside and look again.
	aside, ok := s.moveAside()
	if !ok {
		return true
	}
	info, err = os.Stat(aside)
	if err != nil {
		return false
	}
	age := s.now().Sub(info.ModTime())
	if age < s.staleAfter {
		s.restore(aside)
		return false
	}
	_ = os.Remove(aside)
	logging.FromContext(ctx).Warn("reclaimed stale metadata lock", "path", s.lockPath, "age", age.String())
	return true
}

// moveAside renames the lock file to a unique name and returns it. Rename
// is atomic, so of several callers only one gets a given lock file.
func (s *FileStore) moveAside() (string, bool) {
	aside := s.lockPath + "." + uuid.NewString() + ".release"
	if err := os.Rename(s.lockPath, aside); err != nil {
		return "", false
	}
	return aside, true
}

// restore puts a lock moved aside back unless a new lock exists by now.
// Link does not overwrite, unlike Rename.
func (s *FileStore) restore(aside string) {
	_ = os.Link(aside, s.lockPath)
	_ = os.Remove(aside)
}

// readToken returns the token stored in the lock file at path, or "".
func readToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var h lockHolder
	if err := json.Unmarshal(data, &h); err != nil {
		return ""
	}
	return h.Token
}

func (s *FileStore) Load(ctx context.Context) (core.RunMetadata, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return core.RunMetadata{}, nil
	}
	if err != nil {
		return core.RunMetadata{}, fmt.Errorf("read metadata: %w", err)
	}

	var m core.RunMetadata
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return core.RunMetadata{}, fmt.Errorf("%w: %s: %v", core.ErrMetadataCorrupt, s.path, err)
	}
	if m.ErrorCount < 0 {
		return core.RunMetadata{}, fmt.Errorf("%w: %s: negative error_count", core.ErrMetadataCorrupt, s.path)
	}
	return m, nil
}

func (s *FileStore) Commit(ctx context.Context, m core.RunMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ProcessedFiles == nil {
		m.ProcessedFiles = []string{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metadata directory: %w", err)
	}
	return writeFileAtomic(dir, s.path, data)
}

// writeFileAtomic writes data to a temp file in dir, syncs it and renames it
// to path, then syncs dir so the rename survives a crash.
func writeFileAtomic(dir, path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace metadata: %w", err)
	}

	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}
