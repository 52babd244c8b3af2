// Package atomicstore implements the durable write primitive shared by the
// contract file, the bus store, the transition log, and the sandbox
// submissions: every write lands via a temp-file-plus-rename so a crash
// mid-write never leaves a half-written file where a reader can find it.
//
// Grounded on github.com/google/renameio/v2, which already implements the
// tmp+fsync+rename dance this package needs for single-shot writes; append
// adds size-bounded rotation on top for the ndjson-style log files.
package atomicstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// DefaultRotateBytes is the size at which an append log rotates, per §4.1.
const DefaultRotateBytes = 5 * 1024 * 1024

// DefaultRetention is the number of rotated generations kept (path.1..path.N).
const DefaultRetention = 5

const (
	readRetries      = 3
	readRetryBackoff = 20 * time.Millisecond
)

// Store performs atomic file writes and size-bounded append-log rotation
// under a root directory. All contract and submission files use Write;
// transition/audit logs use Append.
type Store struct {
	logger       *slog.Logger
	rotateBytes  int64
	retention    int
}

// Option configures a Store.
type Option func(*Store)

// WithRotateBytes overrides DefaultRotateBytes.
func WithRotateBytes(n int64) Option {
	return func(s *Store) { s.rotateBytes = n }
}

// WithRetention overrides DefaultRetention.
func WithRetention(n int) Option {
	return func(s *Store) { s.retention = n }
}

// New creates a Store. logger may be nil, in which case slog.Default() is used.
func New(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		logger:      logger,
		rotateBytes: DefaultRotateBytes,
		retention:   DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write stages data in a uniquely named temp file beside path (renameio),
// fsyncs it, then renames it over path. On any error the temp file is
// removed rather than left behind.
func (s *Store) Write(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("atomic write %s: %w", path, err)
	}
	return nil
}

// Read reads path, retrying a bounded number of times to tolerate a rename
// landing mid-read. A missing file returns (nil, os.ErrNotExist) rather than
// panicking or being treated as corruption.
func (s *Store) Read(path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		lastErr = err
		time.Sleep(readRetryBackoff)
	}
	return nil, fmt.Errorf("read %s after %d attempts: %w", path, readRetries, lastErr)
}

// Exists reports whether path is present, with a single os.Stat; unlike
// Read it does not retry.
func (s *Store) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Append writes a newline-terminated record to path, rotating it first if it
// would exceed the configured rotation size. The newest rotation generation
// is never lost mid-append: rotation happens before the write, not after, so
// a crash during the write leaves at worst a truncated current generation,
// never a corrupted rotated one.
func (s *Store) Append(path string, record []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", path, err)
	}

	if info, err := os.Stat(path); err == nil {
		if info.Size()+int64(len(record))+1 > s.rotateBytes {
			if err := s.rotate(path); err != nil {
				return fmt.Errorf("rotate %s: %w", path, err)
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s for append: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(record, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return f.Sync()
}

// rotate shifts path -> path.1 -> path.2 ... up to the retention count,
// discarding the oldest generation. It is invoked before a write that would
// exceed the rotation cap, never mid-write.
func (s *Store) rotate(path string) error {
	oldest := fmt.Sprintf("%s.%d", path, s.retention)
	if s.exists(oldest) {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("remove oldest generation %s: %w", oldest, err)
		}
	}
	for gen := s.retention - 1; gen >= 1; gen-- {
		from := fmt.Sprintf("%s.%d", path, gen)
		to := fmt.Sprintf("%s.%d", path, gen+1)
		if !s.exists(from) {
			continue
		}
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("shift %s to %s: %w", from, to, err)
		}
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("rotate %s to .1: %w", path, err)
	}
	s.logger.Info("rotated append log", slog.String("path", path))
	return nil
}

func (s *Store) exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsNotExist reports whether err is the "missing file" sentinel returned by
// Read, mirroring os.IsNotExist for callers that don't want to import os
// just to check a Store error.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// CleanStale removes a leftover "<path>.tmp" sibling from a prior crash mid
// write. renameio already names its temp files uniquely rather than
// "<path>.tmp", but callers using a convention of writing their own staging
// file under that name (e.g. sandbox drafts) can use this to clean up after
// a crash on next start, per the "Atomicity" testable property.
func CleanStale(path string) error {
	tmp := path + ".tmp"
	err := os.Remove(tmp)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clean stale tmp %s: %w", tmp, err)
	}
	return nil
}
