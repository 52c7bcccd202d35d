// Package fsutil holds the file primitives shared by the on-disk stores:
// atomic replacement of a file's contents and a lock that serializes
// read-modify-write cycles within and across processes.
package fsutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"
)

// lockRetryDelay is how often a contended file lock is retried.
const lockRetryDelay = 25 * time.Millisecond

// PersistError is returned when a store cannot read or write its backing file.
type PersistError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// WriteFile replaces the contents of path atomically. Readers observe either
// the old contents or the new contents, never a partial write.
func WriteFile(path string, data []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return &PersistError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// ReadFile returns the contents of path. A missing file reads as empty.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &PersistError{Op: "read", Path: path, Err: err}
	}
	return data, nil
}

// Remove deletes path. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &PersistError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

// Locker serializes access to a file. The in-process mutex orders goroutines;
// the flock on "<path>.lock" orders processes sharing the data directory.
type Locker struct {
	mu sync.Mutex
	fl *flock.Flock
}

// NewLocker returns a Locker guarding path.
func NewLocker(path string) *Locker {
	return &Locker{fl: flock.New(path + ".lock")}
}

// Do runs fn while holding both locks, creating the lock file's directory if
// needed. It gives up when ctx is done before the file lock is acquired.
func (l *Locker) Do(ctx context.Context, fn func() error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dir := filepath.Dir(l.fl.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistError{Op: "create", Path: dir, Err: err}
	}

	ok, err := l.fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return &PersistError{Op: "lock", Path: l.fl.Path(), Err: err}
	}
	if !ok {
		return &PersistError{Op: "lock", Path: l.fl.Path(), Err: ctx.Err()}
	}
	defer l.fl.Unlock() //nolint:errcheck

	return fn()
}
