package scheduler

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockHeld is returned by Acquire when another instance owns the lock.
var ErrLockHeld = errors.New("scheduler lock held by another instance")

// FileLock guards scheduler runs across processes. Ownership is the OS lock on
// <path>.flock; the marker file at path records the owner and its mtime is
// refreshed by Touch while the owner is alive.
type FileLock struct {
	path string
	os   *flock.Flock
	log  *slog.Logger
	now  func() time.Time
}

// NewFileLock creates a FileLock for the marker at path.
func NewFileLock(path string, log *slog.Logger) *FileLock {
	return &FileLock{
		path: path,
		os:   flock.New(path + ".flock"),
		log:  log.With("component", "scheduler_lock", "path", path),
		now:  time.Now,
	}
}

// Acquire takes the lock or returns ErrLockHeld. A marker left on disk while
// nobody holds the OS lock belongs to a process that exited without cleanup;
// it is replaced.
func (l *FileLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	ok, err := l.os.TryLock()
	if err != nil {
		return fmt.Errorf("os lock: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}

	if err := l.createMarker(); err != nil {
		_ = l.os.Unlock()
		return err
	}
	return nil
}

func (l *FileLock) createMarker() error {
	for range 3 {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = fmt.Fprintf(f, `{"pid":%d,"time":%d}`+"\n", os.Getpid(), l.now().Unix())
			return f.Close()
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock marker: %w", err)
		}

		args := []any{}
		if fi, err := os.Stat(l.path); err == nil {
			args = append(args, "age", l.now().Sub(fi.ModTime()).Round(time.Second))
		}
		l.log.Warn("removing orphaned scheduler lock marker", args...)
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove orphaned lock marker: %w", err)
		}
	}
	return fmt.Errorf("create lock marker: %w", fs.ErrExist)
}

// Touch refreshes the marker mtime.
func (l *FileLock) Touch() error {
	now := l.now()
	if err := os.Chtimes(l.path, now, now); err != nil {
		return fmt.Errorf("touch lock marker: %w", err)
	}
	return nil
}

// Release removes the marker and drops the OS lock.
func (l *FileLock) Release() error {
	err := os.Remove(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	if uerr := l.os.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
