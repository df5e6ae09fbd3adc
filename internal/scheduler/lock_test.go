package scheduler

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduler.lock")
	a := NewFileLock(path, testLogger())
	b := NewFileLock(path, testLogger())

	if err := a.Acquire(); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := b.Acquire(); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire: got %v, want ErrLockHeld", err)
	}
	if err := a.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("marker still present after release: %v", err)
	}
	if err := b.Acquire(); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = b.Release()
}

func TestFileLockReplacesOrphanedMarker(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
	}{
		{name: "fresh marker from a killed process", age: time.Minute},
		{name: "old marker", age: 2 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "scheduler.lock")
			now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

			if err := os.WriteFile(path, []byte(`{"pid":1}`), 0o600); err != nil {
				t.Fatalf("write marker: %v", err)
			}
			mtime := now.Add(-tt.age)
			if err := os.Chtimes(path, mtime, mtime); err != nil {
				t.Fatalf("chtimes: %v", err)
			}

			l := NewFileLock(path, testLogger())
			l.now = func() time.Time { return now }

			if err := l.Acquire(); err != nil {
				t.Fatalf("Acquire() = %v, want nil", err)
			}
			defer func() { _ = l.Release() }()

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("read marker: %v", err)
			}
			if string(data) == `{"pid":1}` {
				t.Error("orphaned marker was not replaced")
			}
		})
	}
}

func TestFileLockTouch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "scheduler.lock")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewFileLock(path, testLogger())
	l.now = func() time.Time { return now }

	if err := l.Acquire(); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() { _ = l.Release() }()

	now = now.Add(45 * time.Minute)
	if err := l.Touch(); err != nil {
		t.Fatalf("touch: %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !fi.ModTime().Equal(now) {
		t.Errorf("mtime = %s, want %s", fi.ModTime(), now)
	}
}
