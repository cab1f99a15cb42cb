package instance

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func acquire(t *testing.T, dir string) *Lock {
	t.Helper()
	l, err := Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { l.Release() })
	return l
}

func TestAcquireCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	acquire(t, dir)

	if _, err := os.Stat(filepath.Join(dir, "tether.lock")); err != nil {
		t.Errorf("expected lock file: %v", err)
	}
}

func TestAcquireHeldLockFails(t *testing.T) {
	dir := t.TempDir()
	acquire(t, dir)

	start := time.Now()
	_, err := Acquire(context.Background(), dir)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > LockTimeout+time.Second {
		t.Errorf("expected Acquire to give up near LockTimeout, took %s", elapsed)
	}
}

func TestAcquireAfterRelease(t *testing.T) {
	dir := t.TempDir()
	l, err := Acquire(context.Background(), dir)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	acquire(t, dir)
}

func TestRecordAndClear(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("process identity is not available on " + runtime.GOOS)
	}
	l := acquire(t, t.TempDir())

	if err := l.RecordBackend("garden", os.Getpid()); err != nil {
		t.Fatalf("RecordBackend: %v", err)
	}
	rec, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec == nil || rec.PID != os.Getpid() || rec.Backend != "garden" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Command == "" {
		t.Error("expected a command name")
	}

	// a different pid leaves the record alone
	if err := l.ClearBackend(os.Getpid() + 1); err != nil {
		t.Fatalf("ClearBackend: %v", err)
	}
	if rec, _ := l.Load(); rec == nil {
		t.Fatal("expected record kept for mismatched pid")
	}

	if err := l.ClearBackend(os.Getpid()); err != nil {
		t.Fatalf("ClearBackend: %v", err)
	}
	if rec, _ := l.Load(); rec != nil {
		t.Errorf("expected record removed, got %+v", rec)
	}
}

func TestRecordBackendSkipsExitedPID(t *testing.T) {
	l := acquire(t, t.TempDir())

	if err := l.RecordBackend("garden", 999999999); err != nil {
		t.Fatalf("RecordBackend: %v", err)
	}
	if rec, err := l.Load(); err != nil || rec != nil {
		t.Errorf("expected no record for a pid that is gone, got %+v, %v", rec, err)
	}
}

func TestReapOrphanNothingRecorded(t *testing.T) {
	l := acquire(t, t.TempDir())

	rec, err := l.ReapOrphan(context.Background(), time.Second, time.Second)
	if err != nil || rec != nil {
		t.Errorf("expected nothing to reap, got %+v, %v", rec, err)
	}
}

func TestReapOrphanDeadPIDIsForgotten(t *testing.T) {
	dir := t.TempDir()
	l := acquire(t, dir)

	data := []byte(`{"backend":"garden","pid":999999999,"command":"node","start_time":1}`)
	if err := os.WriteFile(filepath.Join(dir, "backend.json"), data, 0600); err != nil {
		t.Fatal(err)
	}

	rec, err := l.ReapOrphan(context.Background(), time.Second, time.Second)
	if err != nil || rec != nil {
		t.Errorf("expected stale record forgotten, got %+v, %v", rec, err)
	}
	if rec, _ := l.Load(); rec != nil {
		t.Errorf("expected record removed, got %+v", rec)
	}
}

func TestReapOrphanCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	l := acquire(t, dir)

	if err := os.WriteFile(filepath.Join(dir, "backend.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := l.ReapOrphan(context.Background(), time.Second, time.Second); err != nil {
		t.Fatalf("expected corrupt record discarded, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "backend.json")); !os.IsNotExist(err) {
		t.Errorf("expected corrupt record removed, stat err = %v", err)
	}
}
