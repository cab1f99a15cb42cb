// Package instance makes sure only one tether supervises a given state
// directory, and cleans up a backend left running by a tether that crashed.
package instance

import (
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

	"github.com/gofrs/flock"

	"github.com/benaskins/tether/internal/supervisor"
)

// LockTimeout is how long Acquire retries before giving up on a held lock.
const LockTimeout = 2 * time.Second

// ErrLocked means another tether process holds the state directory.
var ErrLocked = errors.New("state directory is locked by another tether process")

// Record is the persisted identity of the running backend.
type Record struct {
	Backend    string    `json:"backend"`
	PID        int       `json:"pid"`
	Command    string    `json:"command"`
	StartTime  int64     `json:"start_time,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (r Record) identity() supervisor.ProcessIdentity {
	return supervisor.ProcessIdentity{PID: r.PID, Command: r.Command, StartTime: r.StartTime}
}

// Lock is an exclusive hold on a state directory.
type Lock struct {
	dir    string
	fl     *flock.Flock
	logger *slog.Logger

	mu sync.Mutex // serializes record writes
}

// Acquire takes the exclusive lock on dir/tether.lock, creating dir if needed.
func Acquire(ctx context.Context, dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	fl := flock.New(filepath.Join(dir, "tether.lock"))

	ctx, cancel := context.WithTimeout(ctx, LockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("locking %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, ErrLocked
	}

	return &Lock{
		dir:    dir,
		fl:     fl,
		logger: slog.With("component", "instance"),
	}, nil
}

// Release drops the lock. The lock file itself is left in place.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

func (l *Lock) recordPath() string {
	return filepath.Join(l.dir, "backend.json")
}

// Load returns the recorded backend, or nil if none is recorded.
func (l *Lock) Load() (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

func (l *Lock) loadLocked() (*Record, error) {
	data, err := os.ReadFile(l.recordPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading backend record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing backend record: %w", err)
	}
	return &rec, nil
}

// RecordBackend persists the identity of a freshly spawned backend. A pid
// that can no longer be identified has already exited, and a record without
// a start time could later match a recycled pid, so nothing is written.
func (l *Lock) RecordBackend(name string, pid int) error {
	id, err := supervisor.IdentifyProcess(pid)
	if err != nil {
		l.logger.Debug("not recording backend", "pid", pid, "error", err)
		return nil
	}
	rec := Record{
		Backend:    name,
		PID:        pid,
		Command:    id.Command,
		StartTime:  id.StartTime,
		RecordedAt: time.Now().UTC(),
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	tmpPath := l.recordPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, l.recordPath())
}

// ClearBackend removes the record if it still names pid.
func (l *Lock) ClearBackend(pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.loadLocked()
	if err != nil || rec == nil || rec.PID != pid {
		return err
	}
	if err := os.Remove(l.recordPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Observe keeps the backend record in step with supervisor events.
func (l *Lock) Observe(e supervisor.Event) {
	var err error
	switch e.Kind {
	case supervisor.EventSpawn:
		err = l.RecordBackend(e.Backend, e.PID)
	case supervisor.EventExit:
		err = l.ClearBackend(e.PID)
	}
	if err != nil {
		l.logger.Warn("failed to update backend record", "event", e.Kind, "pid", e.PID, "error", err)
	}
}

// ReapOrphan terminates a backend recorded by a previous tether that never
// cleaned up. A recorded pid that is gone or now belongs to some other
// process is only forgotten. It returns the reaped record, or nil.
func (l *Lock) ReapOrphan(ctx context.Context, grace, killTimeout time.Duration) (*Record, error) {
	rec, err := l.Load()
	if err != nil {
		l.logger.Warn("discarding unreadable backend record", "error", err)
		return nil, os.Remove(l.recordPath())
	}
	if rec == nil {
		return nil, nil
	}

	if !rec.identity().Matches() {
		l.logger.Info("recorded backend no longer running", "pid", rec.PID, "command", rec.Command)
		return nil, l.ClearBackend(rec.PID)
	}

	l.logger.Warn("terminating orphaned backend", "pid", rec.PID, "command", rec.Command, "backend", rec.Backend)
	if err := supervisor.TerminatePID(ctx, rec.PID, grace, killTimeout); err != nil {
		return nil, fmt.Errorf("terminating orphan %d: %w", rec.PID, err)
	}
	if err := l.ClearBackend(rec.PID); err != nil {
		return rec, err
	}
	return rec, nil
}
