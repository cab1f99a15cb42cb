package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TerminatePID stops a process we are not the parent of, such as a backend
// left behind by a crashed host. We can't wait() on it, so liveness is polled:
// SIGTERM, poll until grace expires, then SIGKILL and poll until killTimeout.
func TerminatePID(ctx context.Context, pid int, grace, killTimeout time.Duration) error {
	if !processAlive(pid) {
		return nil
	}
	if killTimeout <= 0 {
		killTimeout = DefaultKillTimeout
	}

	if err := terminatePID(pid); err != nil {
		if !processAlive(pid) {
			return nil
		}
		return fmt.Errorf("sending SIGTERM to %d: %w", pid, err)
	}
	if pollExit(ctx, pid, grace) {
		return nil
	}

	if err := killPID(pid); err != nil && processAlive(pid) {
		return fmt.Errorf("sending SIGKILL to %d: %w", pid, err)
	}
	if pollExit(context.Background(), pid, killTimeout) {
		return nil
	}
	return &TerminationError{PID: pid, Timeout: killTimeout}
}

func pollExit(ctx context.Context, pid int, within time.Duration) bool {
	deadline := time.NewTimer(within)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !processAlive(pid) {
			return true
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return !processAlive(pid)
		case <-ctx.Done():
			return !processAlive(pid)
		}
	}
}

// ProcessIdentity pins a pid to one specific process so a recycled pid is
// never mistaken for the backend.
type ProcessIdentity struct {
	PID       int    `json:"pid"`
	Command   string `json:"command"`    // executable base name
	StartTime int64  `json:"start_time"` // OS-reported, platform-specific units
}

// IdentifyProcess reads the identity of a live process.
func IdentifyProcess(pid int) (ProcessIdentity, error) {
	name, err := processName(pid)
	if err != nil {
		return ProcessIdentity{}, err
	}
	start, err := processStartTime(pid)
	if err != nil {
		return ProcessIdentity{}, err
	}
	return ProcessIdentity{PID: pid, Command: name, StartTime: start}, nil
}

// Matches reports whether pid still belongs to the recorded process. Any
// failure to read the live identity counts as a mismatch.
func (id ProcessIdentity) Matches() bool {
	if id.PID <= 0 || !processAlive(id.PID) {
		return false
	}
	live, err := IdentifyProcess(id.PID)
	if err != nil {
		return false
	}
	if id.StartTime != 0 && live.StartTime != id.StartTime {
		return false
	}
	// the kernel truncates names: 15 bytes on linux, 16 on darwin
	want := filepath.Base(id.Command)
	return live.Command == want || (len(live.Command) >= 15 && strings.HasPrefix(want, live.Command))
}
