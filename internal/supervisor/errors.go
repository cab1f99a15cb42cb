package supervisor

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrExecNotFound means the configured executable does not exist or is not on PATH.
	ErrExecNotFound = errors.New("executable not found")
	// ErrPermission means the OS refused to execute the command.
	ErrPermission = errors.New("permission denied")
	// ErrWorkingDir means the configured working directory is missing or unusable.
	ErrWorkingDir = errors.New("working directory unavailable")
	// ErrEarlyExit means the child exited non-zero inside the startup probe window.
	ErrEarlyExit = errors.New("exited during startup")
	// ErrSpawnThrottled means the spawn rate limit rejected the attempt.
	ErrSpawnThrottled = errors.New("spawn rate limit exceeded")
	// ErrNoCommand means the supervisor was configured without a command.
	ErrNoCommand = errors.New("no command configured")
)

// SpawnError reports a failed attempt to launch the backend. The supervisor
// state is left unstarted or stopped; no handle is retained.
type SpawnError struct {
	Command []string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %v", strings.Join(e.Command, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TerminationError reports a child that was still alive after SIGKILL and
// the kill bound elapsed. The handle has been released regardless.
type TerminationError struct {
	PID     int
	Timeout time.Duration
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("process %d did not exit within %s of SIGKILL", e.PID, e.Timeout)
}
