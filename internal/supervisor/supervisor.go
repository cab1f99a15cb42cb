package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/benaskins/tether/internal/logbuf"
)

const (
	// DefaultGracePeriod is used by Stop when the caller passes a negative grace period.
	DefaultGracePeriod = 10 * time.Second

	// DefaultKillTimeout bounds the wait for a child to die after SIGKILL.
	DefaultKillTimeout = 2 * time.Second

	defaultLogLines = 1000
)

// State is the lifecycle state of the supervised process.
type State string

const (
	StateUnstarted State = "unstarted"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
)

// Config describes the one backend process a Supervisor owns.
type Config struct {
	Name       string   // label for logs and events
	Command    []string // executable followed by its arguments
	WorkingDir string
	Env        []string // nil inherits the host environment

	// KillTimeout bounds the wait after SIGKILL. Zero means DefaultKillTimeout.
	KillTimeout time.Duration
	// StartupProbe is how long EnsureStarted watches a fresh child for an
	// early non-zero exit. Zero disables the probe.
	StartupProbe time.Duration
	// LogLines is the capacity of the output ring. Zero means 1000.
	LogLines int
	// SpawnLimiter throttles spawn attempts. Nil means unlimited.
	SpawnLimiter *rate.Limiter
	// Observer receives lifecycle events. Optional.
	Observer Observer
	Logger   *slog.Logger
}

// ExitStatus describes how a child exited.
type ExitStatus struct {
	PID    int       `json:"pid"`
	Code   int       `json:"code"`
	Signal string    `json:"signal,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return fmt.Sprintf("killed by %s", e.Signal)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Info is a snapshot of the supervised process.
type Info struct {
	Name       string      `json:"name"`
	State      State       `json:"state"`
	PID        int         `json:"pid,omitempty"`
	Command    []string    `json:"command"`
	WorkingDir string      `json:"working_dir,omitempty"`
	StartedAt  time.Time   `json:"started_at,omitzero"`
	Uptime     string      `json:"uptime,omitempty"`
	Starts     int         `json:"starts"` // spawns that passed the startup probe
	LastExit   *ExitStatus `json:"last_exit,omitempty"`
	LastError  string      `json:"last_error,omitempty"`
}

// handle owns one spawned child. exit is written before done is closed.
// announced is closed once EventSpawn has been delivered; the exit event
// waits for it so observers always see spawn before exit.
type handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	done      chan struct{}
	announced chan struct{}
	exit      ExitStatus
	stopping  atomic.Bool
	logger    *slog.Logger
}

func (h *handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Supervisor keeps at most one instance of a backend process alive.
//
// EnsureStarted, Stop and Reconfigure are serialized by lifecycle, so only
// one spawn is ever in flight. mu guards the handle itself and is never held
// across a blocking wait, which keeps IsRunning and Info cheap during Stop.
type Supervisor struct {
	lifecycle sync.Mutex

	mu        sync.Mutex
	cfg       Config
	h         *handle
	state     State
	starts    int
	lastExit  *ExitStatus
	lastError string

	out    *logbuf.Ring
	logger *slog.Logger
}

// New creates a supervisor in the unstarted state. No process is spawned.
func New(cfg Config) *Supervisor {
	cfg = withDefaults(cfg)
	return &Supervisor{
		cfg:    cfg,
		state:  StateUnstarted,
		out:    logbuf.New(cfg.LogLines),
		logger: cfg.Logger,
	}
}

func withDefaults(cfg Config) Config {
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = defaultLogLines
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.With("component", "supervisor")
	}
	if cfg.Name != "" {
		cfg.Logger = cfg.Logger.With("backend", cfg.Name)
	}
	return cfg
}

// EnsureStarted launches the backend unless a live child already exists, in
// which case it returns nil without doing anything. Spawn failures come back
// as *SpawnError and leave no handle behind.
//
// ctx only bounds the startup probe; the child itself is not tied to it.
func (s *Supervisor) EnsureStarted(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.IsRunning() {
		return nil
	}

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.SpawnLimiter != nil && !cfg.SpawnLimiter.Allow() {
		return s.spawnFailed(cfg, 0, ErrSpawnThrottled)
	}

	h, err := s.spawn(cfg)
	if err != nil {
		return s.spawnFailed(cfg, 0, err)
	}

	s.mu.Lock()
	s.h = h
	s.state = StateRunning
	s.lastError = ""
	s.mu.Unlock()

	s.logger.Info("backend started", "pid", h.pid, "command", strings.Join(cfg.Command, " "), "dir", cfg.WorkingDir)
	s.notify(Event{Kind: EventSpawn, PID: h.pid, Command: cfg.Command})
	close(h.announced)

	if cfg.StartupProbe > 0 {
		probe := time.NewTimer(cfg.StartupProbe)
		defer probe.Stop()

		select {
		case <-h.done:
			if h.exit.Code != 0 || h.exit.Signal != "" {
				s.release(h)
				return s.spawnFailed(cfg, h.pid, fmt.Errorf("%w: %s", ErrEarlyExit, h.exit))
			}
			// A clean exit inside the probe is a short-lived command, not a failure.
			s.IsRunning()
		case <-probe.C:
		case <-ctx.Done():
		}
	}

	// only starts that got past the probe count
	s.mu.Lock()
	s.starts++
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) spawnFailed(cfg Config, pid int, cause error) error {
	err := &SpawnError{Command: cfg.Command, Err: cause}

	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()

	s.logger.Error("failed to start backend", "error", err)
	s.notify(Event{Kind: EventSpawnFailed, PID: pid, Command: cfg.Command, Error: err.Error()})
	return err
}

func (s *Supervisor) spawn(cfg Config) (*handle, error) {
	if len(cfg.Command) == 0 || cfg.Command[0] == "" {
		return nil, ErrNoCommand
	}

	if cfg.WorkingDir != "" {
		fi, err := os.Stat(cfg.WorkingDir)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrWorkingDir, err)
		}
		if !fi.IsDir() {
			return nil, fmt.Errorf("%w: %s is not a directory", ErrWorkingDir, cfg.WorkingDir)
		}
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = cfg.Env
	cmd.Stdout = s.out.Writer(logbuf.Stdout)
	cmd.Stderr = s.out.Writer(logbuf.Stderr)
	// Don't let a grandchild holding the output pipes stall Wait past the kill bound.
	cmd.WaitDelay = cfg.KillTimeout
	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, classifyStartError(err)
	}

	h := &handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
		announced: make(chan struct{}),
		logger:    cfg.Logger,
	}
	go s.wait(h)
	return h, nil
}

func classifyStartError(err error) error {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrExecNotFound, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermission, err)
	default:
		return err
	}
}

// wait reaps the child and records its exit status.
func (s *Supervisor) wait(h *handle) {
	err := h.cmd.Wait()

	exit := ExitStatus{PID: h.pid, At: time.Now()}
	if ps := h.cmd.ProcessState; ps != nil {
		exit.Code = ps.ExitCode()
		exit.Signal = exitSignal(ps)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		exit.Error = err.Error()
	}
	h.exit = exit
	s.out.Flush()

	expected := h.stopping.Load()
	if expected {
		h.logger.Info("backend exited", "pid", h.pid, "status", exit.String())
	} else {
		h.logger.Warn("backend exited unexpectedly", "pid", h.pid, "status", exit.String())
	}
	// observers hear about the exit after the spawn and before Stop can return
	<-h.announced
	s.notify(Event{Kind: EventExit, PID: h.pid, ExitCode: exit.Code, Signal: exit.Signal, Expected: expected})
	close(h.done)
}

// IsRunning polls the held handle without blocking. A child found to have
// exited is dropped and the state becomes stopped.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollLocked()
}

func (s *Supervisor) pollLocked() bool {
	if s.h == nil {
		return false
	}
	if !s.h.exited() {
		return true
	}
	s.dropLocked(s.h)
	return false
}

// release drops h if it is still the current handle.
func (s *Supervisor) release(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == h {
		s.dropLocked(h)
	}
}

func (s *Supervisor) dropLocked(h *handle) {
	if h.exited() {
		exit := h.exit
		s.lastExit = &exit
	}
	s.h = nil
	s.state = StateStopped
}

// Stop terminates the backend: SIGTERM to its process group, up to
// gracePeriod to exit, then SIGKILL and up to the kill timeout. The handle is
// released whatever the outcome. A negative gracePeriod means
// DefaultGracePeriod. Cancelling ctx cuts the grace period short.
func (s *Supervisor) Stop(ctx context.Context, gracePeriod time.Duration) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stopLocked(ctx, gracePeriod)
}

func (s *Supervisor) stopLocked(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	h := s.h
	killTimeout := s.cfg.KillTimeout
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	defer s.release(h)

	h.stopping.Store(true)
	if h.exited() {
		return nil
	}

	if grace < 0 {
		grace = DefaultGracePeriod
	}

	s.logger.Info("stopping backend", "pid", h.pid, "grace_period", grace)
	if err := terminateGroup(h.pid); err != nil {
		s.logger.Debug("SIGTERM failed", "pid", h.pid, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		s.notify(Event{Kind: EventStop, PID: h.pid})
		return nil
	case <-timer.C:
		s.logger.Warn("backend ignored SIGTERM, killing", "pid", h.pid, "grace_period", grace)
	case <-ctx.Done():
		s.logger.Warn("stop cancelled, killing", "pid", h.pid, "error", ctx.Err())
	}

	if err := killGroup(h.pid); err != nil {
		s.logger.Debug("SIGKILL failed", "pid", h.pid, "error", err)
	}
	s.notify(Event{Kind: EventKill, PID: h.pid})

	bound := time.NewTimer(killTimeout)
	defer bound.Stop()

	select {
	case <-h.done:
		return nil
	case <-bound.C:
		err := &TerminationError{PID: h.pid, Timeout: killTimeout}
		s.logger.Error("backend survived SIGKILL, releasing handle", "error", err)
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
		return err
	}
}

// Reconfigure stops any running child and swaps in a new command. The next
// EnsureStarted runs the new configuration. The output ring is kept.
func (s *Supervisor) Reconfigure(ctx context.Context, cfg Config, gracePeriod time.Duration) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	stopErr := s.stopLocked(ctx, gracePeriod)

	s.mu.Lock()
	prev := s.cfg
	if cfg.Observer == nil {
		cfg.Observer = prev.Observer
	}
	s.cfg = withDefaults(cfg)
	s.logger = s.cfg.Logger
	s.mu.Unlock()

	s.logger.Info("backend reconfigured", "command", strings.Join(cfg.Command, " "), "dir", cfg.WorkingDir)
	return stopErr
}

// Info returns a snapshot of the supervised process.
func (s *Supervisor) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pollLocked()

	info := Info{
		Name:       s.cfg.Name,
		State:      s.state,
		Command:    append([]string(nil), s.cfg.Command...),
		WorkingDir: s.cfg.WorkingDir,
		Starts:     s.starts,
		LastError:  s.lastError,
	}
	if s.lastExit != nil {
		exit := *s.lastExit
		info.LastExit = &exit
	}
	if s.h != nil {
		info.PID = s.h.pid
		info.StartedAt = s.h.startedAt
		info.Uptime = time.Since(s.h.startedAt).Truncate(time.Second).String()
	}
	return info
}

// PID returns the pid of the live child, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pollLocked() {
		return 0
	}
	return s.h.pid
}

// Output returns the last n captured lines of stdout and stderr. n <= 0 returns all.
func (s *Supervisor) Output(n int) []logbuf.Entry {
	return s.out.Last(n)
}

func (s *Supervisor) notify(e Event) {
	s.mu.Lock()
	obs := s.cfg.Observer
	name := s.cfg.Name
	s.mu.Unlock()

	if obs == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	e.Backend = name
	obs(e)
}
