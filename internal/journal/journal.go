// Package journal keeps an append-only record of backend lifecycle events.
//
// Every spawn, exit, stop and kill is written to ~/.tether/events.log as
// newline-delimited JSON, so a crash loop or a kill escalation can be
// reconstructed after the fact.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benaskins/tether/internal/supervisor"
)

// Action describes what happened.
type Action string

const (
	ActionSpawn        Action = "spawn"
	ActionSpawnFailed  Action = "spawn_failed"
	ActionExit         Action = "exit"
	ActionStop         Action = "stop"
	ActionKill         Action = "kill"
	ActionOrphanReaped Action = "orphan_reaped"
)

// Entry is a single journal record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	Backend   string    `json:"backend,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Command   []string  `json:"command,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Expected  bool      `json:"expected,omitempty"` // exit requested by tether
	Error     string    `json:"error,omitempty"`
}

// Journal writes entries to an append-only file.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger *slog.Logger
}

// Open creates or opens a journal file for appending.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Journal{
		file:   f,
		path:   path,
		logger: slog.With("component", "journal"),
	}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Record writes an entry.
func (j *Journal) Record(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return nil
}

// Observe adapts the journal to a supervisor.Observer. Write failures are
// logged rather than returned; losing a journal line must not affect the backend.
func (j *Journal) Observe(e supervisor.Event) {
	entry := Entry{
		Timestamp: e.At.UTC(),
		Action:    Action(e.Kind),
		Backend:   e.Backend,
		PID:       e.PID,
		Command:   e.Command,
		Signal:    e.Signal,
		Expected:  e.Expected,
		Error:     e.Error,
	}
	if e.Kind == supervisor.EventExit {
		code := e.ExitCode
		entry.ExitCode = &code
	}
	if err := j.Record(entry); err != nil {
		j.logger.Warn("dropping journal entry", "action", entry.Action, "error", err)
	}
}

// Close closes the journal file.
func (j *Journal) Close() error {
	return j.file.Close()
}

// Read returns the last n entries from the journal at path, oldest first.
// n <= 0 returns everything. A missing file yields no entries.
func Read(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// a torn final line from a crash is skipped, not fatal
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}

	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
