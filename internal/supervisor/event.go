package supervisor

import "time"

// EventKind names a lifecycle transition of the supervised process.
type EventKind string

const (
	EventSpawn EventKind = "spawn"
	// EventSpawnFailed follows an EventSpawn for the same pid when the
	// startup probe rejects the child; otherwise it carries no pid.
	EventSpawnFailed EventKind = "spawn_failed"
	EventExit        EventKind = "exit"
	EventStop        EventKind = "stop"
	EventKill        EventKind = "kill"
)

// Event is delivered to an Observer on every lifecycle transition.
type Event struct {
	At       time.Time
	Kind     EventKind
	Backend  string
	PID      int
	Command  []string
	ExitCode int
	Signal   string
	Expected bool // exit was caused by Stop
	Error    string
}

// Observer receives lifecycle events. It is called synchronously from the
// goroutine that caused the transition and must not block.
type Observer func(Event)
