//go:build linux || darwin

package instance

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/benaskins/tether/internal/supervisor"
)

func TestReapOrphanTerminatesRecordedBackend(t *testing.T) {
	l := acquire(t, t.TempDir())

	// stands in for a backend whose tether died: its own process group, not supervised
	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	go cmd.Wait()
	t.Cleanup(func() { cmd.Process.Kill() })
	pid := cmd.Process.Pid

	if err := l.RecordBackend("garden", pid); err != nil {
		t.Fatalf("RecordBackend: %v", err)
	}

	rec, err := l.ReapOrphan(context.Background(), 5*time.Second, time.Second)
	if err != nil {
		t.Fatalf("ReapOrphan: %v", err)
	}
	if rec == nil || rec.PID != pid {
		t.Fatalf("expected reaped record for %d, got %+v", pid, rec)
	}

	deadline := time.Now().Add(2 * time.Second)
	for unix.Kill(pid, 0) == nil && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if unix.Kill(pid, 0) == nil {
		t.Error("expected orphan terminated")
	}
	if rec, _ := l.Load(); rec != nil {
		t.Errorf("expected record cleared, got %+v", rec)
	}
}

func TestReapOrphanSkipsRecycledPID(t *testing.T) {
	l := acquire(t, t.TempDir())

	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	go cmd.Wait()
	t.Cleanup(func() { cmd.Process.Kill() })
	pid := cmd.Process.Pid

	if err := l.RecordBackend("garden", pid); err != nil {
		t.Fatalf("RecordBackend: %v", err)
	}
	// pretend the pid now belongs to a different program
	rec, _ := l.Load()
	rec.Command = "node"
	data, _ := json.Marshal(rec)
	if err := os.WriteFile(l.recordPath(), data, 0600); err != nil {
		t.Fatal(err)
	}

	got, err := l.ReapOrphan(context.Background(), time.Second, time.Second)
	if err != nil || got != nil {
		t.Fatalf("expected recycled pid left alone, got %+v, %v", got, err)
	}
	if unix.Kill(pid, 0) != nil {
		t.Error("unrelated process must not be signalled")
	}
}

func TestShortLivedBackendLeavesNoRecord(t *testing.T) {
	l := acquire(t, t.TempDir())

	exits := make(chan int, 1)
	sup := supervisor.New(supervisor.Config{
		Name:    "blink",
		Command: []string{"true"},
		Observer: func(e supervisor.Event) {
			l.Observe(e)
			if e.Kind == supervisor.EventExit {
				exits <- e.PID
			}
		},
	})
	t.Cleanup(func() { sup.Stop(context.Background(), 0) })

	for i := 0; i < 50; i++ {
		if err := sup.EnsureStarted(context.Background()); err != nil {
			t.Fatalf("EnsureStarted #%d: %v", i, err)
		}
		select {
		case pid := <-exits:
			if rec, err := l.Load(); err != nil || rec != nil {
				t.Fatalf("run %d: record for exited pid %d left behind: %+v, %v", i, pid, rec, err)
			}
			for sup.IsRunning() {
				time.Sleep(time.Millisecond)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("run %d: no exit event", i)
		}
	}
}
