//go:build unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSysProcAttr puts the child in its own process group so signals reach
// anything it forks.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGTERM)
}

func killGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}

func terminatePID(pid int) error {
	return unix.Kill(signalTarget(pid), unix.SIGTERM)
}

func killPID(pid int) error {
	return unix.Kill(signalTarget(pid), unix.SIGKILL)
}

// signalTarget addresses the whole group when pid leads one, which is how
// every backend we spawn is started.
func signalTarget(pid int) int {
	if pgid, err := unix.Getpgid(pid); err == nil && pgid == pid {
		return -pid
	}
	return pid
}

// processAlive reports whether pid exists. EPERM still means it exists.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func exitSignal(ps *os.ProcessState) string {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	return unix.SignalName(ws.Signal())
}
