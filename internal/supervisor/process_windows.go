//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

// setSysProcAttr is a no-op: Windows has no process groups in the Setpgid sense.
func setSysProcAttr(cmd *exec.Cmd) {}

// Windows has no cooperative termination signal for arbitrary processes,
// so graceful and forceful both end in TerminateProcess.
func terminateGroup(pid int) error { return killPID(pid) }

func killGroup(pid int) error { return killPID(pid) }

func terminatePID(pid int) error { return killPID(pid) }

func killPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}

func exitSignal(ps *os.ProcessState) string { return "" }
