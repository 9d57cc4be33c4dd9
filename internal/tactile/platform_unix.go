//go:build !windows

package tactile

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// SetupProcessGroup makes cmd the leader of a new process group so that the
// whole tree can be signalled at once.
func SetupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// SignalGroup delivers sig to the process group led by cmd, falling back to
// the process itself. Signalling an exited process is not an error.
func SignalGroup(cmd *exec.Cmd, sig GroupSignal) error {
	if cmd.Process == nil {
		return nil
	}
	s := syscall.SIGTERM
	if sig == SignalKill {
		s = syscall.SIGKILL
	}

	pid := cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		if err := syscall.Kill(-pgid, s); err == nil || errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}

	if err := cmd.Process.Signal(s); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// GroupAlive reports whether any process in the group led by pid remains.
func GroupAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(-pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// ReapGroup kills whatever is left of the process group pgid once its leader
// has exited: SIGTERM, then SIGKILL if members remain after grace. It reports
// whether any member was still running.
func ReapGroup(pgid int, grace time.Duration) bool {
	if !GroupAlive(pgid) {
		return false
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	if waitGroupGone(pgid, grace) {
		return true
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	waitGroupGone(pgid, grace)
	return true
}

func waitGroupGone(pgid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for GroupAlive(pgid) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}
