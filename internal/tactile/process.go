package tactile

import (
	"os/exec"
	"time"

	"workbench/internal/logging"
)

// GroupSignal is a platform-neutral termination signal.
type GroupSignal int

const (
	SignalTerminate GroupSignal = iota
	SignalKill
)

// StopGroup terminates the process group led by cmd: SIGTERM first, then
// SIGKILL if exited has not closed within grace. It reports whether the
// escalation to SIGKILL was needed.
func StopGroup(cmd *exec.Cmd, exited <-chan struct{}, grace time.Duration) bool {
	if err := SignalGroup(cmd, SignalTerminate); err != nil {
		logging.TactileDebug("SIGTERM failed: %v", err)
	}

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-exited:
		return false
	case <-t.C:
	}

	logging.TactileWarn("process group %d ignored SIGTERM for %s, sending SIGKILL", pid(cmd), grace)
	if err := SignalGroup(cmd, SignalKill); err != nil {
		logging.TactileError("SIGKILL failed: %v", err)
	}
	return true
}

func pid(cmd *exec.Cmd) int {
	if cmd.Process == nil {
		return 0
	}
	return cmd.Process.Pid
}
