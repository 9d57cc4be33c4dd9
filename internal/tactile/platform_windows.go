//go:build windows

package tactile

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// SetupProcessGroup hides the console window; Windows has no process groups
// in the POSIX sense, so termination goes through taskkill /T.
func SetupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.HideWindow = true
}

// SignalGroup kills the process tree. There is no graceful variant.
func SignalGroup(cmd *exec.Cmd, _ GroupSignal) error {
	if cmd.Process == nil {
		return nil
	}
	killCmd := exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", cmd.Process.Pid))
	killCmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	if err := killCmd.Run(); err != nil {
		if kerr := cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return kerr
		}
	}
	return nil
}

// GroupAlive is not tracked on Windows.
func GroupAlive(pid int) bool {
	return false
}

// ReapGroup is a no-op on Windows; SignalGroup already kills the tree.
func ReapGroup(pgid int, grace time.Duration) bool {
	return false
}
