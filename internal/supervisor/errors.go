package supervisor

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMaxRestartsExceeded is returned by Restart once the restart budget is
	// spent. Only an explicit Stop followed by Start clears it.
	ErrMaxRestartsExceeded = errors.New("maximum restarts exceeded; stop and start the dev server to reset")

	// ErrNoCommand means no dev server command is configured.
	ErrNoCommand = errors.New("no dev server command configured")

	// ErrStopTimeout means the process group outlived SIGKILL.
	ErrStopTimeout = errors.New("dev server did not exit after SIGKILL")
)

// CooldownActiveError is returned by Restart when the previous accepted
// restart happened less than the cooldown ago.
type CooldownActiveError struct {
	Remaining time.Duration
}

func (e *CooldownActiveError) Error() string {
	return fmt.Sprintf("restart cooldown active, retry in %dms", e.Remaining.Milliseconds())
}
