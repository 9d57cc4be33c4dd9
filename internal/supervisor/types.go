package supervisor

import (
	"time"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateStopped         State = "stopped"
	StateStarting        State = "starting"
	StateRunning         State = "running"
	StateRestarting      State = "restarting"
	StateCooldownBlocked State = "cooldown_blocked"
)

// Defaults for the restart circuit breaker and log capture.
const (
	DefaultCooldown    = 10 * time.Second
	DefaultMaxRestarts = 5
	DefaultMaxLogLines = 3000
	MaxLogLinesCeiling = 10000
	DefaultKillGrace   = 2 * time.Second
)

// RestartState is the circuit breaker state. It is owned by one Supervisor
// and only Restart moves it forward.
type RestartState struct {
	LastRestartAt time.Time
	RestartCount  int
	Cooldown      time.Duration
	MaxRestarts   int
}

// admit decides whether a restart may proceed at now. On success it stamps
// the state; the caller must hold the supervisor mutex.
func (r *RestartState) admit(now time.Time) error {
	if r.RestartCount >= r.MaxRestarts {
		return ErrMaxRestartsExceeded
	}
	if !r.LastRestartAt.IsZero() {
		if elapsed := now.Sub(r.LastRestartAt); elapsed < r.Cooldown {
			return &CooldownActiveError{Remaining: r.Cooldown - elapsed}
		}
	}
	r.LastRestartAt = now
	r.RestartCount++
	return nil
}

func (r *RestartState) reset() {
	r.LastRestartAt = time.Time{}
	r.RestartCount = 0
}

// StartResult reports the outcome of Start.
type StartResult struct {
	AlreadyRunning bool `json:"already_running"`
	PID            int  `json:"pid"`
	Port           int  `json:"port,omitempty"`
}

// RestartResult reports an accepted restart. Message carries partial failures
// such as a stop step that errored before the new process came up.
type RestartResult struct {
	PID          int    `json:"pid"`
	RestartCount int    `json:"restart_count"`
	Message      string `json:"message"`
}

// Status is a snapshot of the supervisor.
type Status struct {
	IsRunning         bool          `json:"is_running"`
	PID               int           `json:"pid,omitempty"`
	Port              int           `json:"port,omitempty"`
	State             State         `json:"state"`
	RestartCount      int           `json:"restart_count"`
	MaxRestarts       int           `json:"max_restarts"`
	CooldownRemaining time.Duration `json:"cooldown_remaining_ns,omitempty"`
	StartedAt         time.Time     `json:"started_at,omitempty"`
	LastExitError     string        `json:"last_exit_error,omitempty"`
}
