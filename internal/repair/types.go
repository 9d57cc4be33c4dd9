// Package repair runs a bounded auto-repair loop: a caller-supplied step is
// run, its result inspected for failures, and a follow-up instruction issued
// until the step succeeds, a human is needed, or attempts run out.
package repair

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Status is the state of a repair session.
type Status string

const (
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusAwaitingUser Status = "awaiting_user"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further iterations will run.
func (s Status) Terminal() bool {
	return s != StatusInProgress
}

// RiskLevel is the caller's or inspector's assessment of a step result.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParseRiskLevel accepts "low", "medium" or "high" in any case. An empty
// string is low.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	}
	return "", fmt.Errorf("unknown risk level %q", s)
}

func (r RiskLevel) rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return 0
}

// DefaultMaxAttempts bounds repair attempts when Loop.MaxAttempts is unset.
const DefaultMaxAttempts = 3

// ToolOutcome is the result of one tool call made by a step.
type ToolOutcome struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Iteration is handed to the step. Instruction is the task on the first
// iteration and a follow-up describing detected issues afterwards.
type Iteration struct {
	Number      int
	Instruction string
}

// StepResult is what a step reports back.
type StepResult struct {
	ToolResults []ToolOutcome
	Output      string
	Risk        RiskLevel // empty means low
}

// StepFunc performs one iteration of work.
type StepFunc func(ctx context.Context, it Iteration) (StepResult, error)

// Record is the history entry for one iteration.
type Record struct {
	Number      int           `json:"number"`
	Instruction string        `json:"instruction"`
	NeedsRepair bool          `json:"needs_repair"`
	Risk        RiskLevel     `json:"risk"`
	Issues      []string      `json:"issues,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Session is the state and outcome of one Run. Attempt counts repair
// iterations, that is every iteration after the first.
type Session struct {
	ID          string    `json:"id"`
	Task        string    `json:"task"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	Risk        RiskLevel `json:"risk"`
	Status      Status    `json:"status"`
	Iterations  int       `json:"iterations"`
	Reason      string    `json:"reason,omitempty"`
	History     []Record  `json:"history"`
}

// LastIssues returns the issues found by the most recent iteration.
func (s *Session) LastIssues() []string {
	if len(s.History) == 0 {
		return nil
	}
	return s.History[len(s.History)-1].Issues
}
