// result.go defines the command execution result structure.
// It captures stdout, stderr, exit code, duration, and timeout status for
// one RunCommand step.
package executor

import (
	"time"

	"github.com/doughall/mcbridge/internal/plan"
)

// Result holds the output of a command execution.
type Result struct {
	// ExitCode is the process exit code. -1 indicates timeout or signal death.
	ExitCode int `json:"exit_code"`

	// Stdout contains the standard output of the command.
	Stdout string `json:"stdout"`

	// Stderr contains the standard error output of the command.
	Stderr string `json:"stderr"`

	// Duration is how long the command took to execute.
	Duration time.Duration `json:"duration_ms"`

	// TimedOut is true if the command was killed because its context ended.
	TimedOut bool `json:"timed_out"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`
}

// StepResult converts the command result into its plan form.
func (r *Result) StepResult() plan.StepResult {
	return plan.StepResult{
		Action:     plan.ActionRun,
		ReturnCode: r.ExitCode,
		Stdout:     r.Stdout,
		Stderr:     r.Stderr,
	}
}
