// result.go defines the outcome of an external command run by the executor.
package executor

import "time"

// Result holds the output of a command execution.
type Result struct {
	// ExitCode is the process exit code. -1 indicates timeout or signal death.
	ExitCode int

	// Stdout contains the standard output of the command.
	Stdout string

	// Stderr contains the standard error output of the command.
	Stderr string

	// Duration is how long the command took to execute.
	Duration time.Duration

	// TimedOut is true if the command was killed due to timeout.
	TimedOut bool

	// StartedAt is when execution began.
	StartedAt time.Time
}

// Succeeded reports whether the command ran to completion with exit code 0.
func (r *Result) Succeeded() bool {
	return !r.TimedOut && r.ExitCode == 0
}
