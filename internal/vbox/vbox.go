// Package vbox drives the external hypervisor CLI. It owns the three
// trust boundaries between this process and the tool: building argument
// vectors (never shell strings), running the child under a wall-clock
// budget with full output capture, and tolerantly decoding the tool's
// line-oriented output into typed records.
package vbox

import (
	"context"
	"time"
)

// Runner executes a built Command and reports the outcome. Implemented by
// ExecRunner; tests substitute canned results.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*RunResult, error)
}

// RunResult is the captured outcome of a completed child process. A
// RunResult is only produced for exit code zero; nonzero exits surface as
// *ToolError, timeouts as *TimeoutError, unstartable binaries as
// *SpawnError.
type RunResult struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}
