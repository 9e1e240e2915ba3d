package vbox

import (
	"fmt"
	"strings"
	"time"
)

// FailureCode classifies a recognizable diagnostic from the external tool.
// The raw stderr is always preserved verbatim; the code is a best-effort
// hint for caller retry policy, never a replacement for the text.
type FailureCode string

const (
	FailureUnknown       FailureCode = "unknown"
	FailureNotFound      FailureCode = "not_found"
	FailureAlreadyExists FailureCode = "already_exists"
	FailureBusy          FailureCode = "busy"
	FailureInvalidState  FailureCode = "invalid_state"
	FailureAccessDenied  FailureCode = "access_denied"
)

// InvalidRequestError rejects a malformed request before any process is
// spawned. Never retried automatically.
type InvalidRequestError struct {
	Field  string // Parameter that failed validation.
	Reason string
}

func (e *InvalidRequestError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// SpawnError means the external binary could not be started at all
// (missing, not executable, permission denied). Fatal for the deployment,
// surfaced immediately.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TimeoutError means the child exceeded its wall-clock budget and was
// killed. Distinct from a nonzero exit: the tool never reported a result.
// Never retried automatically by the core.
type TimeoutError struct {
	Timeout time.Duration
	Stdout  string // Output captured before the kill, for diagnosis.
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.Timeout)
}

// ToolError means the tool ran to completion and reported failure via a
// nonzero exit code. Stderr is preserved verbatim; Code is the classified
// hint when the diagnostic is recognizable.
type ToolError struct {
	ExitCode int
	Stderr   string
	Code     FailureCode
}

func (e *ToolError) Error() string {
	msg := firstDiagnosticLine(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("tool failed with exit code %d", e.ExitCode)
	}
	return fmt.Sprintf("tool failed with exit code %d: %s", e.ExitCode, msg)
}

// ParseError means the tool's output could not be segmented into records
// at all. The raw output rides along for diagnosis.
type ParseError struct {
	Record string // Record kind that was expected (e.g. "vm details").
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing %s output: %s", e.Record, e.Reason)
}

// classifyFailure maps a stderr diagnostic to a FailureCode. Matching is
// substring-based and deliberately loose: the tool's message catalogue is
// not a stable contract.
func classifyFailure(stderr string) FailureCode {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "could not find"),
		strings.Contains(lower, "not find a registered machine"),
		strings.Contains(lower, "vbox_e_object_not_found"),
		strings.Contains(lower, "does not exist"):
		return FailureNotFound
	case strings.Contains(lower, "already exists"):
		return FailureAlreadyExists
	case strings.Contains(lower, "is already locked"),
		strings.Contains(lower, "locked for a session"),
		strings.Contains(lower, "session is busy"),
		strings.Contains(lower, "in use"):
		return FailureBusy
	case strings.Contains(lower, "vbox_e_invalid_vm_state"),
		strings.Contains(lower, "vbox_e_invalid_object_state"),
		strings.Contains(lower, "not currently running"),
		strings.Contains(lower, "is not running"):
		return FailureInvalidState
	case strings.Contains(lower, "e_accessdenied"),
		strings.Contains(lower, "permission denied"):
		return FailureAccessDenied
	default:
		return FailureUnknown
	}
}

// firstDiagnosticLine extracts the first non-empty stderr line, preferring
// lines carrying the tool's error marker.
func firstDiagnosticLine(stderr string) string {
	var first string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if first == "" {
			first = line
		}
		if strings.HasPrefix(line, "VBoxManage: error:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "VBoxManage: error:"))
		}
	}
	return first
}
