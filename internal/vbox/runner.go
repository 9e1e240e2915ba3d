package vbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultBinary          = "VBoxManage"
	defaultCommandTimeout  = 60 * time.Second
	defaultStartTimeout    = 120 * time.Second
	defaultStopTimeout     = 60 * time.Second
	defaultSnapshotTimeout = 180 * time.Second
	defaultLongTimeout     = 300 * time.Second
)

// RunnerConfig configures the child-process runner.
type RunnerConfig struct {
	Binary          string        // Path to the tool binary.
	CommandTimeout  time.Duration // Budget for queries and quick mutations.
	StartTimeout    time.Duration // Budget for machine start.
	StopTimeout     time.Duration // Budget for machine stop.
	SnapshotTimeout time.Duration // Budget for snapshot operations.
	LongTimeout     time.Duration // Budget for create/clone/delete with media I/O.
}

// ExecRunner runs tool commands as child processes.
//
// Guarantees:
//   - Every execution is bounded by a wall-clock budget; only a tripped
//     budget kills the child.
//   - Caller cancellation detaches the waiter but leaves the child running
//     (the tool may be mid-mutation; killing it could corrupt machine
//     state). A detached child is reaped in the background.
//   - The child sees an allowlisted environment, never the full parent one.
//   - stdout/stderr are fully captured, capped at 1 MB each.
type ExecRunner struct {
	config RunnerConfig
	logger *slog.Logger
}

// NewExecRunner creates a runner with defaults applied for any zero config
// field.
func NewExecRunner(cfg RunnerConfig, logger *slog.Logger) *ExecRunner {
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.SnapshotTimeout == 0 {
		cfg.SnapshotTimeout = defaultSnapshotTimeout
	}
	if cfg.LongTimeout == 0 {
		cfg.LongTimeout = defaultLongTimeout
	}
	return &ExecRunner{config: cfg, logger: logger}
}

// Verify checks that the tool binary is present and responding by querying
// its version. Called once at startup and from readiness checks.
func (r *ExecRunner) Verify(ctx context.Context) (string, error) {
	res, err := r.Run(ctx, VersionCommand())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Run executes the command under its timeout-class budget.
func (r *ExecRunner) Run(ctx context.Context, command Command) (*RunResult, error) {
	if len(command.Args) == 0 {
		return nil, &InvalidRequestError{Reason: "empty argument vector"}
	}

	timeout := r.timeoutFor(command.Timeout)

	// The context deliberately does not reach exec: caller cancellation
	// must detach the waiter, not kill the child.
	cmd := exec.Command(r.config.Binary, command.Args...)
	cmd.Env = r.buildEnv()

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	r.logger.Debug("tool executing",
		slog.Any("args", command.Args),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.logger.Error("tool spawn failed",
			slog.String("binary", r.config.Binary),
			slog.String("error", err.Error()),
		)
		return nil, &SpawnError{Binary: r.config.Binary, Err: err}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)

	select {
	case waitErr := <-waitCh:
		timer.Stop()
		return r.interpret(command, waitErr, &stdoutBuf, &stderrBuf, time.Since(start))

	case <-timer.C:
		// Budget tripped: kill the client process. The managed machine
		// itself is a separate process and is not touched.
		_ = cmd.Process.Kill()
		<-waitCh
		duration := time.Since(start)
		r.logger.Warn("tool execution timed out",
			slog.Any("args", command.Args),
			slog.Duration("timeout", timeout),
			slog.Duration("duration", duration),
		)
		return nil, &TimeoutError{
			Timeout: timeout,
			Stdout:  stdoutBuf.String(),
			Stderr:  stderrBuf.String(),
		}

	case <-ctx.Done():
		// Detach: the child keeps running under its budget and is reaped
		// in the background. No output is returned, it is still being
		// written.
		go r.reapDetached(command, cmd, waitCh, timer, start)
		return nil, fmt.Errorf("waiter detached: %w", ctx.Err())
	}
}

// reapDetached waits for a child whose caller has gone away, still
// enforcing the wall-clock budget.
func (r *ExecRunner) reapDetached(command Command, cmd *exec.Cmd, waitCh <-chan error, timer *time.Timer, start time.Time) {
	select {
	case waitErr := <-waitCh:
		timer.Stop()
		exitCode := 0
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		r.logger.Info("detached tool process completed",
			slog.Any("args", command.Args),
			slog.Int("exit_code", exitCode),
			slog.Duration("duration", time.Since(start)),
		)
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-waitCh
		r.logger.Warn("detached tool process timed out",
			slog.Any("args", command.Args),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// interpret classifies a completed child's outcome.
func (r *ExecRunner) interpret(command Command, waitErr error, stdout, stderr *bytes.Buffer, duration time.Duration) (*RunResult, error) {
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, &SpawnError{Binary: r.config.Binary, Err: waitErr}
		}
		toolErr := &ToolError{
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
			Code:     classifyFailure(stderr.String()),
		}
		r.logger.Warn("tool reported failure",
			slog.Any("args", command.Args),
			slog.Int("exit_code", toolErr.ExitCode),
			slog.String("failure_code", string(toolErr.Code)),
			slog.Duration("duration", duration),
		)
		return nil, toolErr
	}

	r.logger.Debug("tool completed",
		slog.Any("args", command.Args),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdout.Len()),
	)
	return &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}, nil
}

func (r *ExecRunner) timeoutFor(class TimeoutClass) time.Duration {
	switch class {
	case TimeoutStart:
		return r.config.StartTimeout
	case TimeoutStop:
		return r.config.StopTimeout
	case TimeoutSnapshot:
		return r.config.SnapshotTimeout
	case TimeoutLong:
		return r.config.LongTimeout
	default:
		return r.config.CommandTimeout
	}
}

// buildEnv constructs the child environment from an allowlist. The parent
// environment is never passed through wholesale, so caller-supplied
// secrets cannot leak into the tool process.
func (r *ExecRunner) buildEnv() []string {
	env := []string{"LANG=en_US.UTF-8"}
	for _, key := range []string{"PATH", "HOME", "USER", "TMPDIR", "VBOX_USER_HOME", "SYSTEMROOT", "USERPROFILE", "LOCALAPPDATA"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// It always reports the full input as consumed so the exec copier keeps
// draining the pipe; a blocked pipe would stall the child mid-operation.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	chunk := p
	if len(chunk) > lw.remaining {
		chunk = chunk[:lw.remaining]
	}
	n, err := lw.w.Write(chunk)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
