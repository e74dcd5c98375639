package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultGracePeriod is how long a child has to exit after SIGTERM.
	DefaultGracePeriod = 5 * time.Second
	// DefaultMaxOutputBytes bounds captured stdout and stderr separately.
	DefaultMaxOutputBytes = 4 << 20
)

// Config configures an Executor. Zero values use the defaults.
type Config struct {
	Logger         *zap.Logger
	TempDir        string
	GracePeriod    time.Duration
	MaxOutputBytes int64
}

// Executor launches processes. It holds no per-run state and is safe for
// concurrent use.
type Executor struct {
	logger         *zap.Logger
	tempDir        string
	gracePeriod    time.Duration
	maxOutputBytes int64
}

// New creates an Executor.
func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Executor{
		logger:         cfg.Logger.Named("executor"),
		tempDir:        cfg.TempDir,
		gracePeriod:    cfg.GracePeriod,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// GracePeriod returns the configured SIGTERM to SIGKILL delay.
func (e *Executor) GracePeriod() time.Duration {
	return e.gracePeriod
}

type stopReason int

const (
	stopNone stopReason = iota
	stopTimeout
	stopCancelled
)

// Run starts spec and waits for it to exit, for timeout to elapse, or for ctx
// to be cancelled. A non-positive timeout means no timeout. On timeout or
// cancellation the process group receives SIGTERM, then SIGKILL after the
// grace period; Run returns only once the process has been reaped.
//
// The returned Result is never nil. The error is nil for OutcomeSuccess, a
// *TimeoutError for OutcomeTimeout and a *ProcessError otherwise.
func (e *Executor) Run(ctx context.Context, spec Spec, timeout time.Duration) (*Result, error) {
	result := &Result{Outcome: OutcomeProcessError, ExitCode: -1}

	if spec.Name == "" {
		return result, &ProcessError{ExitCode: -1, Err: errors.New("empty command name")}
	}
	if err := ctx.Err(); err != nil {
		return result, &ProcessError{ExitCode: -1, Err: err}
	}

	args := spec.Args
	if spec.InputFile != nil {
		path, cleanup, err := e.writeInputFile(spec.InputFile)
		if err != nil {
			return result, &ProcessError{ExitCode: -1, Err: err}
		}
		defer cleanup()
		args = substituteInput(args, path)
	}

	cmd := exec.Command(spec.Name, args...) //nolint:gosec // command comes from the command builder
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	if spec.Stdin != nil {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: e.maxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, max: e.maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren holding the pipes open must not stall Wait past the group kill.
	cmd.WaitDelay = e.gracePeriod
	setProcessGroup(cmd)

	result.StartedAt = time.Now()
	if err := cmd.Start(); err != nil {
		result.Duration = time.Since(result.StartedAt)
		return result, &ProcessError{ExitCode: -1, Err: fmt.Errorf("start %s: %w", spec.Name, err)}
	}
	result.PID = cmd.Process.Pid

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	if spec.OnStart != nil {
		spec.OnStart(result.PID)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var waitErr error
	reason := stopNone
	select {
	case waitErr = <-waitCh:
	case <-timeoutCh:
		reason = stopTimeout
	case <-ctx.Done():
		reason = stopCancelled
	}

	if reason != stopNone {
		result.Terminated = true
		result.Forced, waitErr = e.terminate(cmd, waitCh)
	}

	result.Duration = time.Since(result.StartedAt)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	result.Truncated = stdout.truncated || stderr.truncated
	result.ExitCode = exitCode(cmd, waitErr)

	switch reason {
	case stopTimeout:
		result.Outcome = OutcomeTimeout
		e.logger.Warn("Process timed out",
			zap.String("command", spec.Name),
			zap.Int("pid", result.PID),
			zap.Duration("timeout", timeout),
			zap.Bool("forced", result.Forced))
		return result, &TimeoutError{Timeout: timeout, Forced: result.Forced}
	case stopCancelled:
		e.logger.Info("Process cancelled",
			zap.String("command", spec.Name),
			zap.Int("pid", result.PID),
			zap.Bool("forced", result.Forced))
		return result, &ProcessError{ExitCode: result.ExitCode, Stderr: strings.TrimSpace(result.Stderr), Err: ctx.Err()}
	}

	if waitErr != nil {
		return result, &ProcessError{ExitCode: result.ExitCode, Stderr: strings.TrimSpace(result.Stderr), Err: waitErr}
	}
	result.Outcome = OutcomeSuccess
	return result, nil
}

// terminate runs the graceful-then-forced sequence and reports whether
// SIGKILL was needed, along with the wait error.
func (e *Executor) terminate(cmd *exec.Cmd, waitCh <-chan error) (bool, error) {
	if err := interruptGroup(cmd); err != nil {
		e.logger.Debug("SIGTERM failed", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
	}

	grace := time.NewTimer(e.gracePeriod)
	defer grace.Stop()

	select {
	case err := <-waitCh:
		return false, err
	case <-grace.C:
	}

	e.logger.Warn("Process ignored SIGTERM, killing",
		zap.Int("pid", cmd.Process.Pid),
		zap.Duration("grace_period", e.gracePeriod))
	if err := killGroup(cmd); err != nil {
		e.logger.Error("SIGKILL failed", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
	}
	return true, <-waitCh
}

func (e *Executor) writeInputFile(data []byte) (string, func(), error) {
	f, err := os.CreateTemp(e.tempDir, "conductor-input-*")
	if err != nil {
		return "", nil, fmt.Errorf("create input file: %w", err)
	}
	path := f.Name()
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("Failed to remove input file", zap.String("path", path), zap.Error(err))
		}
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write input file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close input file: %w", err)
	}
	return path, cleanup, nil
}

func substituteInput(args []string, path string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = strings.ReplaceAll(arg, InputPlaceholder, path)
	}
	return out
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}
