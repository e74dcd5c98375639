// Package executor runs one external command out of process with a timeout
// and a graceful-then-forced termination sequence.
package executor

import (
	"errors"
	"fmt"
	"time"
)

// InputPlaceholder in Spec.Args is replaced with the path of the temp file
// holding Spec.InputFile.
const InputPlaceholder = "{input}"

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("executor timeout")

// Outcome classifies a run. Exactly one is returned per Run.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeProcessError Outcome = "process_error"
)

// Spec describes the process to launch.
type Spec struct {
	// OnStart is called with the child's pid once it has started and before
	// Run waits on it.
	OnStart func(pid int)

	Name      string
	Dir       string
	Args      []string
	Env       []string
	Stdin     []byte
	InputFile []byte
}

// Result is returned for every outcome, including failures.
type Result struct {
	StartedAt  time.Time
	Outcome    Outcome
	Stdout     string
	Stderr     string
	Duration   time.Duration
	PID        int
	ExitCode   int
	Truncated  bool
	Terminated bool
	Forced     bool
}

// TimeoutError reports that the process exceeded its timeout and was
// terminated.
type TimeoutError struct {
	Timeout time.Duration
	Forced  bool
}

func (e *TimeoutError) Error() string {
	if e.Forced {
		return fmt.Sprintf("process timed out after %v (killed)", e.Timeout)
	}
	return fmt.Sprintf("process timed out after %v", e.Timeout)
}

// Is makes errors.Is(err, ErrTimeout) match.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// ProcessError reports that the process could not start, exited non-zero,
// or was cancelled by the caller.
type ProcessError struct {
	Err      error
	Stderr   string
	ExitCode int
}

func (e *ProcessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("process failed (exit code %d): %v: %s", e.ExitCode, e.Err, e.Stderr)
	}
	return fmt.Sprintf("process failed (exit code %d): %v", e.ExitCode, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is an executor timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
