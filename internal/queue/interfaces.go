package queue

import (
	"context"
	"time"

	"github.com/joshsymonds/conductor/internal/admission"
	"github.com/joshsymonds/conductor/internal/claude"
	"github.com/joshsymonds/conductor/internal/executor"
)

// Outcome is what happened to one CombinedUnit.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeProcessError Outcome = "process_error"
	OutcomeBusy         Outcome = "busy"
	OutcomeCancelled    Outcome = "cancelled"
)

// Result is delivered exactly once per CombinedUnit.
type Result struct {
	Unit      *CombinedUnit
	Err       error
	SessionID string
	Outcome   Outcome
	// Output is the reply on success, and whatever partial output the
	// process produced otherwise.
	Output   string
	Duration time.Duration
	// Resumed is true when the run continued a timed-out session.
	Resumed bool
}

// ResultHandler receives dispatch results. Deliver calls for one
// conversation are sequential and in flush order.
type ResultHandler interface {
	Deliver(ctx context.Context, result Result) error
}

// StartNotifier is an optional ResultHandler extension told when a unit is
// about to run. Each Started call is followed by a Deliver for that unit.
type StartNotifier interface {
	Started(ctx context.Context, unit *CombinedUnit)
}

// ResultHandlerFunc adapts a function to ResultHandler.
type ResultHandlerFunc func(ctx context.Context, result Result) error

// Deliver implements ResultHandler.
func (f ResultHandlerFunc) Deliver(ctx context.Context, result Result) error {
	return f(ctx, result)
}

// CommandBuilder supplies the concrete process behind a dispatch and
// interprets its output.
type CommandBuilder interface {
	Command(req claude.Request) (executor.Spec, error)
	Parse(stdout string) (*claude.LLMResponse, error)
}

// Executor runs one process out of process.
type Executor interface {
	Run(ctx context.Context, spec executor.Spec, timeout time.Duration) (*executor.Result, error)
}

// Observer receives coordinator events for metrics.
type Observer interface {
	Admission(verdict admission.VerdictKind)
	Flushed(reason FlushReason, parts int)
	Executed(outcome Outcome, duration time.Duration)
	BuffersOpen(n int)
}

type nopObserver struct{}

func (nopObserver) Admission(admission.VerdictKind) {}
func (nopObserver) Flushed(FlushReason, int)        {}
func (nopObserver) Executed(Outcome, time.Duration) {}
func (nopObserver) BuffersOpen(int)                 {}
