package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joshsymonds/conductor/internal/admission"
	"github.com/joshsymonds/conductor/internal/claude"
	"github.com/joshsymonds/conductor/internal/conversation"
	"github.com/joshsymonds/conductor/internal/executor"
	"github.com/joshsymonds/conductor/internal/replycache"
)

// replyExcerptLen caps the quoted text prepended for reply context.
const replyExcerptLen = 500

// worker drives one CombinedUnit at a time through its session lease and
// process run. The coordinator runs it inside a tracked task.
type worker struct {
	executor Executor
	commands CommandBuilder
	results  ResultHandler
	observer Observer
	gate     *admission.Gate
	registry *conversation.Registry
	replies  *replycache.Cache
	logger   *zap.Logger

	execTimeout    time.Duration
	deliverTimeout time.Duration
}

// process runs unit and delivers its result exactly once.
func (w *worker) process(ctx context.Context, unit *CombinedUnit) {
	if unit.cancelErr != nil {
		w.settle(ctx, unit, unit.cancelErr)
		return
	}
	if n, ok := w.results.(StartNotifier); ok {
		n.Started(ctx, unit)
	}

	if err := w.gate.Acquire(ctx); err != nil {
		w.settle(ctx, unit, fmt.Errorf("%w: %w", ErrCancelled, err))
		return
	}
	defer w.gate.Release()
	w.gate.Done(len(unit.Parts))

	start := time.Now()
	res := w.run(ctx, unit)
	res.Unit = unit
	res.Duration = time.Since(start)

	w.observer.Executed(res.Outcome, res.Duration)
	w.logger.Info("Unit processed",
		zap.String("conversation_id", unit.ConversationID),
		zap.String("unit_id", unit.ID),
		zap.String("session_id", res.SessionID),
		zap.String("outcome", string(res.Outcome)),
		zap.Duration("duration", res.Duration),
		zap.Bool("resumed", res.Resumed),
		zap.Error(res.Err))
	w.deliver(ctx, res)
}

// settle delivers a cancelled result for a unit that never ran.
func (w *worker) settle(ctx context.Context, unit *CombinedUnit, cause error) {
	w.gate.Done(len(unit.Parts))
	w.observer.Executed(OutcomeCancelled, 0)
	w.deliver(ctx, Result{
		Unit:    unit,
		Outcome: OutcomeCancelled,
		Err:     cause,
	})
}

func (w *worker) deliver(ctx context.Context, res Result) {
	// Delivery must happen even when the unit's own context is gone.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.deliverTimeout)
	defer cancel()

	if err := w.results.Deliver(dctx, res); err != nil {
		w.logger.Error("Failed to deliver result",
			zap.String("conversation_id", res.Unit.ConversationID),
			zap.String("unit_id", res.Unit.ID),
			zap.String("outcome", string(res.Outcome)),
			zap.Error(err))
	}
}

func (w *worker) run(ctx context.Context, unit *CombinedUnit) Result {
	lease, err := w.registry.Acquire(ctx, unit.ConversationID)
	if err != nil {
		if errors.Is(err, conversation.ErrSessionBusy) {
			return Result{Outcome: OutcomeBusy, Err: err}
		}
		return Result{Outcome: OutcomeCancelled, Err: fmt.Errorf("%w: %w", ErrCancelled, err)}
	}

	res := Result{SessionID: lease.SessionID(), Resumed: lease.Resuming()}
	text := unit.Text()
	fingerprint := unit.Fingerprint()

	if err := lease.Dispatch(fingerprint, text); err != nil {
		w.release(lease, false, err)
		res.Outcome = OutcomeProcessError
		res.Err = err
		return res
	}

	spec, err := w.commands.Command(claude.Request{
		SessionID:  lease.SessionID(),
		Prompt:     lease.Annotate(w.withReplyContext(unit, text)),
		NewSession: lease.FirstRun(),
	})
	if err != nil {
		w.release(lease, false, err)
		res.Outcome = OutcomeProcessError
		res.Err = fmt.Errorf("build command: %w", err)
		return res
	}

	var activated atomic.Bool
	spec.OnStart = func(pid int) {
		if err := lease.Activate(pid); err != nil {
			w.logger.Error("Failed to activate session",
				zap.String("conversation_id", unit.ConversationID),
				zap.Int("pid", pid),
				zap.Error(err))
			return
		}
		activated.Store(true)
	}

	execResult, runErr := w.executor.Run(ctx, spec, w.execTimeout)
	if execResult == nil {
		execResult = &executor.Result{}
	}

	switch {
	case runErr == nil:
		return w.complete(lease, activated.Load(), execResult, res)

	case executor.IsTimeout(runErr):
		if activated.Load() {
			if err := lease.TimedOut(fingerprint, text); err != nil {
				w.logger.Error("Failed to record timeout", zap.String("conversation_id", unit.ConversationID), zap.Error(err))
			}
		} else {
			w.release(lease, false, runErr)
		}
		res.Outcome = OutcomeTimeout
		res.Output = execResult.Stdout
		res.Err = fmt.Errorf("%w: %w", conversation.ErrSessionTimedOut, runErr)
		return res

	case ctx.Err() != nil:
		w.release(lease, activated.Load(), runErr)
		res.Outcome = OutcomeCancelled
		res.Output = execResult.Stdout
		res.Err = fmt.Errorf("%w: %w", ErrCancelled, runErr)
		return res

	default:
		w.release(lease, activated.Load(), runErr)
		failure := execResult.Stderr
		if strings.TrimSpace(failure) == "" {
			failure = execResult.Stdout
		}
		res.Outcome = OutcomeProcessError
		res.Output = claude.DescribeFailure(failure)
		res.Err = runErr
		return res
	}
}

func (w *worker) complete(lease *conversation.Lease, activated bool, execResult *executor.Result, res Result) Result {
	if !activated {
		// The process ran but the session never went active; treat it
		// like a failed start.
		err := errors.New("process finished without activating its session")
		w.release(lease, false, err)
		res.Outcome = OutcomeProcessError
		res.Err = err
		return res
	}

	if err := lease.Complete(); err != nil {
		w.logger.Error("Failed to complete session",
			zap.String("conversation_id", lease.ConversationID()),
			zap.Error(err))
	}

	resp, err := w.commands.Parse(execResult.Stdout)
	if err != nil {
		res.Outcome = OutcomeProcessError
		res.Output = claude.DescribeFailure(execResult.Stdout)
		res.Err = fmt.Errorf("parse output: %w", err)
		return res
	}

	res.Outcome = OutcomeSuccess
	res.Output = resp.Message
	return res
}

// release returns a lease that did not finish cleanly. A lease whose
// process started fails; otherwise it aborts back to its resting state.
func (w *worker) release(lease *conversation.Lease, activated bool, cause error) {
	var err error
	if activated {
		err = lease.Fail(cause)
	} else {
		err = lease.Abort()
	}
	if err != nil {
		w.logger.Error("Failed to release session",
			zap.String("conversation_id", lease.ConversationID()),
			zap.Bool("activated", activated),
			zap.Error(err))
	}
}

// withReplyContext prepends the quoted outbound message when the unit
// replies to something this service sent in the same conversation.
func (w *worker) withReplyContext(unit *CombinedUnit, text string) string {
	id := unit.ReplyToID()
	if id == "" || w.replies == nil {
		return text
	}
	entry, ok := w.replies.Get(id)
	if !ok || entry.ConversationID != unit.ConversationID {
		return text
	}

	excerpt := strings.TrimSpace(entry.Excerpt)
	if r := []rune(excerpt); len(r) > replyExcerptLen {
		excerpt = string(r[:replyExcerptLen]) + "..."
	}
	return fmt.Sprintf("[Replying to your earlier message: %q]\n\n%s", excerpt, text)
}
