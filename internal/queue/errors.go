package queue

import (
	"errors"
	"fmt"

	"github.com/joshsymonds/conductor/internal/admission"
)

var (
	// ErrManagerClosed is returned by Submit once the coordinator has stopped.
	ErrManagerClosed = errors.New("queue manager closed")

	// ErrBufferOverflow is returned by Submit when the event filled its
	// conversation's buffer. The event was accepted and the buffer flushed
	// early; no parts are lost.
	ErrBufferOverflow = errors.New("conversation buffer full")

	// ErrCancelled is the error on results for units cancelled before or
	// during their run.
	ErrCancelled = errors.New("unit cancelled")
)

// AdmissionError is returned by Submit when the gate does not admit an
// event. It unwraps to the gate's reason, so errors.Is works with
// admission.ErrDuplicate and admission.ErrBackpressure.
type AdmissionError struct {
	Reason   error
	DedupKey string
	Verdict  admission.VerdictKind
}

// Error implements the error interface.
func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission %s for %q: %v", e.Verdict, e.DedupKey, e.Reason)
}

// Unwrap returns the underlying reason.
func (e *AdmissionError) Unwrap() error {
	return e.Reason
}

// IsDuplicate reports whether err is a duplicate-delivery rejection.
func IsDuplicate(err error) bool {
	return errors.Is(err, admission.ErrDuplicate)
}

// IsBackpressure reports whether err asks the sender to retry later.
func IsBackpressure(err error) bool {
	return errors.Is(err, admission.ErrBackpressure)
}

// IsAccepted reports whether Submit took ownership of the event: err is nil
// or ErrBufferOverflow.
func IsAccepted(err error) bool {
	return err == nil || errors.Is(err, ErrBufferOverflow)
}
