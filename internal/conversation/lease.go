package conversation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const annotationExcerptLen = 280

// Lease is the right to run one dispatch for a conversation. Exactly one of
// Complete, TimedOut, Fail or Abort ends it; afterwards every method returns
// ErrLeaseExpired.
type Lease struct {
	registry       *Registry
	resume         *ResumeContext
	conversationID string
	sessionID      string
	restingState   State
	generation     uint64
	firstRun       bool
}

// ConversationID returns the conversation the lease belongs to.
func (l *Lease) ConversationID() string { return l.conversationID }

// SessionID returns the external session id.
func (l *Lease) SessionID() string { return l.sessionID }

// FirstRun reports whether the external process has never been started for
// this session, so the session id must be created rather than resumed.
func (l *Lease) FirstRun() bool { return l.firstRun }

// Resuming reports whether the lease continues a timed-out session.
func (l *Lease) Resuming() bool { return l.resume != nil }

// ResumeContext returns a copy of the resume context, or nil.
func (l *Lease) ResumeContext() *ResumeContext {
	if l.resume == nil {
		return nil
	}
	rc := *l.resume
	return &rc
}

// Annotate prefixes payload with a note about the interrupted attempt when
// the lease resumes a timed-out session. Otherwise it returns payload as is.
func (l *Lease) Annotate(payload string) string {
	if l.resume == nil {
		return payload
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[The previous attempt in this conversation timed out at %s",
		l.resume.TimedOutAt.UTC().Format(time.RFC3339))
	if excerpt := truncate(l.resume.Content, annotationExcerptLen); excerpt != "" {
		fmt.Fprintf(&b, " while handling: %q", excerpt)
	}
	b.WriteString(". Continue from where it was interrupted.]\n\n")
	b.WriteString(payload)
	return b.String()
}

// Dispatch records the payload about to be handed to the process. It is
// what Restore turns into resume context if the host dies mid-run.
func (l *Lease) Dispatch(fingerprint, content string) error {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.leaseSessionLocked(l)
	if err != nil {
		return err
	}
	s.lastDispatch = &Dispatch{
		Fingerprint: fingerprint,
		Content:     content,
		At:          r.now(),
	}
	return nil
}

// Activate moves the session from pending to active once the process has
// started.
func (l *Lease) Activate(pid int) error {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.leaseSessionLocked(l)
	if err != nil {
		return err
	}
	if err := r.transitionLocked(l, s, StateActive); err != nil {
		return err
	}
	s.pid = pid
	s.runs++
	return nil
}

// Complete ends a successful run: active -> idle, resume context cleared.
func (l *Lease) Complete() error {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.leaseSessionLocked(l)
	if err != nil {
		return err
	}
	if s.state != StateActive {
		return &TransitionError{ConversationID: l.conversationID, From: s.state, To: StateIdle}
	}
	if err := r.transitionLocked(l, s, StateIdle); err != nil {
		return err
	}
	s.resume = nil
	return nil
}

// TimedOut ends a run that exceeded its timeout: active -> timed_out with
// the given payload as resume context. Only the latest timeout is kept.
func (l *Lease) TimedOut(fingerprint, content string) error {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.leaseSessionLocked(l)
	if err != nil {
		return err
	}
	if s.state != StateActive {
		return &TransitionError{ConversationID: l.conversationID, From: s.state, To: StateTimedOut}
	}
	if err := r.transitionLocked(l, s, StateTimedOut); err != nil {
		return err
	}
	s.resume = &ResumeContext{
		Fingerprint: fingerprint,
		Content:     content,
		TimedOutAt:  r.now(),
	}
	r.logger.Info("Session timed out",
		zap.String("conversation_id", l.conversationID),
		zap.String("session_id", l.sessionID),
		zap.String("fingerprint", fingerprint))
	return nil
}

// Fail ends a run whose process failed. A failed resume keeps the session
// timed_out with its existing resume context; any other failure returns the
// session to idle.
func (l *Lease) Fail(cause error) error {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.leaseSessionLocked(l)
	if err != nil {
		return err
	}

	to := StateIdle
	if l.resume != nil && s.resume != nil {
		to = StateTimedOut
	}
	if err := r.transitionLocked(l, s, to); err != nil {
		return err
	}
	r.logger.Warn("Session run failed",
		zap.String("conversation_id", l.conversationID),
		zap.String("session_id", l.sessionID),
		zap.String("state", string(to)),
		zap.Error(cause))
	return nil
}

// Abort releases a lease whose process never started, returning the session
// to the state it rested in before Acquire.
func (l *Lease) Abort() error {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.leaseSessionLocked(l)
	if err != nil {
		return err
	}
	if s.state != StatePending {
		return &TransitionError{ConversationID: l.conversationID, From: s.state, To: l.restingState}
	}
	return r.transitionLocked(l, s, l.restingState)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
