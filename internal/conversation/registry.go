// Package conversation tracks one external session per conversation: its
// identity, its single-flight state and the context needed to resume it
// after a timeout or a host restart.
package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultSessionTTL is how long a session may sit in any state before
	// Sweep resets or drops it.
	DefaultSessionTTL = 60 * time.Minute
)

// TransitionHook observes every state change. It runs with the registry
// lock held and must not call back into the Registry.
type TransitionHook func(conversationID string, from, to State)

// Config configures a Registry.
type Config struct {
	Logger       *zap.Logger
	Persistence  SessionPersistence
	OnTransition TransitionHook
	SessionTTL   time.Duration
	// BusyWait is how long Acquire waits for a busy session to be released
	// before returning ErrSessionBusy. Zero fails immediately.
	BusyWait time.Duration
}

// SweepResult counts what a Sweep changed.
type SweepResult struct {
	Removed    int
	Expired    int
	ForceReset int
}

// Registry owns the conversation -> session map. All mutation goes through
// Acquire, the Lease methods, Reset, Sweep and Restore.
type Registry struct {
	logger       *zap.Logger
	persistence  SessionPersistence
	onTransition TransitionHook
	now          func() time.Time
	sessions     map[string]*session
	released     chan struct{}
	ttl          time.Duration
	busyWait     time.Duration
	generation   uint64
	mu           sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Persistence == nil {
		cfg.Persistence = NewNoopStore()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.BusyWait < 0 {
		cfg.BusyWait = 0
	}

	return &Registry{
		logger:       cfg.Logger.Named("sessions"),
		persistence:  cfg.Persistence,
		onTransition: cfg.OnTransition,
		now:          time.Now,
		sessions:     make(map[string]*session),
		released:     make(chan struct{}),
		ttl:          cfg.SessionTTL,
		busyWait:     cfg.BusyWait,
	}
}

// SetClock overrides the time source.
func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.mu.Lock()
		r.now = now
		r.mu.Unlock()
	}
}

// SessionTTL returns the configured session TTL.
func (r *Registry) SessionTTL() time.Duration {
	return r.ttl
}

// Acquire takes the conversation's single-flight slot, creating the session
// on first use. If the session is pending or active, Acquire waits up to
// BusyWait for it to be released and then returns ErrSessionBusy.
func (r *Registry) Acquire(ctx context.Context, conversationID string) (*Lease, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("acquire: empty conversation id")
	}

	var deadline <-chan time.Time
	if r.busyWait > 0 {
		timer := time.NewTimer(r.busyWait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		r.mu.Lock()
		if lease, ok := r.tryAcquireLocked(conversationID); ok {
			r.mu.Unlock()
			return lease, nil
		}
		released := r.released
		r.mu.Unlock()

		if deadline == nil {
			return nil, ErrSessionBusy
		}

		select {
		case <-released:
		case <-deadline:
			return nil, ErrSessionBusy
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Registry) tryAcquireLocked(conversationID string) (*Lease, bool) {
	now := r.now()
	s, ok := r.sessions[conversationID]
	if !ok {
		s = &session{
			id:        uuid.NewString(),
			state:     StateIdle,
			createdAt: now,
		}
		r.sessions[conversationID] = s
		r.logger.Debug("Created session",
			zap.String("conversation_id", conversationID),
			zap.String("session_id", s.id))
	}
	if s.state.Busy() {
		return nil, false
	}

	prev := s.state
	r.setStateLocked(conversationID, s, StatePending)
	r.generation++
	s.generation = r.generation
	// The previous run's payload must not become resume context for this one.
	s.lastDispatch = nil
	s.lastUsedAt = now
	s.timeoutAt = now.Add(r.ttl)

	lease := &Lease{
		registry:       r,
		conversationID: conversationID,
		sessionID:      s.id,
		generation:     s.generation,
		restingState:   prev,
		firstRun:       s.runs == 0,
	}
	if prev == StateTimedOut && s.resume != nil {
		rc := *s.resume
		lease.resume = &rc
	}
	return lease, true
}

// setStateLocked moves s to the given state; the caller has checked the
// move is valid.
func (r *Registry) setStateLocked(conversationID string, s *session, to State) {
	from := s.state
	s.state = to
	if from.Busy() && !to.Busy() {
		close(r.released)
		r.released = make(chan struct{})
	}
	if r.onTransition != nil && from != to {
		r.onTransition(conversationID, from, to)
	}
}

// leaseSessionLocked returns the session a lease refers to, or
// ErrLeaseExpired when it was released, reset or swept.
func (r *Registry) leaseSessionLocked(l *Lease) (*session, error) {
	s, ok := r.sessions[l.conversationID]
	if !ok || s.generation != l.generation || !s.state.Busy() {
		return nil, ErrLeaseExpired
	}
	return s, nil
}

// transitionLocked validates and applies a lease-driven move.
func (r *Registry) transitionLocked(l *Lease, s *session, to State) error {
	if !CanTransition(s.state, to) {
		return &TransitionError{ConversationID: l.conversationID, From: s.state, To: to}
	}
	r.setStateLocked(l.conversationID, s, to)
	now := r.now()
	s.lastUsedAt = now
	s.timeoutAt = now.Add(r.ttl)
	if !to.Busy() {
		s.pid = 0
		// Invalidate the lease so later calls see ErrLeaseExpired.
		r.generation++
		s.generation = r.generation
	}
	return nil
}

// Status returns a snapshot of the conversation's session.
func (r *Registry) Status(conversationID string) (SessionStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[conversationID]
	if !ok {
		return SessionStatus{}, false
	}
	return s.status(conversationID), true
}

// Snapshot returns every session ordered by conversation id.
func (r *Registry) Snapshot() []SessionStatus {
	r.mu.Lock()
	out := make([]SessionStatus, 0, len(r.sessions))
	for convID, s := range r.sessions {
		out = append(out, s.status(convID))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}

// ActiveCount returns the number of sessions in pending or active.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.sessions {
		if s.state.Busy() {
			n++
		}
	}
	return n
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reset drops the conversation's session. Outstanding leases expire and the
// next Acquire starts a fresh session id.
func (r *Registry) Reset(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[conversationID]
	if !ok {
		return false
	}
	if s.state != StateIdle {
		r.setStateLocked(conversationID, s, StateIdle)
	}
	delete(r.sessions, conversationID)
	r.logger.Info("Session reset",
		zap.String("conversation_id", conversationID),
		zap.String("session_id", s.id))
	return true
}

// Sweep applies the session TTL: idle sessions past it are dropped,
// timed_out sessions return to idle with their resume context discarded, and
// pending or active sessions are force-reset to idle.
func (r *Registry) Sweep(now time.Time) SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res SweepResult
	for convID, s := range r.sessions {
		if now.Before(s.timeoutAt) {
			continue
		}

		switch s.state {
		case StateIdle:
			delete(r.sessions, convID)
			res.Removed++
		case StateTimedOut:
			r.setStateLocked(convID, s, StateIdle)
			s.resume = nil
			s.timeoutAt = now.Add(r.ttl)
			res.Expired++
		case StatePending, StateActive:
			r.logger.Warn("Force-resetting stuck session",
				zap.String("conversation_id", convID),
				zap.String("session_id", s.id),
				zap.String("state", string(s.state)),
				zap.Int("pid", s.pid),
				zap.Time("last_used_at", s.lastUsedAt))
			r.setStateLocked(convID, s, StateIdle)
			r.generation++
			s.generation = r.generation
			s.pid = 0
			s.resume = nil
			s.timeoutAt = now.Add(r.ttl)
			res.ForceReset++
		}
	}
	return res
}
