package conversation

import "time"

// ResumeContext is captured when a run times out so the next run can be
// told it is continuing after an interruption.
type ResumeContext struct {
	TimedOutAt  time.Time `json:"timed_out_at"`
	Fingerprint string    `json:"fingerprint"`
	Content     string    `json:"content"`
}

// Dispatch records the last payload handed to the external process.
type Dispatch struct {
	At          time.Time `json:"at"`
	Fingerprint string    `json:"fingerprint"`
	Content     string    `json:"content"`
}

// session is the registry's mutable record. It never leaves the package;
// callers see SessionStatus copies.
type session struct {
	createdAt    time.Time
	lastUsedAt   time.Time
	timeoutAt    time.Time
	lastDispatch *Dispatch
	resume       *ResumeContext
	id           string
	state        State
	pid          int
	runs         int
	generation   uint64
}

// SessionStatus is a read-only snapshot of one session.
type SessionStatus struct {
	CreatedAt      time.Time      `json:"created_at"`
	LastUsedAt     time.Time      `json:"last_used_at"`
	TimeoutAt      time.Time      `json:"timeout_at"`
	LastDispatch   *Dispatch      `json:"last_dispatch,omitempty"`
	Resume         *ResumeContext `json:"resume,omitempty"`
	ID             string         `json:"session_id"`
	ConversationID string         `json:"conversation_id"`
	State          State          `json:"state"`
	PID            int            `json:"pid,omitempty"`
	Runs           int            `json:"runs"`
}

func (s *session) status(conversationID string) SessionStatus {
	st := SessionStatus{
		ID:             s.id,
		ConversationID: conversationID,
		State:          s.state,
		PID:            s.pid,
		Runs:           s.runs,
		CreatedAt:      s.createdAt,
		LastUsedAt:     s.lastUsedAt,
		TimeoutAt:      s.timeoutAt,
	}
	if s.lastDispatch != nil {
		d := *s.lastDispatch
		st.LastDispatch = &d
	}
	if s.resume != nil {
		r := *s.resume
		st.Resume = &r
	}
	return st
}
