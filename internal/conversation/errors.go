package conversation

import "errors"

var (
	// ErrSessionBusy is returned by Acquire when the conversation already has
	// a pending or active session.
	ErrSessionBusy = errors.New("session busy")

	// ErrSessionTimedOut marks a run that ended in a timeout. The session
	// stays usable; the next acquire resumes it.
	ErrSessionTimedOut = errors.New("session timed out")

	// ErrLeaseExpired is returned when a lease is used after it was released,
	// or after its session was reset or swept.
	ErrLeaseExpired = errors.New("lease expired")
)
