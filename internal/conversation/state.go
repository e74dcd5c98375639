package conversation

import "fmt"

// State is the lifecycle state of an external session.
type State string

const (
	// StateIdle means no process is running for the conversation.
	StateIdle State = "idle"
	// StatePending means a lease was granted but the process has not started.
	StatePending State = "pending"
	// StateActive means the process is running.
	StateActive State = "active"
	// StateTimedOut means the last run timed out; the session keeps its
	// resume context until the next successful run or TTL expiry.
	StateTimedOut State = "timed_out"
)

// transitions lists the valid moves out of each state. pending can fall
// back to idle or timed_out when the process never starts.
var transitions = map[State][]State{
	StateIdle:     {StatePending},
	StatePending:  {StateActive, StateIdle, StateTimedOut},
	StateActive:   {StateIdle, StateTimedOut},
	StateTimedOut: {StatePending, StateIdle},
}

// CanTransition reports whether from -> to is a valid move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Busy reports whether a session in this state holds the conversation's
// single-flight slot.
func (s State) Busy() bool {
	return s == StatePending || s == StateActive
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// TransitionError reports an attempted move the state table does not allow.
type TransitionError struct {
	ConversationID string
	From           State
	To             State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("conversation %s: invalid session transition from %s to %s", e.ConversationID, e.From, e.To)
}
