package engine

import "fmt"

// State is a session's position in the workflow.
type State string

const (
	StatePending       State = "pending"
	StateAuthorizing   State = "authorizing"
	StateRetrieving    State = "retrieving"
	StateGenerating    State = "generating"
	StateToolExecuting State = "tool_executing"
	StateSettling      State = "settling"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// transitions lists the legal successors of every non-terminal state.
var transitions = map[State][]State{
	StatePending:       {StateAuthorizing, StateFailed, StateCancelled},
	StateAuthorizing:   {StateRetrieving, StateFailed, StateCancelled},
	StateRetrieving:    {StateGenerating, StateFailed, StateCancelled},
	StateGenerating:    {StateToolExecuting, StateSettling, StateFailed, StateCancelled},
	StateToolExecuting: {StateGenerating, StateFailed, StateCancelled},
	StateSettling:      {StateCompleted, StateFailed, StateCancelled},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// panicOnIllegalTransition turns illegal transitions into panics. Tests
// enable it; in production they fail the session as internal errors.
var panicOnIllegalTransition = false

func illegalTransition(from, to State) error {
	msg := fmt.Sprintf("illegal transition %s -> %s", from, to)
	if panicOnIllegalTransition {
		panic(msg)
	}
	return &SessionError{Kind: KindInternal, Message: msg}
}
