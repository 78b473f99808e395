package engine

import (
	"time"

	"github.com/aixgo-dev/genorch/pkg/tools"
)

// EventKind discriminates session events.
type EventKind string

const (
	EventState      EventKind = "state"
	EventTextDelta  EventKind = "text_delta"
	EventToolCall   EventKind = "tool_call"
	EventToolResult EventKind = "tool_result"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
	EventCancelled  EventKind = "cancelled"
)

// Event is one item of a session's event stream. Seq increases by one
// per event; exactly one terminal event ends every stream.
type Event struct {
	Seq       int       `json:"seq"`
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`

	// State events.
	From  State `json:"from,omitempty"`
	State State `json:"state,omitempty"`

	Text       string        `json:"text,omitempty"`
	ToolCall   *tools.Call   `json:"tool_call,omitempty"`
	ToolResult *tools.Result `json:"tool_result,omitempty"`

	// Outcome is set on terminal events.
	Outcome *Outcome `json:"outcome,omitempty"`
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed || e.Kind == EventCancelled
}

// Settlement is the ledger result of a session.
type Settlement struct {
	ReservationID string `json:"reservation_id,omitempty"`
	Reserved      int64  `json:"reserved"`
	Actual        int64  `json:"actual"`
	Charged       int64  `json:"charged"`
	Balance       int64  `json:"balance"`
	Released      bool   `json:"released,omitempty"`
	// Error is set when the reservation could not be closed.
	Error string `json:"error,omitempty"`
}

// Usage counts what a session consumed in completed turns and tool calls.
type Usage struct {
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Compute      time.Duration `json:"compute_ns"`
}

// Outcome is the terminal summary of a session.
type Outcome struct {
	SessionID  string        `json:"session_id"`
	UserID     string        `json:"user_id"`
	State      State         `json:"state"`
	Kind       ErrorKind     `json:"kind,omitempty"`
	Message    string        `json:"message,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Text       string        `json:"text,omitempty"`
	Turns      int           `json:"turns"`
	ToolCalls  int           `json:"tool_calls"`
	Usage      Usage         `json:"usage"`
	Settlement Settlement    `json:"settlement"`
	States     []State       `json:"states"`
	Duration   time.Duration `json:"duration_ns"`
}

func terminalKind(s State) EventKind {
	switch s {
	case StateCompleted:
		return EventCompleted
	case StateCancelled:
		return EventCancelled
	default:
		return EventFailed
	}
}
