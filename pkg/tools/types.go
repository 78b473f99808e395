// Package tools is the registry of callable tools exposed to models.
//
// A tool is a named variant carrying a JSON schema and an invoke function.
// Dispatch never fails a session for recoverable problems: unknown names,
// bad arguments and handler errors come back as a Result with an ErrorKind
// so the model can read them and adjust.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failed tool call.
type ErrorKind string

const (
	KindUnknownTool         ErrorKind = "unknown_tool"
	KindInvalidArguments    ErrorKind = "invalid_arguments"
	KindToolFailed          ErrorKind = "tool_failed"
	KindSandboxTimeout      ErrorKind = "sandbox_timeout"
	KindSandboxRuntimeError ErrorKind = "sandbox_runtime_error"
)

var (
	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrUnknownTool matches Results for names that are not registered.
	ErrUnknownTool = errors.New("unknown tool")
)

// Call is a model's request to invoke a tool.
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Result is the outcome of exactly one Call. Either Output is set, or
// ErrorKind and Message are (Output may then carry captured detail).
type Result struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Message   string          `json:"message,omitempty"`
	Compute   time.Duration   `json:"compute_ns,omitempty"`
}

// IsError reports whether the call failed.
func (r Result) IsError() bool { return r.ErrorKind != "" }

// Content renders the result as the text fed back to the model.
func (r Result) Content() string {
	if !r.IsError() {
		return string(r.Output)
	}
	payload := map[string]any{"error": string(r.ErrorKind), "message": r.Message}
	if len(r.Output) > 0 {
		payload["detail"] = r.Output
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// Error is a handler error that carries its own kind and optional output,
// such as the stdout captured before a sandbox timeout.
type Error struct {
	Kind    ErrorKind
	Message string
	Output  any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError returns a kinded handler error.
func NewError(kind ErrorKind, message string, output any) *Error {
	return &Error{Kind: kind, Message: message, Output: output}
}

type fatalError struct{ err error }

func (f *fatalError) Error() string { return "fatal: " + f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Fatal marks a handler error as unrecoverable. Dispatch returns it as an
// error instead of folding it into the Result.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}

// ComputeReporter is implemented by outputs that consumed billable compute.
type ComputeReporter interface {
	ComputeTime() time.Duration
}

// Spec is the declaration handed to model providers.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}
