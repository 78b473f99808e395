package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a session failed.
type ErrorKind string

const (
	KindInsufficientCredits        ErrorKind = "insufficient_credits"
	KindFeatureNotAvailable        ErrorKind = "feature_not_available"
	KindQuotaExceeded              ErrorKind = "quota_exceeded"
	KindOverrunNotCovered          ErrorKind = "overrun_not_covered"
	KindRetrievalValidation        ErrorKind = "retrieval_validation_error"
	KindRetrievalUnavailable       ErrorKind = "retrieval_unavailable"
	KindUnknownTool                ErrorKind = "unknown_tool"
	KindSandboxTimeout             ErrorKind = "sandbox_timeout"
	KindSandboxRuntimeError        ErrorKind = "sandbox_runtime_error"
	KindSandboxExecutorUnavailable ErrorKind = "sandbox_executor_unavailable"
	KindMaxTurnsExceeded           ErrorKind = "max_turns_exceeded"
	KindModelProvider              ErrorKind = "model_provider_error"
	KindRateLimited                ErrorKind = "rate_limited"
	KindLedgerUnavailable          ErrorKind = "ledger_unavailable"
	KindInvalidRequest             ErrorKind = "invalid_request"
	KindInternal                   ErrorKind = "internal"
)

var (
	// ErrSessionExists is returned by Start for an in-flight session id.
	ErrSessionExists = errors.New("session already exists")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid generation request")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("engine closed")
)

// Cancellation causes, mapped onto Outcome.Reason.
var (
	errCancelRequested = errors.New("cancel requested")
	errDeadline        = errors.New("session deadline exceeded")
	errShutdown        = errors.New("engine shutting down")
)

// Cancellation reasons.
const (
	ReasonCancelled       = "cancelled"
	ReasonDeadline        = "deadline"
	ReasonShutdown        = "shutdown"
	ReasonCallerCancelled = "caller_cancelled"
)

// SessionError is a terminal session failure of a specific kind.
type SessionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *SessionError) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SessionError) Unwrap() error { return e.Err }

func fail(kind ErrorKind, err error, format string, args ...any) *SessionError {
	return &SessionError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// policyFailure reports kinds that stand even if the session was
// cancelled concurrently.
func policyFailure(err error) bool {
	var se *SessionError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Kind {
	case KindInsufficientCredits, KindRateLimited, KindMaxTurnsExceeded,
		KindOverrunNotCovered, KindRetrievalValidation, KindInvalidRequest:
		return true
	default:
		return false
	}
}

func cancelReason(cause error) string {
	switch {
	case errors.Is(cause, errDeadline):
		return ReasonDeadline
	case errors.Is(cause, errCancelRequested):
		return ReasonCancelled
	case errors.Is(cause, errShutdown):
		return ReasonShutdown
	default:
		return ReasonCallerCancelled
	}
}
