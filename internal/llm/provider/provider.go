// Package provider defines the uniform streaming interface over LLM
// backends and its implementations.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Provider streams one model turn per call.
type Provider interface {
	// Name returns the provider name (e.g. "openai", "bedrock")
	Name() string

	// Stream starts a turn. Events arrive in generation order; the turn
	// ends with a TurnComplete event followed by io.EOF.
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream is an in-flight model turn.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls are the calls an assistant message requested.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and Name identify the call a tool message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// Tool is a function declaration offered to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Request is one model turn.
type Request struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EventKind discriminates stream events.
type EventKind string

const (
	EventTextDelta    EventKind = "text_delta"
	EventToolCall     EventKind = "tool_call"
	EventTurnComplete EventKind = "turn_complete"
)

// Event is one item of a Stream.
type Event struct {
	Kind         EventKind `json:"kind"`
	Text         string    `json:"text,omitempty"`
	ToolCall     *ToolCall `json:"tool_call,omitempty"`
	Usage        Usage     `json:"usage,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
}

// TextDelta builds a text event.
func TextDelta(s string) Event { return Event{Kind: EventTextDelta, Text: s} }

// ToolCallRequested builds a tool call event.
func ToolCallRequested(c ToolCall) Event { return Event{Kind: EventToolCall, ToolCall: &c} }

// TurnComplete builds the final event of a turn.
func TurnComplete(u Usage, finishReason string) Event {
	return Event{Kind: EventTurnComplete, Usage: u, FinishReason: finishReason}
}

// ProviderError represents a provider-specific error
type ProviderError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (%s, status %d): %s", e.Provider, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Provider, e.Code, e.Message)
}

// Unwrap returns the original error
func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// Common error codes
const (
	ErrorCodeInvalidRequest  = "invalid_request"
	ErrorCodeAuthentication  = "authentication_error"
	ErrorCodeRateLimit       = "rate_limit_exceeded"
	ErrorCodeQuotaExceeded   = "quota_exceeded"
	ErrorCodeServerError     = "server_error"
	ErrorCodeTimeout         = "timeout"
	ErrorCodeModelNotFound   = "model_not_found"
	ErrorCodeContentFiltered = "content_filtered"
	ErrorCodeMalformed       = "malformed_response"
	ErrorCodeUnknown         = "unknown_error"
)

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, original error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// codeForStatus maps an HTTP status to an error code.
func codeForStatus(status int) string {
	switch {
	case status == 401 || status == 403:
		return ErrorCodeAuthentication
	case status == 404:
		return ErrorCodeModelNotFound
	case status == 408:
		return ErrorCodeTimeout
	case status == 429:
		return ErrorCodeRateLimit
	case status >= 500:
		return ErrorCodeServerError
	case status >= 400:
		return ErrorCodeInvalidRequest
	default:
		return ErrorCodeUnknown
	}
}

// IsRetryable reports whether err is a ProviderError worth retrying.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.IsRetryable
}

// Malformed reports a response the engine cannot interpret.
func Malformed(provider, format string, args ...any) *ProviderError {
	return NewProviderError(provider, ErrorCodeMalformed, fmt.Sprintf(format, args...), nil)
}

// Collect drains a stream into the turn's text, tool calls and final
// event. It closes the stream.
func Collect(s Stream) (text string, calls []ToolCall, final Event, err error) {
	defer s.Close()
	for {
		ev, rerr := s.Recv()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return text, calls, final, nil
			}
			return text, calls, final, rerr
		}
		switch ev.Kind {
		case EventTextDelta:
			text += ev.Text
		case EventToolCall:
			calls = append(calls, *ev.ToolCall)
		case EventTurnComplete:
			final = ev
		}
	}
}
