package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/aixgo-dev/genorch/internal/llm/provider"
)

// MaxPromptBytes bounds an accepted prompt.
const MaxPromptBytes = 256 << 10

// Request is a generation request. It is immutable once accepted.
type Request struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
	Prompt    string `json:"prompt"`

	// Action names the credit-cost entry the request pays for, e.g.
	// "survey_simple". An empty action or the generic "chat", "survey" and
	// "agent" are priced by model, Questions and Steps. Unknown actions add
	// no floor.
	Action string `json:"action,omitempty"`
	Model  string `json:"model,omitempty"`

	Questions int `json:"questions,omitempty"`
	Steps     int `json:"steps,omitempty"`

	MaxOutputTokens int  `json:"max_output_tokens,omitempty"`
	SkipRetrieval   bool `json:"skip_retrieval,omitempty"`

	// History carries earlier conversation turns, oldest first.
	History []provider.Message `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Validate checks the fields the engine relies on.
func (r Request) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if len(r.Prompt) > MaxPromptBytes {
		return fmt.Errorf("%w: prompt exceeds %d bytes", ErrInvalidRequest, MaxPromptBytes)
	}
	if r.MaxOutputTokens < 0 {
		return fmt.Errorf("%w: max_output_tokens must not be negative", ErrInvalidRequest)
	}
	if r.Questions < 0 || r.Steps < 0 {
		return fmt.Errorf("%w: questions and steps must not be negative", ErrInvalidRequest)
	}
	for i, m := range r.History {
		switch m.Role {
		case provider.RoleUser, provider.RoleAssistant:
		default:
			return fmt.Errorf("%w: history[%d] has unsupported role %q", ErrInvalidRequest, i, m.Role)
		}
	}
	return nil
}
