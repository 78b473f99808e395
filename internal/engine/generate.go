package engine

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aixgo-dev/genorch/internal/llm/provider"
	"github.com/aixgo-dev/genorch/pkg/tools"
)

// generateTurn streams one model turn, forwarding text deltas. It returns
// the tool calls requested by the turn.
func (s *session) generateTurn() ([]provider.ToolCall, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}

	maxOut := s.req.MaxOutputTokens
	if maxOut <= 0 {
		maxOut = s.e.cfg.MaxOutputTokens
	}
	stream, err := s.e.provider.Stream(s.ctx, provider.Request{
		Model:     s.model,
		Messages:  s.messages,
		Tools:     toolDecls(s.e.deps.Tools.Specs()),
		MaxTokens: maxOut,
	})
	if err != nil {
		return nil, s.modelError(err)
	}
	defer stream.Close()

	var text strings.Builder
	var calls []provider.ToolCall
	seen := make(map[string]struct{})
	for {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil, fail(KindModelProvider, provider.Malformed(s.e.provider.Name(), "stream ended without turn_complete"), "")
		}
		if err != nil {
			return nil, s.modelError(err)
		}

		switch ev.Kind {
		case provider.EventTextDelta:
			text.WriteString(ev.Text)
			s.text.WriteString(ev.Text)
			s.emit(Event{Kind: EventTextDelta, Text: ev.Text})

		case provider.EventToolCall:
			if ev.ToolCall == nil {
				return nil, fail(KindModelProvider, provider.Malformed(s.e.provider.Name(), "tool call event without a call"), "")
			}
			c := *ev.ToolCall
			if _, dup := seen[c.ID]; c.ID == "" || dup {
				c.ID = fmt.Sprintf("call_%d_%d", s.turns+1, len(calls))
			}
			seen[c.ID] = struct{}{}
			calls = append(calls, c)

		case provider.EventTurnComplete:
			s.turns++
			s.usage.InputTokens += ev.Usage.PromptTokens
			s.usage.OutputTokens += ev.Usage.CompletionTokens
			s.messages = append(s.messages, provider.Message{
				Role:      provider.RoleAssistant,
				Content:   text.String(),
				ToolCalls: calls,
			})
			return calls, nil
		}
	}
}

func (s *session) modelError(err error) error {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fail(KindModelProvider, err, "")
}

func toolDecls(specs []tools.Spec) []provider.Tool {
	if len(specs) == 0 {
		return nil
	}
	out := make([]provider.Tool, len(specs))
	for i, sp := range specs {
		out[i] = provider.Tool{Name: sp.Name, Description: sp.Description, Parameters: sp.Parameters}
	}
	return out
}
