package provider

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"
)

func init() {
	RegisterFactory("mock", func(_ context.Context, _ Config) (Provider, error) {
		return NewMockProvider("mock"), nil
	})
}

// Turn scripts one model turn of a MockProvider.
type Turn struct {
	Text      []string // streamed as one delta each
	ToolCalls []ToolCall
	Usage     Usage

	// Err fails the Stream call itself.
	Err error
	// RecvErr is returned by Recv after the scripted events.
	RecvErr error
	// Delay precedes every event and honours context cancellation.
	Delay time.Duration
}

// MockProvider is a scripted provider for tests and local runs. With no
// turns configured it echoes the last user message.
type MockProvider struct {
	name string

	mu       sync.Mutex
	turns    []Turn
	repeat   bool
	requests []Request
	next     int
}

// NewMockProvider creates a new mock provider
func NewMockProvider(name string, turns ...Turn) *MockProvider {
	return &MockProvider{name: name, turns: turns}
}

// RepeatLast makes the final turn replay once the script is exhausted.
func (m *MockProvider) RepeatLast() *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repeat = true
	return m
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	return m.name
}

// Requests returns the requests received so far.
func (m *MockProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.requests)
}

// Stream implements Provider.
func (m *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	req.Messages = slices.Clone(req.Messages)
	m.requests = append(m.requests, req)

	var turn Turn
	switch {
	case len(m.turns) == 0:
		turn = echoTurn(req)
	case m.next < len(m.turns):
		turn = m.turns[m.next]
		m.next++
	case m.repeat:
		turn = m.turns[len(m.turns)-1]
	default:
		m.mu.Unlock()
		return nil, Malformed(m.name, "script exhausted after %d turns", len(m.turns))
	}
	m.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}

	events := make([]Event, 0, len(turn.Text)+len(turn.ToolCalls)+1)
	for _, t := range turn.Text {
		events = append(events, TextDelta(t))
	}
	for _, c := range turn.ToolCalls {
		events = append(events, ToolCallRequested(c))
	}
	finish := "stop"
	if len(turn.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	usage := turn.Usage
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	events = append(events, TurnComplete(usage, finish))

	return &mockStream{ctx: ctx, events: events, recvErr: turn.RecvErr, delay: turn.Delay}, nil
}

func echoTurn(req Request) Turn {
	last := ""
	prompt := 0
	for _, msg := range req.Messages {
		prompt += (len(msg.Content) + 3) / 4
		if msg.Role == RoleUser {
			last = msg.Content
		}
	}
	text := fmt.Sprintf("mock response: %s", last)
	return Turn{
		Text:  []string{text},
		Usage: Usage{PromptTokens: prompt, CompletionTokens: (len(text) + 3) / 4},
	}
}

type mockStream struct {
	ctx     context.Context
	events  []Event
	recvErr error
	delay   time.Duration
	closed  bool
}

func (s *mockStream) Recv() (Event, error) {
	if s.closed {
		return Event{}, io.EOF
	}
	if s.recvErr != nil && len(s.events) == 1 {
		// The scripted error replaces the final TurnComplete.
		err := s.recvErr
		s.events = nil
		s.recvErr = nil
		return Event{}, err
	}
	if len(s.events) == 0 {
		return Event{}, io.EOF
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			return Event{}, s.ctx.Err()
		case <-t.C:
		}
	} else if err := s.ctx.Err(); err != nil {
		return Event{}, err
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}
