package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aixgo-dev/genorch/internal/llm/cost"
	"github.com/aixgo-dev/genorch/internal/observability"
	metrics "github.com/aixgo-dev/genorch/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedProvider wraps a Provider with tracing and metrics.
// Each turn gets one span covering stream creation through Close, with
// token usage and the credit cost of the turn attached.
type InstrumentedProvider struct {
	provider   Provider
	calculator *cost.Calculator
}

// NewInstrumentedProvider wraps a provider with automatic observability.
// A nil calculator uses cost.DefaultCalculator.
func NewInstrumentedProvider(provider Provider, calculator *cost.Calculator) *InstrumentedProvider {
	if calculator == nil {
		calculator = cost.DefaultCalculator
	}
	return &InstrumentedProvider{provider: provider, calculator: calculator}
}

// Name returns the wrapped provider's name.
func (p *InstrumentedProvider) Name() string {
	return p.provider.Name()
}

// Stream implements Provider.
func (p *InstrumentedProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	name := p.provider.Name()
	ctx, span := observability.StartSpan(ctx, fmt.Sprintf("llm.%s.stream", name),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", name),
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.max_tokens", req.MaxTokens),
			attribute.Int("llm.messages_count", len(req.Messages)),
			attribute.Int("llm.tools_count", len(req.Tools)),
		),
	)

	s, err := p.provider.Stream(ctx, req)
	if err != nil {
		metrics.RecordModelRequest(name, outcomeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	return &instrumentedStream{
		Stream:     s,
		provider:   name,
		model:      req.Model,
		span:       span,
		calculator: p.calculator,
		start:      time.Now(),
	}, nil
}

func outcomeOf(err error) string {
	var pe *ProviderError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.As(err, &pe):
		return pe.Code
	default:
		return ErrorCodeUnknown
	}
}

type instrumentedStream struct {
	Stream
	provider   string
	model      string
	span       trace.Span
	calculator *cost.Calculator
	start      time.Time
	ttft       bool
	toolCalls  int
	ended      bool
}

func (s *instrumentedStream) Recv() (Event, error) {
	ev, err := s.Stream.Recv()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.finish(err)
		}
		return ev, err
	}

	if !s.ttft {
		s.ttft = true
		s.span.SetAttributes(attribute.Int64("llm.time_to_first_event_ms", time.Since(s.start).Milliseconds()))
	}
	switch ev.Kind {
	case EventToolCall:
		s.toolCalls++
		s.span.AddEvent("tool_call", trace.WithAttributes(attribute.String("llm.tool", ev.ToolCall.Name)))
	case EventTurnComplete:
		s.span.SetAttributes(
			attribute.Int("llm.usage.prompt_tokens", ev.Usage.PromptTokens),
			attribute.Int("llm.usage.completion_tokens", ev.Usage.CompletionTokens),
			attribute.Int("llm.usage.total_tokens", ev.Usage.TotalTokens),
			attribute.String("llm.finish_reason", ev.FinishReason),
			attribute.Int("llm.tool_calls_count", s.toolCalls),
		)
		if credits, err := s.calculator.Credits(cost.Usage{
			Model:        s.model,
			InputTokens:  ev.Usage.PromptTokens,
			OutputTokens: ev.Usage.CompletionTokens,
		}); err == nil {
			s.span.SetAttributes(attribute.Int64("llm.cost.credits", credits))
		}
		metrics.RecordModelTokens(s.provider, s.model, ev.Usage.PromptTokens, ev.Usage.CompletionTokens)
		s.finish(nil)
	}
	return ev, nil
}

func (s *instrumentedStream) Close() error {
	err := s.Stream.Close()
	s.finish(context.Canceled)
	return err
}

// finish records the turn outcome once. Closing before TurnComplete
// counts as cancelled.
func (s *instrumentedStream) finish(err error) {
	if s.ended {
		return
	}
	s.ended = true
	metrics.RecordModelRequest(s.provider, outcomeOf(err))
	s.span.SetAttributes(
		attribute.Int64("llm.duration_ms", time.Since(s.start).Milliseconds()),
		attribute.Bool("llm.success", err == nil),
	)
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}
