package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

const openaiDefaultModel = "gpt-4o-mini"

func init() {
	RegisterFactory("openai", func(_ context.Context, cfg Config) (Provider, error) {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		p := NewOpenAIProvider(apiKey, cfg.BaseURL)
		if cfg.DefaultModel != "" {
			p.defaultModel = cfg.DefaultModel
		}
		return p, nil
	})
}

// OpenAIProvider implements Provider over the Chat Completions streaming
// API. Any OpenAI-compatible endpoint works through baseURL.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: openaiDefaultModel,
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Stream implements Provider.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	creq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      toOpenAIMessages(req.Messages),
		Tools:         toOpenAITools(req.Tools),
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}

	s, err := p.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, wrapOpenAIError(ctx, err)
	}
	return &openaiStream{ctx: ctx, stream: s, calls: make(map[int]*openaiCallBuilder)}, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if m.Role == RoleTool {
			om.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

type openaiCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// openaiStream converts chunk deltas into events. Tool call fragments
// are keyed by index and emitted once the upstream stream ends.
type openaiStream struct {
	ctx     context.Context
	stream  *openai.ChatCompletionStream
	pending []Event
	calls   map[int]*openaiCallBuilder
	usage   Usage
	finish  string
	done    bool
}

func (s *openaiStream) Recv() (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return Event{}, io.EOF
		}

		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			if err := s.flush(); err != nil {
				return Event{}, err
			}
			continue
		}
		if err != nil {
			return Event{}, wrapOpenAIError(s.ctx, err)
		}

		if resp.Usage != nil {
			s.usage = Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				s.pending = append(s.pending, TextDelta(choice.Delta.Content))
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				b, ok := s.calls[idx]
				if !ok {
					b = &openaiCallBuilder{}
					s.calls[idx] = b
				}
				if tc.ID != "" {
					b.id = tc.ID
				}
				if tc.Function.Name != "" {
					b.name = tc.Function.Name
				}
				b.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				s.finish = string(choice.FinishReason)
			}
		}
	}
}

func (s *openaiStream) flush() error {
	s.done = true
	indexes := make([]int, 0, len(s.calls))
	for idx := range s.calls {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)

	for _, idx := range indexes {
		b := s.calls[idx]
		if b.name == "" {
			return Malformed("openai", "tool call %d has no function name", idx)
		}
		args := json.RawMessage(b.args.String())
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		if !json.Valid(args) {
			return Malformed("openai", "tool call %s has invalid JSON arguments", b.name)
		}
		id := b.id
		if id == "" {
			id = fmt.Sprintf("call_%d", idx)
		}
		s.pending = append(s.pending, ToolCallRequested(ToolCall{ID: id, Name: b.name, Arguments: args}))
	}
	if s.usage.TotalTokens == 0 {
		s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens
	}
	s.pending = append(s.pending, TurnComplete(s.usage, s.finish))
	return nil
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}

func wrapOpenAIError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := NewProviderError("openai", codeForStatus(apiErr.HTTPStatusCode), apiErr.Message, err)
		pe.StatusCode = apiErr.HTTPStatusCode
		if code, ok := apiErr.Code.(string); ok && code == "insufficient_quota" {
			pe.Code = ErrorCodeQuotaExceeded
			pe.IsRetryable = false
		}
		return pe
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		pe := NewProviderError("openai", codeForStatus(reqErr.HTTPStatusCode), reqErr.Error(), err)
		pe.StatusCode = reqErr.HTTPStatusCode
		return pe
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		code := ErrorCodeServerError
		if netErr.Timeout() {
			code = ErrorCodeTimeout
		}
		return NewProviderError("openai", code, err.Error(), err)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return NewProviderError("openai", ErrorCodeMalformed, err.Error(), err)
	}
	return NewProviderError("openai", ErrorCodeUnknown, err.Error(), err)
}
