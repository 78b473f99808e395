package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"google.golang.org/genai"
)

const geminiDefaultModel = "gemini-2.5-flash"

func init() {
	RegisterFactory("gemini", func(ctx context.Context, cfg Config) (Provider, error) {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not set")
		}
		return NewGeminiProvider(ctx, &genai.ClientConfig{
			APIKey:      apiKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
		}, cfg.DefaultModel)
	})

	RegisterFactory("vertexai", func(ctx context.Context, cfg Config) (Provider, error) {
		projectID := cfg.Project
		if projectID == "" {
			projectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
		}
		if projectID == "" {
			return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT not set")
		}
		location := cfg.Location
		if location == "" {
			location = os.Getenv("VERTEX_AI_LOCATION")
		}
		if location == "" {
			location = "us-central1"
		}
		return NewGeminiProvider(ctx, &genai.ClientConfig{
			Project:  projectID,
			Location: location,
			Backend:  genai.BackendVertexAI,
		}, cfg.DefaultModel)
	})
}

// GeminiProvider implements Provider with the Google Gen AI SDK, against
// either the Gemini API or Vertex AI. Vertex uses Application Default
// Credentials.
type GeminiProvider struct {
	name         string
	client       *genai.Client
	defaultModel string
}

// NewGeminiProvider creates a provider from a genai client configuration.
func NewGeminiProvider(ctx context.Context, cc *genai.ClientConfig, defaultModel string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	name := "gemini"
	if cc.Backend == genai.BackendVertexAI {
		name = "vertexai"
	}
	if defaultModel == "" {
		defaultModel = geminiDefaultModel
	}
	return &GeminiProvider{name: name, client: client, defaultModel: defaultModel}, nil
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return p.name
}

// Stream implements Provider. The SDK's iterator is drained on a goroutine
// so that Recv can observe context cancellation.
func (p *GeminiProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents, system, err := buildGeminiContents(req.Messages)
	if err != nil {
		return nil, NewProviderError(p.name, ErrorCodeInvalidRequest, err.Error(), err)
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Tools:             buildGeminiTools(req.Tools),
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}

	streamCtx, cancel := context.WithCancel(ctx)
	respChan := make(chan *genai.GenerateContentResponse)
	errChan := make(chan error, 1)

	go func() {
		defer close(respChan)
		for resp, err := range p.client.Models.GenerateContentStream(streamCtx, model, contents, config) {
			if err != nil {
				errChan <- err
				return
			}
			select {
			case respChan <- resp:
			case <-streamCtx.Done():
				return
			}
		}
	}()

	return &geminiStream{
		provider: p.name,
		ctx:      streamCtx,
		cancel:   cancel,
		respChan: respChan,
		errChan:  errChan,
	}, nil
}

// buildGeminiContents converts messages to Gen AI content. Tool results
// are sent as function responses in a user turn.
func buildGeminiContents(messages []Message) ([]*genai.Content, *genai.Content, error) {
	var system *genai.Content
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: m.Content})

		case RoleAssistant:
			c := &genai.Content{Role: genai.RoleModel}
			if m.Content != "" {
				c.Parts = append(c.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &args); err != nil {
						return nil, nil, fmt.Errorf("tool call %s arguments: %w", tc.ID, err)
					}
				}
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			contents = append(contents, c)

		case RoleTool:
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.Name,
				Response: functionResponse(m.Content),
			}}
			// Adjacent tool results share one turn.
			if n := len(contents); n > 0 && contents[n-1].Role == genai.RoleUser && isFunctionResponse(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})

		default:
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	return contents, system, nil
}

func isFunctionResponse(c *genai.Content) bool {
	return len(c.Parts) > 0 && c.Parts[0].FunctionResponse != nil
}

func functionResponse(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"output": content}
}

func buildGeminiTools(tools []Tool) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		decls[i] = &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.Parameters,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

type geminiStream struct {
	provider string
	ctx      context.Context
	cancel   context.CancelFunc
	respChan <-chan *genai.GenerateContentResponse
	errChan  <-chan error
	turn     geminiTurn
	pending  []Event
	done     bool
}

// geminiTurn accumulates state across streamed responses.
type geminiTurn struct {
	calls  int
	usage  Usage
	finish string
}

// events converts one streamed response into stream events.
func (t *geminiTurn) events(resp *genai.GenerateContentResponse) ([]Event, error) {
	if resp.UsageMetadata != nil {
		t.usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return nil, nil
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		t.finish = strings.ToLower(string(cand.FinishReason))
	}
	if cand.Content == nil {
		return nil, nil
	}

	var out []Event
	for _, part := range cand.Content.Parts {
		if part.Text != "" && !part.Thought {
			out = append(out, TextDelta(part.Text))
		}
		if fc := part.FunctionCall; fc != nil {
			if fc.Name == "" {
				return nil, Malformed("gemini", "function call without a name")
			}
			args, err := json.Marshal(fc.Args)
			if err != nil {
				return nil, Malformed("gemini", "function call %s arguments: %v", fc.Name, err)
			}
			if fc.Args == nil {
				args = json.RawMessage("{}")
			}
			id := fc.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", t.calls)
			}
			t.calls++
			out = append(out, ToolCallRequested(ToolCall{ID: id, Name: fc.Name, Arguments: args}))
		}
	}
	return out, nil
}

func (s *geminiStream) Recv() (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return Event{}, io.EOF
		}

		select {
		case <-s.ctx.Done():
			s.done = true
			return Event{}, s.ctx.Err()
		case resp, ok := <-s.respChan:
			if !ok {
				select {
				case err := <-s.errChan:
					s.done = true
					return Event{}, wrapGenAIError(s.ctx, s.provider, err)
				default:
				}
				s.done = true
				return TurnComplete(s.turn.usage, s.turn.finish), nil
			}
			evs, err := s.turn.events(resp)
			if err != nil {
				s.done = true
				return Event{}, err
			}
			s.pending = append(s.pending, evs...)
		}
	}
}

func (s *geminiStream) Close() error {
	s.done = true
	s.cancel()
	// Let the producer goroutine observe cancellation and exit.
	go func() {
		for range s.respChan {
		}
	}()
	return nil
}

// wrapGenAIError converts Gen AI errors to ProviderError
func wrapGenAIError(ctx context.Context, provider string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	status := 0
	msg := err.Error()
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		status, msg = apiErr.Code, apiErr.Message
	case errors.As(err, &apiErrPtr):
		status, msg = apiErrPtr.Code, apiErrPtr.Message
	}

	code := codeForStatus(status)
	if status == 0 {
		code = ErrorCodeServerError
	}
	pe := NewProviderError(provider, code, msg, err)
	pe.StatusCode = status
	return pe
}
