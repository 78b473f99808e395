package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

const bedrockDefaultModel = "anthropic.claude-3-5-haiku-20241022-v1:0"

func init() {
	RegisterFactory("bedrock", func(ctx context.Context, cfg Config) (Provider, error) {
		region := cfg.Region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewBedrockProvider(ctx, region, cfg.DefaultModel)
	})
}

// converseStreamer is the subset of the Bedrock runtime client in use.
type converseStreamer interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockProvider implements Provider over the Bedrock Converse API.
// Credentials come from the default AWS chain.
type BedrockProvider struct {
	client       converseStreamer
	defaultModel string
}

// NewBedrockProvider loads the default AWS configuration for region.
func NewBedrockProvider(ctx context.Context, region, defaultModel string) (*BedrockProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if defaultModel == "" {
		defaultModel = bedrockDefaultModel
	}
	return &BedrockProvider{client: bedrockruntime.NewFromConfig(cfg), defaultModel: defaultModel}, nil
}

// Name returns the provider name
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// Stream implements Provider.
func (p *BedrockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	msgs, system, err := buildBedrockMessages(req.Messages)
	if err != nil {
		return nil, NewProviderError("bedrock", ErrorCodeInvalidRequest, err.Error(), err)
	}

	in := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(model),
		Messages: msgs,
		System:   system,
	}
	if req.MaxTokens > 0 || req.Temperature != nil {
		in.InferenceConfig = &types.InferenceConfiguration{}
		if req.MaxTokens > 0 {
			in.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
		}
		if req.Temperature != nil {
			in.InferenceConfig.Temperature = aws.Float32(float32(*req.Temperature))
		}
	}
	if len(req.Tools) > 0 {
		in.ToolConfig = &types.ToolConfiguration{Tools: buildBedrockTools(req.Tools)}
	}

	out, err := p.client.ConverseStream(ctx, in)
	if err != nil {
		return nil, wrapBedrockError(ctx, err)
	}
	return &bedrockStream{
		ctx:    ctx,
		stream: out.GetStream(),
		turn:   bedrockTurn{blocks: make(map[int32]*bedrockToolBlock)},
	}, nil
}

// buildBedrockMessages converts messages to Converse format. Consecutive
// tool results are merged into one user message since Converse requires
// alternating roles.
func buildBedrockMessages(messages []Message) ([]types.Message, []types.SystemContentBlock, error) {
	var system []types.SystemContentBlock
	out := make([]types.Message, 0, len(messages))

	appendBlock := func(role types.ConversationRole, block types.ContentBlock) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			return
		}
		out = append(out, types.Message{Role: role, Content: []types.ContentBlock{block}})
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, &types.SystemContentBlockMemberText{Value: m.Content})

		case RoleAssistant:
			if m.Content != "" {
				appendBlock(types.ConversationRoleAssistant, &types.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, nil, fmt.Errorf("tool call %s arguments: %w", tc.ID, err)
					}
				}
				appendBlock(types.ConversationRoleAssistant, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(input),
				}})
			}

		case RoleTool:
			appendBlock(types.ConversationRoleUser, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
			}})

		default:
			appendBlock(types.ConversationRoleUser, &types.ContentBlockMemberText{Value: m.Content})
		}
	}
	return out, system, nil
}

func buildBedrockTools(tools []Tool) []types.Tool {
	out := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object"}
		}
		out = append(out, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(t.Name),
			Description: aws.String(t.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(params)},
		}})
	}
	return out
}

type bedrockToolBlock struct {
	id    string
	name  string
	input strings.Builder
}

// bedrockTurn accumulates content block state across stream events.
type bedrockTurn struct {
	blocks map[int32]*bedrockToolBlock
	usage  Usage
	finish string
}

// handle converts one Converse stream event. It returns the events to
// emit and whether the turn is finished.
func (t *bedrockTurn) handle(ev types.ConverseStreamOutput) ([]Event, error) {
	switch v := ev.(type) {
	case *types.ConverseStreamOutputMemberContentBlockStart:
		if start, ok := v.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
			t.blocks[aws.ToInt32(v.Value.ContentBlockIndex)] = &bedrockToolBlock{
				id:   aws.ToString(start.Value.ToolUseId),
				name: aws.ToString(start.Value.Name),
			}
		}

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		switch d := v.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			if d.Value != "" {
				return []Event{TextDelta(d.Value)}, nil
			}
		case *types.ContentBlockDeltaMemberToolUse:
			b, ok := t.blocks[aws.ToInt32(v.Value.ContentBlockIndex)]
			if !ok {
				return nil, Malformed("bedrock", "tool input delta for unknown block %d", aws.ToInt32(v.Value.ContentBlockIndex))
			}
			b.input.WriteString(aws.ToString(d.Value.Input))
		}

	case *types.ConverseStreamOutputMemberContentBlockStop:
		idx := aws.ToInt32(v.Value.ContentBlockIndex)
		b, ok := t.blocks[idx]
		if !ok {
			return nil, nil
		}
		delete(t.blocks, idx)
		if b.name == "" {
			return nil, Malformed("bedrock", "tool use block %d has no name", idx)
		}
		args := json.RawMessage(b.input.String())
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		if !json.Valid(args) {
			return nil, Malformed("bedrock", "tool use %s has invalid JSON input", b.name)
		}
		return []Event{ToolCallRequested(ToolCall{ID: b.id, Name: b.name, Arguments: args})}, nil

	case *types.ConverseStreamOutputMemberMessageStop:
		t.finish = string(v.Value.StopReason)

	case *types.ConverseStreamOutputMemberMetadata:
		if u := v.Value.Usage; u != nil {
			t.usage = Usage{
				PromptTokens:     int(aws.ToInt32(u.InputTokens)),
				CompletionTokens: int(aws.ToInt32(u.OutputTokens)),
				TotalTokens:      int(aws.ToInt32(u.TotalTokens)),
			}
		}
	}
	return nil, nil
}

type bedrockStream struct {
	ctx     context.Context
	stream  *bedrockruntime.ConverseStreamEventStream
	turn    bedrockTurn
	pending []Event
	done    bool
}

func (s *bedrockStream) Recv() (Event, error) {
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
		case ev, ok := <-s.stream.Events():
			if !ok {
				s.done = true
				if err := s.stream.Err(); err != nil {
					return Event{}, wrapBedrockError(s.ctx, err)
				}
				return TurnComplete(s.turn.usage, s.turn.finish), nil
			}
			evs, err := s.turn.handle(ev)
			if err != nil {
				s.done = true
				return Event{}, err
			}
			s.pending = append(s.pending, evs...)
		}
	}
}

func (s *bedrockStream) Close() error {
	s.done = true
	return s.stream.Close()
}

func wrapBedrockError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return NewProviderError("bedrock", ErrorCodeServerError, err.Error(), err)
	}

	code := ErrorCodeUnknown
	switch apiErr.ErrorCode() {
	case "ThrottlingException":
		code = ErrorCodeRateLimit
	case "ServiceQuotaExceededException":
		code = ErrorCodeQuotaExceeded
	case "ModelTimeoutException":
		code = ErrorCodeTimeout
	case "InternalServerException", "ServiceUnavailableException", "ModelNotReadyException":
		code = ErrorCodeServerError
	case "ValidationException", "ModelErrorException":
		code = ErrorCodeInvalidRequest
	case "AccessDeniedException", "UnrecognizedClientException":
		code = ErrorCodeAuthentication
	case "ResourceNotFoundException":
		code = ErrorCodeModelNotFound
	}
	return NewProviderError("bedrock", code, apiErr.ErrorMessage(), err)
}
