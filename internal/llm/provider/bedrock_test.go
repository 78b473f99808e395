package provider

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBedrockMessages_MergesToolResults(t *testing.T) {
	msgs, system, err := buildBedrockMessages([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "q"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{
			{ID: "c1", Name: "a", Arguments: json.RawMessage(`{}`)},
			{ID: "c2", Name: "b", Arguments: json.RawMessage(`{"x":1}`)},
		}},
		{Role: RoleTool, ToolCallID: "c1", Content: "r1"},
		{Role: RoleTool, ToolCallID: "c2", Content: "r2"},
	})
	require.NoError(t, err)
	require.Len(t, system, 1)

	require.Len(t, msgs, 3)
	assert.Equal(t, types.ConversationRoleUser, msgs[0].Role)
	assert.Equal(t, types.ConversationRoleAssistant, msgs[1].Role)
	assert.Len(t, msgs[1].Content, 2)
	assert.Equal(t, types.ConversationRoleUser, msgs[2].Role)
	require.Len(t, msgs[2].Content, 2)
	res, ok := msgs[2].Content[1].(*types.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, "c2", aws.ToString(res.Value.ToolUseId))
}

func TestBedrockTurn_AssemblesToolUse(t *testing.T) {
	turn := bedrockTurn{blocks: map[int32]*bedrockToolBlock{}}
	feed := func(ev types.ConverseStreamOutput) []Event {
		t.Helper()
		out, err := turn.handle(ev)
		require.NoError(t, err)
		return out
	}

	assert.Equal(t, []Event{TextDelta("hi")}, feed(&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
		ContentBlockIndex: aws.Int32(0),
		Delta:             &types.ContentBlockDeltaMemberText{Value: "hi"},
	}}))
	assert.Empty(t, feed(&types.ConverseStreamOutputMemberContentBlockStart{Value: types.ContentBlockStartEvent{
		ContentBlockIndex: aws.Int32(1),
		Start:             &types.ContentBlockStartMemberToolUse{Value: types.ToolUseBlockStart{ToolUseId: aws.String("tu1"), Name: aws.String("insert_equation")}},
	}}))
	for _, frag := range []string{`{"latex":`, `"x"}`} {
		assert.Empty(t, feed(&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(frag)}},
		}}))
	}
	evs := feed(&types.ConverseStreamOutputMemberContentBlockStop{Value: types.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(1)}})
	require.Len(t, evs, 1)
	assert.Equal(t, "tu1", evs[0].ToolCall.ID)
	assert.JSONEq(t, `{"latex":"x"}`, string(evs[0].ToolCall.Arguments))

	feed(&types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonToolUse}})
	feed(&types.ConverseStreamOutputMemberMetadata{Value: types.ConverseStreamMetadataEvent{
		Usage: &types.TokenUsage{InputTokens: aws.Int32(5), OutputTokens: aws.Int32(6), TotalTokens: aws.Int32(11)},
	}})
	assert.Equal(t, "tool_use", turn.finish)
	assert.Equal(t, 11, turn.usage.TotalTokens)
}

func TestBedrockTurn_InvalidToolInput(t *testing.T) {
	turn := bedrockTurn{blocks: map[int32]*bedrockToolBlock{0: {id: "tu", name: "x"}}}
	turn.blocks[0].input.WriteString(`{"broken"`)
	_, err := turn.handle(&types.ConverseStreamOutputMemberContentBlockStop{Value: types.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(0)}})
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrorCodeMalformed, pe.Code)
}

func TestWrapBedrockError(t *testing.T) {
	tests := []struct {
		code      string
		want      string
		retryable bool
	}{
		{"ThrottlingException", ErrorCodeRateLimit, true},
		{"ServiceUnavailableException", ErrorCodeServerError, true},
		{"ModelTimeoutException", ErrorCodeTimeout, true},
		{"ValidationException", ErrorCodeInvalidRequest, false},
		{"AccessDeniedException", ErrorCodeAuthentication, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := wrapBedrockError(context.Background(), &smithy.GenericAPIError{Code: tt.code, Message: "m"})
			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.want, pe.Code)
			assert.Equal(t, tt.retryable, pe.IsRetryable)
		})
	}
	assert.True(t, IsRetryable(wrapBedrockError(context.Background(), errors.New("dial tcp: refused"))))
}

type fakeModelLister struct {
	out *bedrock.ListFoundationModelsOutput
}

func (f fakeModelLister) ListFoundationModels(_ context.Context, in *bedrock.ListFoundationModelsInput, _ ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error) {
	if in.ByOutputModality != bedrocktypes.ModelModalityText {
		return nil, errors.New("expected text modality filter")
	}
	return f.out, nil
}

func TestListFoundationModels(t *testing.T) {
	models, err := listFoundationModels(context.Background(), fakeModelLister{out: &bedrock.ListFoundationModelsOutput{
		ModelSummaries: []bedrocktypes.FoundationModelSummary{
			{ModelId: aws.String("z.model"), ProviderName: aws.String("Z"), ResponseStreamingSupported: aws.Bool(true)},
			{ModelId: aws.String("a.model"), ProviderName: aws.String("A"), ModelLifecycle: &bedrocktypes.FoundationModelLifecycle{Status: bedrocktypes.FoundationModelLifecycleStatusActive}},
		},
	}})
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "a.model", models[0].ID)
	assert.Equal(t, "ACTIVE", models[0].Lifecycle)
	assert.True(t, models[1].Streaming)
}
