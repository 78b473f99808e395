package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseServer(t *testing.T, status int, frames ...string) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)

		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprint(w, frames[0])
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &bodies
}

func TestOpenAIStream_TextAndToolCalls(t *testing.T) {
	srv, bodies := sseServer(t, http.StatusOK,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"insert_equation","arguments":"{\"latex\":"}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"execute_code","arguments":"{}"}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"\"x^2\"}"}}]}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`,
	)

	p := NewOpenAIProvider("test-key", srv.URL+"/v1")
	s, err := p.Stream(context.Background(), Request{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Tools:    []Tool{{Name: "insert_equation", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	text, calls, final, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	require.Len(t, calls, 2)
	assert.Equal(t, "call_a", calls[0].ID)
	assert.Equal(t, "execute_code", calls[0].Name)
	assert.Equal(t, "call_b", calls[1].ID)
	assert.JSONEq(t, `{"latex":"x^2"}`, string(calls[1].Arguments))
	assert.Equal(t, EventTurnComplete, final.Kind)
	assert.Equal(t, "tool_calls", final.FinishReason)
	assert.Equal(t, Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19}, final.Usage)

	require.Len(t, *bodies, 1)
	body := (*bodies)[0]
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, map[string]any{"include_usage": true}, body["stream_options"])
	assert.Len(t, body["tools"], 1)
}

func TestOpenAIStream_InvalidToolArguments(t *testing.T) {
	srv, _ := sseServer(t, http.StatusOK,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"execute_code","arguments":"{\"code\":"}}]}}]}`,
	)
	p := NewOpenAIProvider("test-key", srv.URL+"/v1")
	s, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)

	_, _, _, err = Collect(s)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ErrorCodeMalformed, pe.Code)
	assert.False(t, pe.IsRetryable)
}

func TestOpenAIStream_HTTPErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
	}{
		{"rate limit", 429, `{"error":{"message":"slow down","type":"requests"}}`, ErrorCodeRateLimit, true},
		{"server", 503, `{"error":{"message":"overloaded","type":"server_error"}}`, ErrorCodeServerError, true},
		{"auth", 401, `{"error":{"message":"bad key","type":"invalid_request_error"}}`, ErrorCodeAuthentication, false},
		{"quota", 429, `{"error":{"message":"quota","type":"insufficient_quota","code":"insufficient_quota"}}`, ErrorCodeQuotaExceeded, false},
		{"bad request", 400, `{"error":{"message":"bad","type":"invalid_request_error"}}`, ErrorCodeInvalidRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := sseServer(t, tt.status, tt.body)
			p := NewOpenAIProvider("test-key", srv.URL+"/v1")
			_, err := p.Stream(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})

			var pe *ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.retryable, pe.IsRetryable)
			assert.Equal(t, tt.status, pe.StatusCode)
		})
	}
}

func TestOpenAIStream_CancelledContext(t *testing.T) {
	srv, _ := sseServer(t, http.StatusOK)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewOpenAIProvider("k", srv.URL+"/v1").Stream(ctx, Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestToOpenAIMessages(t *testing.T) {
	msgs := toOpenAIMessages([]Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "t", Arguments: json.RawMessage(`{"a":1}`)}}},
		{Role: RoleTool, ToolCallID: "c1", Name: "t", Content: `{"ok":true}`},
	})
	require.Len(t, msgs, 3)
	assert.Equal(t, "system", msgs[0].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, `{"a":1}`, msgs[1].ToolCalls[0].Function.Arguments)
	assert.Equal(t, "c1", msgs[2].ToolCallID)
	assert.Equal(t, "t", msgs[2].Name)
}

func TestRegistryFactories(t *testing.T) {
	names := Factories()
	for _, want := range []string{"bedrock", "gemini", "mock", "openai", "vertexai"} {
		assert.Contains(t, names, want)
	}

	p, err := New(context.Background(), "mock", Config{})
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())

	_, err = New(context.Background(), "nope", Config{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"))
}

func TestCollect_PropagatesError(t *testing.T) {
	p := NewMockProvider("mock", Turn{Text: []string{"a"}, RecvErr: io.ErrUnexpectedEOF})
	s, err := p.Stream(context.Background(), Request{})
	require.NoError(t, err)
	text, _, _, err := Collect(s)
	assert.Equal(t, "a", text)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
