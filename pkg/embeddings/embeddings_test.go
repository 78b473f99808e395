package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aixgo-dev/genorch/pkg/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"empty provider", Config{}, true},
		{"unsupported", Config{Provider: "cohere"}, true},
		{"openai missing block", Config{Provider: "openai"}, true},
		{"openai missing key", Config{Provider: "openai", OpenAI: &OpenAIConfig{}}, true},
		{"openai ok", Config{Provider: "openai", OpenAI: &OpenAIConfig{APIKey: "k"}}, false},
		{"openai custom dims on ada", Config{Provider: "openai", OpenAI: &OpenAIConfig{APIKey: "k", Model: "text-embedding-ada-002", Dimensions: 256}}, true},
		{"hash defaults", Config{Provider: "hash"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestListProviders(t *testing.T) {
	assert.Equal(t, []string{"hash", "openai"}, ListProviders())
	assert.True(t, IsRegistered("hash"))
	assert.False(t, IsRegistered("huggingface"))
}

func TestHash_Deterministic(t *testing.T) {
	svc, err := New(Config{Provider: "hash", Hash: &HashConfig{Dimensions: 64}})
	require.NoError(t, err)
	assert.Equal(t, 64, svc.Dimensions())

	ctx := context.Background()
	a, err := svc.Embed(ctx, "Likert scale matrix question")
	require.NoError(t, err)
	b, err := svc.Embed(ctx, "likert SCALE matrix question!")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, vectorstore.Cosine(a, a), 0.0001)
}

func TestHash_SharedVocabularyScoresHigher(t *testing.T) {
	h := NewHash(128)
	ctx := context.Background()
	q, _ := h.Embed(ctx, "net promoter score question")
	near, _ := h.Embed(ctx, "net promoter score block with follow up question")
	far, _ := h.Embed(ctx, "upload a profile photo")
	assert.Greater(t, vectorstore.Cosine(q, near), vectorstore.Cosine(q, far))
}

func TestHash_EmptyText(t *testing.T) {
	h := NewHash(8)
	_, err := h.Embed(context.Background(), "  ")
	assert.Error(t, err)

	_, err = h.EmbedBatch(context.Background(), nil)
	assert.Error(t, err)
}

func TestOpenAI_EmbedBatchOrdersByIndex(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}
		],"usage":{"prompt_tokens":4,"total_tokens":4}}`))
	}))
	defer srv.Close()

	svc, err := New(Config{Provider: "openai", OpenAI: &OpenAIConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL + "/v1",
		Dimensions: 2,
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, svc.Dimensions())
	assert.Equal(t, "text-embedding-3-small", svc.ModelName())

	out, err := svc.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []float32{1, 0}, out[0])
	assert.Equal(t, []float32{0, 1}, out[1])
	assert.EqualValues(t, 2, got["dimensions"])
}

func TestOpenAI_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	svc, err := NewOpenAI(Config{OpenAI: &OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"}})
	require.NoError(t, err)

	_, err = svc.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestOpenAI_RejectedStatuses(t *testing.T) {
	tests := []struct {
		status   int
		body     string
		rejected bool
	}{
		{http.StatusBadRequest, `{"error":{"message":"input too long","type":"invalid_request_error"}}`, true},
		{http.StatusNotFound, `not found`, true},
		{http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"rate_limit"}}`, false},
		{http.StatusRequestTimeout, `timeout`, false},
		{http.StatusBadGateway, `{"error":{"message":"upstream","type":"server_error"}}`, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			svc, err := NewOpenAI(Config{OpenAI: &OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"}})
			require.NoError(t, err)

			_, err = svc.Embed(context.Background(), "hello")
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, ErrRejected), err.Error())
		})
	}
}

func TestOpenAI_ModelDimensions(t *testing.T) {
	assert.Equal(t, 3072, getOpenAIModelDimensions("text-embedding-3-large"))
	assert.Equal(t, 1536, getOpenAIModelDimensions("text-embedding-ada-002"))
	assert.True(t, isTextEmbedding3Model("text-embedding-3-small"))
	assert.False(t, isTextEmbedding3Model("text-embedding-ada-002"))
}
