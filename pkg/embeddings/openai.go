package embeddings

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIEmbeddings implements EmbeddingService against any
// OpenAI-compatible /embeddings endpoint.
type OpenAIEmbeddings struct {
	client     *openai.Client
	model      string
	dimensions int
	custom     bool
}

func init() {
	Register("openai", NewOpenAI)
}

// NewOpenAI creates a new OpenAIEmbeddings instance.
func NewOpenAI(config Config) (EmbeddingService, error) {
	if config.OpenAI == nil {
		return nil, fmt.Errorf("openai configuration is required")
	}
	oc := *config.OpenAI
	if err := oc.Validate(); err != nil {
		return nil, err
	}

	cc := openai.DefaultConfig(oc.APIKey)
	if oc.BaseURL != "" {
		cc.BaseURL = oc.BaseURL
	}

	dims := getOpenAIModelDimensions(oc.Model)
	if oc.Dimensions > 0 {
		dims = oc.Dimensions
	}

	return &OpenAIEmbeddings{
		client:     openai.NewClientWithConfig(cc),
		model:      oc.Model,
		dimensions: dims,
		custom:     oc.Dimensions > 0,
	}, nil
}

// Embed generates an embedding for a single text.
func (o *OpenAIEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (o *OpenAIEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.model),
	}
	if o.custom {
		req.Dimensions = o.dimensions
	}

	resp, err := o.client.CreateEmbeddings(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			if rejected(apiErr.HTTPStatusCode) {
				return nil, fmt.Errorf("%w: openai status %d: %s", ErrRejected, apiErr.HTTPStatusCode, apiErr.Message)
			}
			return nil, fmt.Errorf("openai embeddings error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) && rejected(reqErr.HTTPStatusCode) {
			return nil, fmt.Errorf("%w: openai status %d: %v", ErrRejected, reqErr.HTTPStatusCode, reqErr.Err)
		}
		return nil, fmt.Errorf("openai embeddings request failed: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	// The API may return items out of order; place them by index.
	embeddings := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("invalid embedding index: %d", item.Index)
		}
		if embeddings[item.Index] != nil {
			return nil, fmt.Errorf("duplicate embedding index: %d", item.Index)
		}
		embeddings[item.Index] = item.Embedding
	}
	return embeddings, nil
}

// Dimensions returns the embedding dimension size.
func (o *OpenAIEmbeddings) Dimensions() int { return o.dimensions }

// ModelName returns the model name.
func (o *OpenAIEmbeddings) ModelName() string { return o.model }

// Close is a no-op.
func (o *OpenAIEmbeddings) Close() error { return nil }

// getOpenAIModelDimensions returns the default dimensions for OpenAI models.
func getOpenAIModelDimensions(model string) int {
	switch model {
	case "text-embedding-3-large":
		return 3072
	default:
		// ada-002, 3-small and unknown models
		return 1536
	}
}

// isTextEmbedding3Model reports whether the model supports custom dimensions.
func isTextEmbedding3Model(model string) bool {
	return model == "text-embedding-3-small" || model == "text-embedding-3-large"
}
