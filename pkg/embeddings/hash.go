package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimensions is the vector size of the hash embedder.
const DefaultHashDimensions = 256

// HashEmbeddings is a deterministic, offline embedder based on signed
// feature hashing of lowercase word tokens. Vectors are L2-normalized.
// Texts sharing vocabulary score higher under cosine similarity, which is
// enough for local development and tests.
type HashEmbeddings struct {
	dims int
}

func init() {
	Register("hash", func(config Config) (EmbeddingService, error) {
		dims := DefaultHashDimensions
		if config.Hash != nil && config.Hash.Dimensions > 0 {
			dims = config.Hash.Dimensions
		}
		return NewHash(dims), nil
	})
}

// NewHash returns a hash embedder of the given size.
func NewHash(dims int) *HashEmbeddings {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbeddings{dims: dims}
}

// Embed implements EmbeddingService.
func (h *HashEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	return h.vector(text), nil
}

// EmbedBatch implements EmbeddingService.
func (h *HashEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (h *HashEmbeddings) vector(text string) []float32 {
	v := make([]float32, h.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dims))
		if sum>>63 == 1 {
			v[idx]--
		} else {
			v[idx]++
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// Only punctuation; fall back to a fixed unit vector.
		v[0] = 1
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}

// Dimensions implements EmbeddingService.
func (h *HashEmbeddings) Dimensions() int { return h.dims }

// ModelName implements EmbeddingService.
func (h *HashEmbeddings) ModelName() string { return fmt.Sprintf("fnv-hash-%d", h.dims) }

// Close is a no-op.
func (h *HashEmbeddings) Close() error { return nil }
