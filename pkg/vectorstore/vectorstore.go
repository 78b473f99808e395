// Package vectorstore defines the retrieval store used to ground generation:
// chunks of text with embeddings, upserted by id and searched by similarity.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Limits applied by ValidateQuery.
const (
	MaxTopK       = 1000
	MaxDimensions = 4096
)

var (
	// ErrValidation marks invalid input. It is never retried.
	ErrValidation = errors.New("retrieval validation error")
	// ErrUnavailable marks transient store faults. Callers retry with backoff.
	ErrUnavailable = errors.New("retrieval store unavailable")
)

// Chunk is a unit of retrievable text with its embedding.
type Chunk struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Embedding []float32         `json:"embedding"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Query is a similarity search request.
type Query struct {
	Embedding []float32
	TopK      int
	// Filter restricts results to chunks whose metadata has every key/value.
	Filter map[string]string
	// MinScore drops matches scoring below it when positive.
	MinScore float32
}

// Match is a search hit.
type Match struct {
	Chunk Chunk   `json:"chunk"`
	Score float32 `json:"score"`
}

// Store is implemented by every retrieval backend.
type Store interface {
	// Upsert validates the whole batch and then inserts or replaces each
	// chunk by id. It returns the number of distinct ids written.
	Upsert(ctx context.Context, chunks []Chunk) (int, error)
	// Search returns at most TopK matches in descending score order. An
	// empty store yields an empty slice, not an error.
	Search(ctx context.Context, q Query) ([]Match, error)
	Delete(ctx context.Context, ids ...string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// ValidationError describes the first invalid element of a batch or query.
type ValidationError struct {
	Index  int
	ID     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid chunk %d (%q): %s: %s", e.Index, e.ID, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// UnavailableError wraps a backend fault as transient.
func UnavailableError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// ValidateChunks checks a batch. dims <= 0 skips the dimension check.
func ValidateChunks(chunks []Chunk, dims int) error {
	for i := range chunks {
		if err := validateChunk(&chunks[i], dims); err != nil {
			err.Index = i
			return err
		}
	}
	return nil
}

func validateChunk(c *Chunk, dims int) *ValidationError {
	fail := func(field, reason string) *ValidationError {
		return &ValidationError{ID: c.ID, Field: field, Reason: reason}
	}
	switch {
	case strings.TrimSpace(c.ID) == "":
		return fail("id", "required")
	case len(c.ID) > 512:
		return fail("id", "longer than 512 bytes")
	case strings.Contains(c.ID, "/"):
		return fail("id", "must not contain '/'")
	case strings.TrimSpace(c.Text) == "":
		return fail("text", "required")
	case len(c.Embedding) == 0:
		return fail("embedding", "required")
	case dims > 0 && len(c.Embedding) != dims:
		return fail("embedding", fmt.Sprintf("expected %d dimensions, got %d", dims, len(c.Embedding)))
	}
	if !finite(c.Embedding) {
		return fail("embedding", "contains NaN or Inf")
	}
	for k := range c.Metadata {
		if k == "" || strings.ContainsAny(k, ".`") {
			return fail("metadata", fmt.Sprintf("invalid key %q", k))
		}
	}
	return nil
}

// ValidateQuery checks a query. dims <= 0 skips the dimension check.
func ValidateQuery(q Query, dims int) error {
	fail := func(field, reason string) error {
		return &ValidationError{Index: -1, Field: field, Reason: reason}
	}
	switch {
	case len(q.Embedding) == 0:
		return fail("embedding", "required")
	case dims > 0 && len(q.Embedding) != dims:
		return fail("embedding", fmt.Sprintf("expected %d dimensions, got %d", dims, len(q.Embedding)))
	case !finite(q.Embedding):
		return fail("embedding", "contains NaN or Inf")
	case q.TopK < 1 || q.TopK > MaxTopK:
		return fail("top_k", fmt.Sprintf("must be between 1 and %d, got %d", MaxTopK, q.TopK))
	}
	return nil
}

func finite(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Cosine returns the cosine similarity of a and b, or 0 on length mismatch
// or a zero vector.
func Cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// MatchesFilter reports whether metadata contains every filter pair.
func MatchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if got, ok := metadata[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Rank sorts matches by descending score (ties broken by id) and truncates to topK.
func Rank(matches []Match, topK int) []Match {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Chunk.ID < matches[j].Chunk.ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// CopyChunk returns a deep copy so stored chunks are not aliased by callers.
func CopyChunk(c Chunk) Chunk {
	out := Chunk{ID: c.ID, Text: c.Text}
	out.Embedding = make([]float32, len(c.Embedding))
	copy(out.Embedding, c.Embedding)
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
