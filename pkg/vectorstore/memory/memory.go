// Package memory provides an in-process retrieval store.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aixgo-dev/genorch/pkg/vectorstore"
)

// Store is an in-memory vectorstore.Store using brute-force cosine search.
// It is meant for development, tests and small design-pattern corpora.
type Store struct {
	mu        sync.RWMutex
	chunks    map[string]vectorstore.Chunk
	dims      int
	maxChunks int
}

func init() {
	vectorstore.Register("memory", func(_ context.Context, cfg vectorstore.Config) (vectorstore.Store, error) {
		maxChunks := 0
		if cfg.Memory != nil {
			maxChunks = cfg.Memory.MaxChunks
		}
		return New(cfg.EmbeddingDimensions, maxChunks), nil
	})
}

// New creates an empty store. dims <= 0 accepts any embedding length;
// maxChunks <= 0 defaults to 10000.
func New(dims, maxChunks int) *Store {
	if maxChunks <= 0 {
		maxChunks = 10000
	}
	return &Store{
		chunks:    make(map[string]vectorstore.Chunk),
		dims:      dims,
		maxChunks: maxChunks,
	}
}

// Upsert implements vectorstore.Store.
func (s *Store) Upsert(ctx context.Context, chunks []vectorstore.Chunk) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if err := vectorstore.ValidateChunks(chunks, s.dims); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]struct{}, len(chunks))
	added := 0
	for _, c := range chunks {
		if _, seen := ids[c.ID]; seen {
			continue
		}
		ids[c.ID] = struct{}{}
		if _, exists := s.chunks[c.ID]; !exists {
			added++
		}
	}
	if len(s.chunks)+added > s.maxChunks {
		return 0, &vectorstore.ValidationError{
			Index:  -1,
			Field:  "batch",
			Reason: fmt.Sprintf("would exceed max chunks %d (current %d, adding %d)", s.maxChunks, len(s.chunks), added),
		}
	}

	for _, c := range chunks {
		s.chunks[c.ID] = vectorstore.CopyChunk(c)
	}
	return len(ids), nil
}

// Search implements vectorstore.Store.
func (s *Store) Search(ctx context.Context, q vectorstore.Query) ([]vectorstore.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := vectorstore.ValidateQuery(q, s.dims); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]vectorstore.Match, 0, min(len(s.chunks), q.TopK))
	for _, c := range s.chunks {
		if !vectorstore.MatchesFilter(c.Metadata, q.Filter) {
			continue
		}
		score := vectorstore.Cosine(q.Embedding, c.Embedding)
		if q.MinScore > 0 && score < q.MinScore {
			continue
		}
		matches = append(matches, vectorstore.Match{Chunk: vectorstore.CopyChunk(c), Score: score})
	}
	return vectorstore.Rank(matches, q.TopK), nil
}

// Delete implements vectorstore.Store.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.chunks, id)
	}
	return nil
}

// Count implements vectorstore.Store.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks), nil
}

// Get returns a copy of a stored chunk.
func (s *Store) Get(id string) (vectorstore.Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[id]
	if !ok {
		return vectorstore.Chunk{}, false
	}
	return vectorstore.CopyChunk(c), true
}

// Close is a no-op.
func (s *Store) Close() error { return nil }
