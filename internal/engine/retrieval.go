package engine

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/aixgo-dev/genorch/pkg/embeddings"
	"github.com/aixgo-dev/genorch/pkg/vectorstore"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// contextChunk is a retrieved chunk merged into the prompt.
type contextChunk struct {
	ID    string
	Title string
	Text  string
	Score float32
}

// retrieve embeds the prompt and searches the store. Unavailable stores
// are retried and then skipped; validation errors fail the session.
func (s *session) retrieve() ([]contextChunk, error) {
	store, embedder := s.e.deps.Store, s.e.deps.Embedder
	if s.req.SkipRetrieval || store == nil || embedder == nil {
		return nil, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.e.cfg.RetryWait
	b.MaxInterval = 2 * time.Second

	attempt := 0
	matches, err := backoff.Retry(s.ctx, func() ([]vectorstore.Match, error) {
		attempt++
		emb, err := embedder.Embed(s.ctx, s.req.Prompt)
		switch {
		case err == nil:
		case s.ctx.Err() != nil:
			return nil, backoff.Permanent(s.ctx.Err())
		case errors.Is(err, embeddings.ErrRejected):
			return nil, backoff.Permanent(err)
		default:
			return nil, vectorstore.UnavailableError("embed", err)
		}
		q := vectorstore.Query{
			Embedding: emb,
			TopK:      s.e.cfg.RetrievalTopK,
			MinScore:  s.e.cfg.RetrievalMinScore,
			Filter:    maps.Clone(s.e.cfg.RetrievalFilter),
		}
		m, err := store.Search(s.ctx, q)
		if err != nil && !errors.Is(err, vectorstore.ErrUnavailable) {
			return nil, backoff.Permanent(err)
		}
		return m, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.e.cfg.RetrievalRetries+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.Debug("retrying retrieval", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}),
	)

	switch {
	case err == nil:
	case s.ctx.Err() != nil:
		return nil, s.ctx.Err()
	case errors.Is(err, vectorstore.ErrValidation):
		return nil, fail(KindRetrievalValidation, err, "")
	case errors.Is(err, embeddings.ErrRejected):
		s.logger.Error("embedding provider rejected the request, continuing without context",
			zap.String("kind", string(KindRetrievalUnavailable)),
			zap.Error(err))
		return nil, nil
	default:
		s.logger.Warn("retrieval unavailable, continuing without context",
			zap.String("kind", string(KindRetrievalUnavailable)),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return nil, nil
	}

	out := make([]contextChunk, 0, len(matches))
	for _, m := range matches {
		title := m.Chunk.Metadata["title"]
		if title == "" {
			title = m.Chunk.ID
		}
		out = append(out, contextChunk{ID: m.Chunk.ID, Title: title, Text: m.Chunk.Text, Score: m.Score})
	}
	s.logger.Debug("retrieved context", zap.Int("chunks", len(out)))
	return out, nil
}

func contextPrompt(chunks []contextChunk) string {
	var b strings.Builder
	b.WriteString("Relevant reference material, most relevant first. Cite it only when it applies.\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "\n[%d] %s (score %.2f)\n%s\n", i+1, c.Title, c.Score, c.Text)
	}
	return b.String()
}
