package toolset

import (
	"context"

	"github.com/aixgo-dev/genorch/pkg/embeddings"
	"github.com/aixgo-dev/genorch/pkg/tools"
	"github.com/aixgo-dev/genorch/pkg/vectorstore"
)

// PatternKind is the metadata kind of design-pattern chunks.
const PatternKind = "design_pattern"

// SearchDesignPatternsInput is the argument of search_design_patterns.
type SearchDesignPatternsInput struct {
	Query    string `json:"query" jsonschema:"required,maxLength=2000" description:"What the survey section needs"`
	TopK     int    `json:"top_k,omitempty" jsonschema:"minimum=1,maximum=20" description:"Number of patterns, default 5"`
	Category string `json:"category,omitempty" description:"Optional category filter, e.g. rating or demographics"`
}

// Pattern is one matched design pattern.
type Pattern struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Text  string  `json:"text"`
	Score float32 `json:"score"`
}

// SearchDesignPatternsOutput lists matches, best first.
type SearchDesignPatternsOutput struct {
	Patterns []Pattern `json:"patterns"`
}

// SearchDesignPatterns looks up survey design patterns in the retrieval
// store.
func SearchDesignPatterns(store vectorstore.Store, embedder embeddings.EmbeddingService) tools.Tool {
	return tools.NewTyped("search_design_patterns",
		"Search the library of proven survey design patterns (question layouts, scales, flows) relevant to a query.",
		func(ctx context.Context, in SearchDesignPatternsInput) (SearchDesignPatternsOutput, error) {
			topK := in.TopK
			if topK <= 0 {
				topK = 5
			}
			vec, err := embedder.Embed(ctx, in.Query)
			if err != nil {
				return SearchDesignPatternsOutput{}, err
			}
			filter := map[string]string{"kind": PatternKind}
			if in.Category != "" {
				filter["category"] = in.Category
			}
			matches, err := store.Search(ctx, vectorstore.Query{Embedding: vec, TopK: topK, Filter: filter})
			if err != nil {
				return SearchDesignPatternsOutput{}, err
			}

			out := SearchDesignPatternsOutput{Patterns: make([]Pattern, 0, len(matches))}
			for _, m := range matches {
				title := m.Chunk.Metadata["title"]
				if title == "" {
					title = m.Chunk.ID
				}
				out.Patterns = append(out.Patterns, Pattern{
					ID:    m.Chunk.ID,
					Title: title,
					Text:  m.Chunk.Text,
					Score: m.Score,
				})
			}
			return out, nil
		})
}
