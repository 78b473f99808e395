package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aixgo-dev/genorch/pkg/embeddings"
	"github.com/aixgo-dev/genorch/pkg/vectorstore"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML layout of a design pattern corpus.
type seedFile struct {
	Chunks []struct {
		ID       string            `yaml:"id"`
		Text     string            `yaml:"text"`
		Metadata map[string]string `yaml:"metadata"`
	} `yaml:"chunks"`
}

// loadSeed embeds the chunks in path and upserts them into store.
func loadSeed(ctx context.Context, path string, store vectorstore.Store, embedder embeddings.EmbeddingService) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(f.Chunks) == 0 {
		return 0, fmt.Errorf("%s: no chunks", path)
	}

	texts := make([]string, len(f.Chunks))
	for i, ch := range f.Chunks {
		texts[i] = ch.Text
	}
	vecs, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %s: %w", path, err)
	}

	chunks := make([]vectorstore.Chunk, len(f.Chunks))
	for i, ch := range f.Chunks {
		chunks[i] = vectorstore.Chunk{ID: ch.ID, Text: ch.Text, Metadata: ch.Metadata, Embedding: vecs[i]}
	}
	return store.Upsert(ctx, chunks)
}

func newSeedCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "seed FILE",
		Short: "Embed a YAML corpus of design patterns into the retrieval store",
		Long: `seed reads a YAML file of the form

  chunks:
    - id: likert-5
      text: Use a five point Likert scale for satisfaction questions.
      metadata: {title: Likert block, category: scales}

embeds every text and writes the batch. Existing ids are replaced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			embedder, err := embeddings.New(c.cfg.Embeddings)
			if err != nil {
				return err
			}
			defer func() { _ = embedder.Close() }()
			store, err := vectorstore.New(ctx, c.cfg.VectorStore)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			n, err := loadSeed(ctx, args[0], store, embedder)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "upserted %d chunks into %s\n", n, c.cfg.VectorStore.Provider)
			return err
		},
	}
}
