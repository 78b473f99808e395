package vectorstore

import "fmt"

// Config holds configuration for retrieval store providers.
type Config struct {
	// Provider selects the backend: "memory" or "firestore".
	Provider string `yaml:"provider" json:"provider"`

	// EmbeddingDimensions is the size of the embedding vectors.
	EmbeddingDimensions int `yaml:"embedding_dimensions" json:"embedding_dimensions"`

	// DefaultTopK is used by callers that do not set one.
	DefaultTopK int `yaml:"default_top_k" json:"default_top_k"`

	Firestore *FirestoreConfig `yaml:"firestore,omitempty" json:"firestore,omitempty"`
	Memory    *MemoryConfig    `yaml:"memory,omitempty" json:"memory,omitempty"`
}

// FirestoreConfig contains Firestore-specific settings.
type FirestoreConfig struct {
	// ProjectID is the Google Cloud project ID
	ProjectID string `yaml:"project_id" json:"project_id"`

	// Collection holds one document per chunk (default: "chunks").
	Collection string `yaml:"collection" json:"collection"`

	// CredentialsFile is the path to the service account key JSON file.
	// Optional: uses Application Default Credentials if not specified.
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`

	// DatabaseID is the Firestore database ID (default: "(default)")
	DatabaseID string `yaml:"database_id,omitempty" json:"database_id,omitempty"`
}

// MemoryConfig contains in-memory store settings.
type MemoryConfig struct {
	// MaxChunks bounds the store size (default: 10000).
	MaxChunks int `yaml:"max_chunks" json:"max_chunks"`
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider must be specified")
	}
	if c.EmbeddingDimensions < 1 || c.EmbeddingDimensions > MaxDimensions {
		return fmt.Errorf("embedding_dimensions must be between 1 and %d, got %d", MaxDimensions, c.EmbeddingDimensions)
	}
	if c.DefaultTopK == 0 {
		c.DefaultTopK = 5
	}
	if c.DefaultTopK < 1 || c.DefaultTopK > MaxTopK {
		return fmt.Errorf("default_top_k must be between 1 and %d, got %d", MaxTopK, c.DefaultTopK)
	}

	switch c.Provider {
	case "firestore":
		if c.Firestore == nil {
			return fmt.Errorf("firestore configuration is required when provider is 'firestore'")
		}
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("firestore.project_id is required")
		}
		if c.Firestore.Collection == "" {
			c.Firestore.Collection = "chunks"
		}
	case "memory":
		if c.Memory == nil {
			c.Memory = &MemoryConfig{}
		}
		if c.Memory.MaxChunks <= 0 {
			c.Memory.MaxChunks = 10000
		}
	}
	return nil
}
