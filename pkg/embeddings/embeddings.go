// Package embeddings turns text into vectors for the retrieval store.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
)

// ErrRejected marks a request the provider refused as invalid, e.g. a bad
// key or an oversized input. Repeating it gives the same answer.
var ErrRejected = errors.New("embedding request rejected")

// rejected reports whether an HTTP status is a client error that a retry
// cannot fix. Timeouts and throttling are excluded.
func rejected(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}

// EmbeddingService is the main interface for generating text embeddings.
type EmbeddingService interface {
	// Embed generates embeddings for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in input order
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimension size of the embeddings
	Dimensions() int

	// ModelName returns the name of the embedding model
	ModelName() string

	// Close closes any resources held by the service
	Close() error
}

// Config holds configuration for embedding providers.
type Config struct {
	// Provider specifies which embedding service to use.
	// Supported values: "openai", "hash"
	Provider string `yaml:"provider" json:"provider"`

	OpenAI *OpenAIConfig `yaml:"openai,omitempty" json:"openai,omitempty"`
	Hash   *HashConfig   `yaml:"hash,omitempty" json:"hash,omitempty"`
}

// OpenAIConfig contains OpenAI-compatible embedding settings.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key" json:"api_key"`

	// Model specifies which embedding model to use.
	// Options: "text-embedding-3-small" (1536 dims), "text-embedding-3-large" (3072 dims)
	Model string `yaml:"model" json:"model"`

	// BaseURL is the API endpoint (default: https://api.openai.com/v1)
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// Dimensions reduces embedding size (text-embedding-3 models only)
	Dimensions int `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
}

// HashConfig configures the offline feature-hashing embedder.
type HashConfig struct {
	Dimensions int `yaml:"dimensions" json:"dimensions"`
}

// Validate checks if the configuration is valid and fills defaults.
func (c *Config) Validate() error {
	switch c.Provider {
	case "":
		return fmt.Errorf("provider must be specified")
	case "openai":
		if c.OpenAI == nil {
			return fmt.Errorf("openai configuration is required when provider is 'openai'")
		}
		return c.OpenAI.Validate()
	case "hash":
		if c.Hash == nil {
			c.Hash = &HashConfig{}
		}
		if c.Hash.Dimensions <= 0 {
			c.Hash.Dimensions = DefaultHashDimensions
		}
		return nil
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider)
	}
}

// Validate checks if OpenAI configuration is valid.
func (oc *OpenAIConfig) Validate() error {
	if oc.APIKey == "" {
		return fmt.Errorf("openai api_key is required")
	}
	if oc.Model == "" {
		oc.Model = "text-embedding-3-small"
	}
	if oc.Dimensions > 0 && !isTextEmbedding3Model(oc.Model) {
		return fmt.Errorf("custom dimensions only supported for text-embedding-3 models, got model: %s", oc.Model)
	}
	return nil
}

// ProviderFactory creates an EmbeddingService from a Config.
type ProviderFactory func(config Config) (EmbeddingService, error)

var (
	registry = make(map[string]ProviderFactory)
	mu       sync.RWMutex
)

// Register adds a new embedding provider to the registry.
func Register(name string, factory ProviderFactory) {
	mu.Lock()
	defer mu.Unlock()

	if factory == nil {
		panic("embeddings: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("embeddings: Register called twice for provider " + name)
	}
	registry[name] = factory
}

// New creates a new EmbeddingService based on the provider specified in the config.
func New(config Config) (EmbeddingService, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.RLock()
	factory, ok := registry[config.Provider]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown embedding provider: %s (available: %v)", config.Provider, ListProviders())
	}
	return factory(config)
}

// ListProviders returns the registered provider names, sorted.
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	slices.Sort(providers)
	return providers
}

// IsRegistered checks if a provider is registered.
func IsRegistered(name string) bool {
	mu.RLock()
	defer mu.RUnlock()

	_, ok := registry[name]
	return ok
}
