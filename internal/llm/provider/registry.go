package provider

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Config is the union of settings the builtin factories read. Empty
// credentials fall back to the provider's usual environment variables.
type Config struct {
	APIKey       string `yaml:"api_key,omitempty" envconfig:"API_KEY"`
	BaseURL      string `yaml:"base_url,omitempty" envconfig:"BASE_URL"`
	Project      string `yaml:"project,omitempty" envconfig:"PROJECT"`
	Location     string `yaml:"location,omitempty" envconfig:"LOCATION"`
	Region       string `yaml:"region,omitempty" envconfig:"REGION"`
	DefaultModel string `yaml:"default_model,omitempty" envconfig:"DEFAULT_MODEL"`
}

// Factory creates a provider.
type Factory func(ctx context.Context, cfg Config) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a provider constructible by name.
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if f == nil {
		panic("provider: RegisterFactory factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("provider: RegisterFactory called twice for " + name)
	}
	factories[name] = f
}

// New constructs the named provider.
func New(ctx context.Context, name string, cfg Config) (Provider, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider '%s' not found (available: %v)", name, Factories())
	}
	return f(ctx, cfg)
}

// Factories returns the registered provider names, sorted.
func Factories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Registry holds constructed providers by name.
type Registry struct {
	providers map[string]Provider
	mu        sync.RWMutex
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register registers a provider
func (r *Registry) Register(name string, provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = provider
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider '%s' not found", name)
	}
	return provider, nil
}

// List returns all registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultModel returns the model a named provider uses when a request
// names none.
func DefaultModel(name string) string {
	switch name {
	case "openai":
		return openaiDefaultModel
	case "gemini", "vertexai":
		return geminiDefaultModel
	case "bedrock":
		return bedrockDefaultModel
	default:
		return name
	}
}
