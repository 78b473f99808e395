package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ProviderFactory creates a Store from a validated Config.
type ProviderFactory func(ctx context.Context, config Config) (Store, error)

// registry holds all registered store providers.
var (
	registry = make(map[string]ProviderFactory)
	mu       sync.RWMutex
)

// Register adds a store provider. Backends call it from init.
func Register(name string, factory ProviderFactory) {
	mu.Lock()
	defer mu.Unlock()

	if factory == nil {
		panic("vectorstore: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("vectorstore: Register called twice for provider " + name)
	}
	registry[name] = factory
}

// New creates the Store named by config.Provider.
//
// Example:
//
//	store, err := vectorstore.New(ctx, vectorstore.Config{
//	    Provider:            "firestore",
//	    EmbeddingDimensions: 768,
//	    Firestore:           &vectorstore.FirestoreConfig{ProjectID: "my-project"},
//	})
func New(ctx context.Context, config Config) (Store, error) {
	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.RLock()
	factory, ok := registry[config.Provider]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown vector store provider: %s (available: %v)", config.Provider, ListProviders())
	}

	return factory(ctx, config)
}

// ListProviders returns the registered provider names, sorted.
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}

// IsRegistered checks if a provider is registered.
func IsRegistered(name string) bool {
	mu.RLock()
	defer mu.RUnlock()

	_, ok := registry[name]
	return ok
}

// Unregister removes a provider from the registry.
// This is primarily useful for testing.
func Unregister(name string) {
	mu.Lock()
	defer mu.Unlock()

	delete(registry, name)
}
