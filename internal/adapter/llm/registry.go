package llm

import (
	"fmt"
	"sort"
	"sync"

	"aiconsole/internal/domain"
)

// ContextSizer is implemented by providers that know their context window.
type ContextSizer interface {
	ContextSize() int
}

// Registry holds named streaming providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]domain.StreamingLLMProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]domain.StreamingLLMProvider)}
}

// Register adds a provider under its name.
func (r *Registry) Register(provider domain.StreamingLLMProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (domain.StreamingLLMProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderNotFound, name)
	}
	return p, nil
}

// List returns the registered provider names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
