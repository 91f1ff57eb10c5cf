package llm

import (
	"fmt"

	"aiconsole/internal/domain"
)

// GPTModeRouter maps a gpt mode to a registered provider. It implements
// domain.ModelRouter.
type GPTModeRouter struct {
	mapping  map[domain.GPTMode]string
	registry *Registry
	fallback string
}

var _ domain.ModelRouter = (*GPTModeRouter)(nil)

// NewGPTModeRouter creates a router. Modes missing from mapping, and the
// empty mode, resolve to the fallback provider name.
func NewGPTModeRouter(mapping map[string]string, registry *Registry, fallback string) *GPTModeRouter {
	m := make(map[domain.GPTMode]string, len(mapping))
	for mode, name := range mapping {
		m[domain.GPTMode(mode)] = name
	}
	return &GPTModeRouter{mapping: m, registry: registry, fallback: fallback}
}

// Route resolves mode to a provider.
func (r *GPTModeRouter) Route(mode domain.GPTMode) (domain.StreamingLLMProvider, error) {
	name, ok := r.mapping[mode]
	if !ok || name == "" || name == "default" {
		name = r.fallback
	}
	if name == "" {
		return nil, domain.NewDomainError("GPTModeRouter.Route", domain.ErrProviderNotFound,
			fmt.Sprintf("no provider for gpt mode %q and no default", mode))
	}
	p, err := r.registry.Get(name)
	if err != nil {
		return nil, fmt.Errorf("gpt mode %q: %w", mode, err)
	}
	return p, nil
}
