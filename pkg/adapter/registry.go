package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zen-systems/inferroute/pkg/catalog"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered.
	ErrProviderNotFound = errors.New("provider not found")
	// ErrProviderAlreadyRegistered is returned when registering a duplicate name.
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

// Registry maps provider names to adapters.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// NewCatalogRegistry registers an adapter for every enabled catalogue
// provider, chosen by its wire kind.
func NewCatalogRegistry(cat *catalog.Catalog, opts ...Option) (*Registry, error) {
	r := NewRegistry()
	for _, p := range cat.Providers() {
		if p.Disabled {
			continue
		}
		provOpts := opts
		if p.BaseURL != "" {
			provOpts = append([]Option{WithBaseURL(p.BaseURL)}, opts...)
		}

		var prov Provider
		switch p.Kind {
		case catalog.KindAnthropic:
			prov = NewAnthropicAdapter(provOpts...)
		case catalog.KindGoogle:
			prov = NewGoogleAdapter(provOpts...)
		case catalog.KindCohere:
			prov = NewCohereAdapter(provOpts...)
		case catalog.KindOpenAI:
			if p.Name == "openai" {
				prov = NewOpenAIAdapter(provOpts...)
			} else {
				prov = NewCompatibleAdapter(p.Name, p.BaseURL, opts...)
			}
		default:
			return nil, fmt.Errorf("provider %s: unsupported kind %q", p.Name, p.Kind)
		}
		if err := r.Register(prov); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a provider.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return errors.New("provider cannot be nil")
	}
	name := p.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("%w: %s", ErrProviderAlreadyRegistered, name)
	}
	r.providers[name] = p
	return nil
}

// Replace registers p, overwriting any provider with the same name.
func (r *Registry) Replace(p Provider) {
	r.mu.Lock()
	r.providers[p.Name()] = p
	r.mu.Unlock()
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// Names returns the registered provider names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
