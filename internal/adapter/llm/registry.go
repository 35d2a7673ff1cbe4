package llm

import (
	"fmt"
	"sync"

	"github.com/AssetOverflow/AIPoweredBibleStudy/internal/domain"
)

// Registry holds the breaker-wrapped providers, keyed by provider family
// name. A provider whose credential is absent is simply never registered:
// agents bound to it fail per-call instead of crashing the process.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*BreakerProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*BreakerProvider),
	}
}

// Register adds a provider. Returns an error if the name is already taken.
func (r *Registry) Register(provider *BreakerProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := provider.Name()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = provider
	return nil
}

// Get retrieves a provider by family name.
func (r *Registry) Get(name string) (*BreakerProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrProviderDisabled, name)
	}
	return p, nil
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Snapshots returns the circuit state of every registered provider, for the
// read-only operational surface.
func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Snapshot())
	}
	return out
}
