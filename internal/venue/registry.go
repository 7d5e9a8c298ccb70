package venue

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Factory builds a ready adapter for one venue.
type Factory func(settings Settings, log *zap.Logger) (Adapter, error)

// Registry maps venue identifiers to factories. Registration is explicit
// and exhaustive at startup; there is no reflective lookup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("venue registry: name is required")
	}
	if factory == nil {
		return fmt.Errorf("venue registry: factory for %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("venue registry: %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

func (r *Registry) New(name string, settings Settings, log *zap.Logger) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("venue registry: unknown venue %q (registered: %v)", name, r.Names())
	}
	return factory(settings, log)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
