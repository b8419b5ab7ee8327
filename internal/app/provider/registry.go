package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/aisbus/internal/domain/errs"
)

// Factory constructs a provider from its declaration.
type Factory func(spec Spec) (Provider, error)

// Registry maintains provider factories keyed by type tag.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty provider factory registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory for the type tag, replacing any previous one.
func (r *Registry) Register(typ string, factory Factory) {
	if factory == nil {
		panic("provider factory required")
	}
	r.mu.Lock()
	r.factories[normalizeType(typ)] = factory
	r.mu.Unlock()
}

// Has reports whether a factory exists for the tag.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[normalizeType(typ)]
	return ok
}

// Types lists the registered tags in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		out = append(out, typ)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Create builds a provider instance from spec.
func (r *Registry) Create(spec Spec) (Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[normalizeType(spec.Type)]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("provider", errs.CodeNotFound,
			errs.WithMessage("provider type not registered"),
			errs.WithField("type", spec.Type),
			errs.WithField("name", spec.Name))
	}
	instance, err := factory(spec)
	if err != nil {
		return nil, fmt.Errorf("instantiate provider %s(%s): %w", spec.Name, spec.Type, err)
	}
	return instance, nil
}

func normalizeType(typ string) string {
	return strings.ToLower(strings.TrimSpace(typ))
}
