package consumer

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/aisbus/internal/domain/errs"
)

// Factory constructs a consumer from its declaration.
type Factory func(spec Spec) (Consumer, error)

// Registry maps consumer type tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty consumer registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs factory under tag.
func (r *Registry) Register(tag string, factory Factory) {
	if factory == nil {
		panic("consumer factory required")
	}
	key := strings.ToLower(strings.TrimSpace(tag))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[key] = factory
}

// Has reports whether tag is registered.
func (r *Registry) Has(tag string) bool {
	_, ok := r.lookup(tag)
	return ok
}

// Types lists registered tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Create builds a consumer from spec.
func (r *Registry) Create(spec Spec) (Consumer, error) {
	factory, ok := r.lookup(spec.Type)
	if !ok {
		return nil, errs.New("consumer", errs.CodeNotFound,
			errs.WithMessage("consumer type not registered"),
			errs.WithField("type", spec.Type),
			errs.WithField("name", spec.Name))
	}
	c, err := factory(spec)
	if err != nil {
		return nil, fmt.Errorf("instantiate consumer %s(%s): %w", spec.Name, spec.Type, err)
	}
	return c, nil
}

func (r *Registry) lookup(tag string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(tag))]
	return f, ok
}
