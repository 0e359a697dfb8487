package brick

import (
	"fmt"
	"sort"
	"sync"

	sdkerrors "github.com/wehubfusion/brickrunner/pkg/errors"
)

// Factory creates a transform from the instance parameters.
type Factory func(params map[string]any) (Transform, error)

// Registry maps brick names to factories. It is safe for concurrent use.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. An existing entry with the same name is replaced.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// New creates the transform registered under name.
func (r *Registry) New(name string, params map[string]any) (Transform, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", sdkerrors.ErrTransformNotFound, name)
	}
	t, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create brick %s: %w", name, err)
	}
	return t, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
