package nodes

import (
	"slices"
	"sync"
)

// Registry maps node type tags to factories. Types without an entry are
// rendered by the fixed-dispatch fallback renderer.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

func (r *Registry) Lookup(typ string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typ]
	return f, ok
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

// DefaultRegistry registers every built-in node type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("glsl", NewGlslNode)
	r.Register("hydra", NewHydraNode)
	r.Register("three", NewThreeNode)
	r.Register("canvas", NewCanvasNode)
	r.Register("img", NewImgNode)
	return r
}
