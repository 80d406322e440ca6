package source

import (
	"fmt"
	"sort"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

// Registry tracks the adapter for each source.
type Registry struct {
	adapters map[addon.Source]Adapter
}

// NewRegistry builds a registry from adapters. Registering two adapters for
// the same source is an error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[addon.Source]Adapter, len(adapters))}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter.
// Note: this is NOT thread safe, and should only be called during setup.
func (r *Registry) Register(a Adapter) error {
	src := a.Source()
	if src == addon.SourceAny || src == "" {
		return fmt.Errorf("failed to register adapter: %q is not a concrete source", src)
	}
	if _, ok := r.adapters[src]; ok {
		return fmt.Errorf("failed to register adapter for source %q: other adapter already registered", src)
	}
	r.adapters[src] = a
	return nil
}

func (r *Registry) Get(src addon.Source) (Adapter, bool) {
	a, ok := r.adapters[src]
	return a, ok
}

// Sources returns a sorted list of all registered sources.
func (r *Registry) Sources() []addon.Source {
	out := make([]addon.Source, 0, len(r.adapters))
	for src := range r.adapters {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Listers returns the registered adapters that support bulk listing, keyed
// by source.
func (r *Registry) Listers() map[addon.Source]Lister {
	out := make(map[addon.Source]Lister)
	for src, a := range r.adapters {
		if l, ok := a.(Lister); ok {
			out[src] = l
		}
	}
	return out
}
