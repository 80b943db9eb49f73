package provider

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Registry maps provider ids to adapters. Reads are lock-free against a
// published immutable map; registration copies the map and swaps the pointer,
// so in-flight routes never observe a partial update.
type Registry struct {
	mu sync.Mutex // serializes writers
	m  atomic.Pointer[map[string]Adapter]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]Adapter{}
	r.m.Store(&empty)
	return r
}

// Register binds an adapter to a provider id, replacing any previous binding.
func (r *Registry) Register(id string, a Adapter) error {
	if id == "" {
		return fmt.Errorf("provider: empty provider id")
	}
	if a == nil {
		return fmt.Errorf("provider: nil adapter for %q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.m.Load()
	next := make(map[string]Adapter, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[id] = a
	r.m.Store(&next)
	return nil
}

// Get returns the adapter for a provider id.
func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := (*r.m.Load())[id]
	return a, ok
}

// Known reports whether a provider id is registered.
func (r *Registry) Known(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Names returns the registered provider ids, sorted.
func (r *Registry) Names() []string {
	m := *r.m.Load()
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
