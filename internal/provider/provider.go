// Package provider implements the registry that maps gateway model ids and
// aliases to vendor adapters.
package provider

import (
	"slices"
	"strings"
	"sync"

	gateway "github.com/relaymux/relay/internal"
)

// Registry maps provider names and model ids to gateway.Provider instances.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]gateway.Provider
	models    map[string]gateway.ModelDescriptor // model id -> descriptor
	aliases   map[string]string                  // alias -> model id
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]gateway.Provider),
		models:    make(map[string]gateway.ModelDescriptor),
		aliases:   make(map[string]string),
	}
}

// Register adds a provider and indexes all models it serves.
// It overwrites any previously registered provider with the same name.
func (r *Registry) Register(p gateway.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	for _, m := range p.Models() {
		r.models[m.ID] = m
	}
}

// SetAliases replaces the alias table. Aliases must point at mapped models;
// config validation guarantees that before the registry is built.
func (r *Registry) SetAliases(aliases map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases = make(map[string]string, len(aliases))
	for k, v := range aliases {
		r.aliases[k] = v
	}
}

// Provider returns the adapter registered under name.
func (r *Registry) Provider(name string) (gateway.Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, gateway.Errorf(gateway.ClassProviderUnavailable, "provider %q not registered", name)
	}
	return p, nil
}

// Resolve maps a model id or alias to its descriptor and serving adapter.
func (r *Registry) Resolve(modelOrAlias string) (gateway.ModelDescriptor, gateway.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := modelOrAlias
	if target, ok := r.aliases[id]; ok {
		id = target
	}
	m, ok := r.models[id]
	if !ok {
		return gateway.ModelDescriptor{}, nil, gateway.Errorf(gateway.ClassModelNotFound, "model %q is not mapped", modelOrAlias)
	}
	p, ok := r.providers[m.Provider]
	if !ok {
		return gateway.ModelDescriptor{}, nil, gateway.Errorf(gateway.ClassProviderUnavailable, "provider %q for model %q not registered", m.Provider, id)
	}
	return m, p, nil
}

// Canonical resolves an alias to its model id, returning the input unchanged
// when it is not an alias.
func (r *Registry) Canonical(modelOrAlias string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[modelOrAlias]; ok {
		return target
	}
	return modelOrAlias
}

// Model returns the descriptor for a model id (aliases resolved).
func (r *Registry) Model(modelOrAlias string) (gateway.ModelDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := modelOrAlias
	if target, ok := r.aliases[id]; ok {
		id = target
	}
	m, ok := r.models[id]
	return m, ok
}

// Models returns all model descriptors sorted by id.
func (r *Registry) Models() []gateway.ModelDescriptor {
	r.mu.RLock()
	out := make([]gateway.ModelDescriptor, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b gateway.ModelDescriptor) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// ModelsByProvider returns the descriptors served by one provider, sorted by id.
func (r *Registry) ModelsByProvider(name string) []gateway.ModelDescriptor {
	r.mu.RLock()
	var out []gateway.ModelDescriptor
	for _, m := range r.models {
		if m.Provider == name {
			out = append(out, m)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b gateway.ModelDescriptor) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Providers returns a sorted slice of all registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.providers {
			if !yield(name) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
