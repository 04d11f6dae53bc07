package definition

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Registry holds the loaded definitions by id.
// Replacing a definition drops its candidate sets and compiled predicates with it.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry returns a registry pre-populated with defs.
func NewRegistry(defs ...*Definition) *Registry {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		r.defs[d.ID()] = d
	}
	return r
}

// Put registers or replaces d.
func (r *Registry) Put(d *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.ID()] = d
}

// Get returns the definition registered under id.
func (r *Registry) Get(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	if !ok {
		return nil, errors.Wrapf(ErrDefinitionNotFound, "id %s", id)
	}
	return d, nil
}

// IDs returns the registered ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadDir loads every definition of dir into the registry.
func (r *Registry) LoadDir(dir string) error {
	defs, err := LoadDir(dir)
	if err != nil {
		return err
	}
	for _, d := range defs {
		r.Put(d)
	}
	return nil
}
