// Package registry implements the named target-type table: a
// refcounted map from a target type name (e.g. "linear") to the
// constructor that builds a target instance from table-line arguments.
//
// It mirrors the original driver's dm_target_init/dm_target_destroy
// pairing: a type cannot be unregistered while any table still holds
// an instance built from it.
package registry

import (
	"fmt"
	"sync"
)

// Constructor builds a target instance from the string arguments found
// after the type name on a mapping-table line. The returned value is
// opaque to the registry; callers type-assert it back to their own
// Target interface.
type Constructor func(args []string) (any, error)

type entry struct {
	ctor Constructor
	refs int32
}

// Registry is the process-wide (or per-engine) table of known target
// types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{types: make(map[string]*entry)}
}

// Register adds a named target type. Re-registering an existing name
// is an error, matching the original's refusal to clobber a live type.
func (r *Registry) Register(name string, ctor Constructor) error {
	if name == "" {
		return fmt.Errorf("registry: empty target type name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[name]; exists {
		return fmt.Errorf("registry: target type %q already registered", name)
	}
	r.types[name] = &entry{ctor: ctor}
	return nil
}

// Unregister removes a named target type. It fails while any instance
// built from it is still live (refs > 0).
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.types[name]
	if !ok {
		return fmt.Errorf("registry: unknown target type %q", name)
	}
	if e.refs > 0 {
		return fmt.Errorf("registry: target type %q still in use (refs=%d)", name, e.refs)
	}
	delete(r.types, name)
	return nil
}

// Create builds a new target instance of the named type, incrementing
// its reference count on success. Callers must call Release when the
// instance is destroyed.
func (r *Registry) Create(name string, args []string) (any, error) {
	r.mu.Lock()
	e, ok := r.types[name]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry: unknown target type %q", name)
	}
	e.refs++
	ctor := e.ctor
	r.mu.Unlock()

	target, err := ctor(args)
	if err != nil {
		r.mu.Lock()
		e.refs--
		r.mu.Unlock()
		return nil, err
	}
	return target, nil
}

// Release decrements the reference count for name. It is a no-op if
// the type has since been unregistered.
func (r *Registry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.types[name]; ok && e.refs > 0 {
		e.refs--
	}
}

// RefCount reports the live instance count for a registered type.
func (r *Registry) RefCount(name string) int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.types[name]; ok {
		return e.refs
	}
	return 0
}

// Known reports whether name is currently registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}
