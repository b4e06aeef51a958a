package nseries

import (
	"fmt"
	"strings"
)

// systemPrefix marks controller-internal variables in the tag name server.
const systemPrefix = "_"

// Registry is an immutable snapshot of the controller's variable table,
// produced by one full discovery pass.  Callers wanting fresh state run
// Discover again rather than mutating a registry in place.
type Registry struct {
	byName map[string]*DataType
	names  []string // enumeration order
}

func newRegistry() *Registry {
	return &Registry{byName: make(map[string]*DataType)}
}

func (r *Registry) add(name string, dt *DataType) {
	if _, ok := r.byName[name]; !ok {
		r.names = append(r.names, name)
	}
	r.byName[name] = dt
}

// Lookup returns the resolved descriptor for a variable name.
func (r *Registry) Lookup(name string) (*DataType, error) {
	if r == nil {
		return nil, fmt.Errorf("Lookup %q: %w", name, ErrNameNotFound)
	}
	dt, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("Lookup %q: %w", name, ErrNameNotFound)
	}
	return dt, nil
}

// Len returns the number of registered variables.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.names)
}

// Names returns all variable names in enumeration order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// UserNames returns the names without the system prefix.
func (r *Registry) UserNames() []string {
	return r.partition(false)
}

// SystemNames returns the controller-internal names.
func (r *Registry) SystemNames() []string {
	return r.partition(true)
}

func (r *Registry) partition(system bool) []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, name := range r.names {
		if strings.HasPrefix(name, systemPrefix) == system {
			out = append(out, name)
		}
	}
	return out
}
