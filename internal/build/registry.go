package build

import (
	"fmt"
	"sort"
)

// Constructor builds one object from its arguments.
type Constructor struct {
	Required []string
	Optional []string
	// Variadic constructors accept keys beyond Required and Optional.
	Variadic bool
	New      func(args *Args) (any, error)
}

// Registry maps dotted target names to constructors. It is filled once at
// startup and read-only afterwards.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a constructor. Registering the same name twice panics.
func (r *Registry) Register(name string, c Constructor) {
	if name == "" {
		panic("build: empty target name")
	}
	if c.New == nil {
		panic(fmt.Sprintf("build: target %s has no constructor", name))
	}
	if _, exists := r.constructors[name]; exists {
		panic(fmt.Sprintf("build: target %s registered twice", name))
	}
	r.constructors[name] = c
}

// Lookup returns the constructor registered under name.
func (r *Registry) Lookup(name string) (Constructor, error) {
	c, ok := r.constructors[name]
	if !ok {
		return Constructor{}, &UnknownTargetError{Target: name}
	}
	return c, nil
}

// Names returns all registered target names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.constructors))
	for n := range r.constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
