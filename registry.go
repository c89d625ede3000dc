// SPDX-License-Identifier: Apache-2.0

package secnego

import "strings"

// Registry maps mechanism names to factories.  It is an explicit,
// passed-in object with its own lifecycle: build one during program
// setup, register the mechanisms the program supports, and hand it (or
// a factory obtained from it) to the session driver.  A Registry is
// read-only after setup and may then be shared across sessions.
type Registry struct {
	factories map[string]MechFactory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]MechFactory),
	}
}

// Register makes a mechanism available under name.  Registering two
// mechanisms with the same name is a programming error.
func (r *Registry) Register(name string, f MechFactory) {
	name = strings.ToLower(name)
	if _, ok := r.factories[name]; ok {
		panic("secnego: cannot have two mechs named " + name)
	}

	r.factories[name] = f
}

// IsRegistered reports whether a named mechanism is registered.
func (r *Registry) IsRegistered(name string) bool {
	_, ok := r.factories[strings.ToLower(name)]
	return ok
}

// Factory returns the factory for a named mechanism, or nil if the
// name is not registered.
func (r *Registry) Factory(name string) MechFactory {
	return r.factories[strings.ToLower(name)]
}

// New returns a fresh context for a named mechanism, or nil if the
// name is not registered.
func (r *Registry) New(name string) Mech {
	if f := r.Factory(name); f != nil {
		return f()
	}

	return nil
}

// Mechs returns the list of registered mechanism names.
func (r *Registry) Mechs() (l []string) {
	l = make([]string, 0, len(r.factories))

	for name := range r.factories {
		l = append(l, name)
	}

	return
}
