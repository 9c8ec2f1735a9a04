// Package modules implements the builtin module registry and the module
// loader that normalizes and resolves both builtin ("sage:...") and
// relative plugin-root-confined specifiers (spec §2.6, §4.4).
package modules

import (
	"fmt"
	"strings"
	"sync"
)

// Scheme is the reserved prefix every builtin module name must begin with.
const Scheme = "sage:"

// Builtin is one registered builtin module: a reserved name and its source
// text.
type Builtin struct {
	Name   string
	Source []byte
}

// Registry is the host-owned mapping from reserved module name to source
// text (spec §3 "Builtin module").
type Registry struct {
	mu   sync.RWMutex
	mods map[string][]byte
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{mods: make(map[string][]byte)}
}

// Add registers a builtin module. name must begin with Scheme.
func (r *Registry) Add(name string, src []byte) error {
	if !strings.HasPrefix(name, Scheme) {
		return fmt.Errorf("modules: builtin name %q must begin with %q", name, Scheme)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mods[name] = src
	return nil
}

// Lookup returns the source for a registered builtin, or (nil, false).
func (r *Registry) Lookup(name string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.mods[name]
	return src, ok
}

// IsBuiltinSpecifier reports whether specifier uses the reserved scheme.
func IsBuiltinSpecifier(specifier string) bool {
	return strings.HasPrefix(specifier, Scheme)
}
