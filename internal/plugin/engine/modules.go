package engine

import (
	"fmt"
	"sort"
	"sync"
)

// HostFunc is a host function exposed to guests. Arguments and results use
// plain Go values: nil, bool, int64, float64, string, []any and
// map[string]any. A returned error is raised inside the guest.
type HostFunc func(args []any) (any, error)

// Module is a named bundle of host functions a guest may import.
type Module struct {
	// Name is the import name.
	Name string

	// Funcs are the callable members.
	Funcs map[string]HostFunc

	// Values are constant members.
	Values map[string]any
}

// ModuleFactory builds a module for one plugin.
type ModuleFactory func(spec LoadSpec) Module

// ModuleRegistry holds the host modules engines can hand to guests.
// Importing still requires the name to be on the plugin's allow-list.
type ModuleRegistry struct {
	mu        sync.RWMutex
	factories map[string]ModuleFactory
}

// NewModuleRegistry creates an empty registry.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{
		factories: make(map[string]ModuleFactory),
	}
}

// Register adds a module factory.
func (r *ModuleRegistry) Register(name string, f ModuleFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Open builds the named module for spec.
func (r *ModuleRegistry) Open(name string, spec LoadSpec) (Module, bool) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return Module{}, false
	}
	mod := f(spec)
	mod.Name = name
	return mod, true
}

// Has reports whether name is registered.
func (r *ModuleRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// List returns all registered module names, sorted.
func (r *ModuleRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultModules returns a registry holding the standard host modules:
// base64, json, log, os, re, time, util and uuid.
func DefaultModules() *ModuleRegistry {
	r := NewModuleRegistry()
	standard := map[string]ModuleFactory{
		"base64": base64Module,
		"json":   jsonModule,
		"log":    logModule,
		"os":     osModule,
		"re":     reModule,
		"time":   timeModule,
		"util":   utilModule,
		"uuid":   uuidModule,
	}
	for name, f := range standard {
		_ = r.Register(name, f)
	}
	return r
}

// ArgString returns args[i] as a string.
func ArgString(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("bad argument #%d: string expected, got no value", i+1)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("bad argument #%d: string expected, got %T", i+1, args[i])
	}
	return s, nil
}

// OptString returns args[i] as a string, or def when absent.
func OptString(args []any, i int, def string) (string, error) {
	if i >= len(args) || args[i] == nil {
		return def, nil
	}
	return ArgString(args, i)
}

// ArgNumber returns args[i] as a float64.
func ArgNumber(args []any, i int) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("bad argument #%d: number expected, got no value", i+1)
	}
	switch n := args[i].(type) {
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("bad argument #%d: number expected, got %T", i+1, args[i])
	}
}
