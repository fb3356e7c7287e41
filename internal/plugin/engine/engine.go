// Package engine defines the isolation boundary a plugin runs behind.
//
// An Engine turns an entry-point file into an Instance: a private runtime
// holding the object the plugin registered. Every engine exposes only gated
// host functions to its guest, routes restricted imports and file opens
// through the plugin's security.Guard, and honors context cancellation by
// preempting guest code.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dshills/plughost/internal/logging"
	"github.com/dshills/plughost/internal/plugin/security"
)

// LoadSpec describes one plugin entry point to execute.
type LoadSpec struct {
	// PluginID is the plugin's identifier.
	PluginID string

	// Path is the entry-point file.
	Path string

	// Guard enforces permissions, the module allow-list and the budget.
	Guard *security.Guard

	// Logger receives guest log output.
	Logger *logging.Logger
}

// Namespace returns the module name the plugin is known by.
func (s LoadSpec) Namespace() string {
	return security.Namespace(s.PluginID)
}

// Engine executes entry points of one runtime family.
type Engine interface {
	// Name identifies the engine (e.g. "lua").
	Name() string

	// Extensions lists the entry-point extensions handled, with leading dot.
	Extensions() []string

	// Load executes the entry point's top-level code and returns the
	// registered plugin object. ctx bounds execution.
	Load(ctx context.Context, spec LoadSpec) (Instance, error)
}

// Instance is a loaded plugin object inside its runtime.
type Instance interface {
	// Activate calls the plugin's activate(app). The bool is the plugin's
	// answer; a non-nil error means the call itself failed.
	Activate(ctx context.Context, app any) (bool, error)

	// Deactivate calls the plugin's deactivate() when present. Instances
	// without it report true.
	Deactivate(ctx context.Context) (bool, error)

	// HasDeactivate reports whether the plugin defines deactivate.
	HasDeactivate() bool

	// Close releases the runtime. Calling Close more than once is safe.
	Close() error
}

// Set maps entry-point extensions to engines.
type Set struct {
	mu      sync.RWMutex
	byExt   map[string]Engine
	engines []Engine
}

// NewSet creates a set holding engines.
func NewSet(engines ...Engine) (*Set, error) {
	s := &Set{byExt: make(map[string]Engine)}
	for _, e := range engines {
		if err := s.Register(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds an engine. Extensions may not be claimed twice.
func (s *Set) Register(e Engine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ext := range e.Extensions() {
		ext = strings.ToLower(ext)
		if other, ok := s.byExt[ext]; ok {
			return fmt.Errorf("extension %q already handled by engine %q", ext, other.Name())
		}
	}
	for _, ext := range e.Extensions() {
		s.byExt[strings.ToLower(ext)] = e
	}
	s.engines = append(s.engines, e)
	return nil
}

// ForPath returns the engine for path's extension.
func (s *Set) ForPath(path string) (Engine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byExt[strings.ToLower(filepath.Ext(path))]
	return e, ok
}

// Extensions returns every handled extension in registration order.
func (s *Set) Extensions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exts []string
	for _, e := range s.engines {
		exts = append(exts, e.Extensions()...)
	}
	return exts
}

// Names returns the engine names, sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.engines))
	for i, e := range s.engines {
		names[i] = e.Name()
	}
	sort.Strings(names)
	return names
}
