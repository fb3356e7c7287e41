package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dshills/plughost/internal/logging"
)

// EntryPoints lists the entry-point names tried when a manifest names none.
var EntryPoints = []string{"main.lua", "main.js", "main.wasm"}

// Loader discovers plugins from the filesystem.
type Loader struct {
	mu sync.RWMutex

	// Search roots (checked in order, first root wins)
	paths []string

	// Discovered plugins cache
	discovered map[string]*Descriptor

	// Manifests that failed to parse, keyed by plugin directory
	errors map[string]error

	logger *logging.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths sets the plugin search paths. Paths are used as given.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = append([]string(nil), paths...)
	}
}

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(logger *logging.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a new plugin loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		paths:      DefaultPluginPaths(),
		discovered: make(map[string]*Descriptor),
		errors:     make(map[string]error),
		logger:     logging.Nop(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// DefaultPluginPaths returns the built-in, user and system plugin roots
// that exist.
func DefaultPluginPaths() []string {
	candidates := make([]string, 0, 3)

	// Built-in plugins next to the executable
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "plugins"))
	}

	// User plugins: ~/.plughost/plugins/
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".plughost", "plugins"))
	}

	// System plugins
	candidates = append(candidates, filepath.Join(string(filepath.Separator), "usr", "share", "plughost", "plugins"))

	paths := make([]string, 0, len(candidates))
	for _, p := range candidates {
		if isDir(p) {
			paths = append(paths, p)
		}
	}
	return paths
}

// Paths returns the configured search paths.
func (l *Loader) Paths() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.paths...)
}

// AddPath adds a search root. Missing directories are rejected and
// duplicates ignored.
func (l *Loader) AddPath(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if !isDir(abs) {
		l.logger.Warn("plugin directory %s does not exist", abs)
		return fmt.Errorf("plugin directory %s: %w", abs, os.ErrNotExist)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.paths {
		if filepath.Clean(p) == abs {
			return nil
		}
	}
	l.paths = append(l.paths, abs)
	return nil
}

// Discover scans every root's immediate subdirectories. Directories
// without both a manifest and an entry point are skipped. The result
// replaces the cache.
func (l *Loader) Discover() (map[string]*Descriptor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.discovered = make(map[string]*Descriptor)
	l.errors = make(map[string]error)

	for _, basePath := range l.paths {
		if err := l.discoverInPath(basePath); err != nil {
			l.logger.Warn("scan %s: %v", basePath, err)
		}
	}

	out := make(map[string]*Descriptor, len(l.discovered))
	for id, d := range l.discovered {
		out[id] = d.Clone()
	}
	return out, nil
}

// discoverInPath finds plugins in a single directory.
func (l *Loader) discoverInPath(basePath string) error {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // Not an error if path doesn't exist
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		d, err := l.inspectPlugin(filepath.Join(basePath, entry.Name()))
		if err != nil {
			l.errors[filepath.Join(basePath, entry.Name())] = err
			l.logger.Warn("skip plugin %s: %v", entry.Name(), err)
			continue
		}
		if d == nil {
			continue
		}

		// Don't override earlier discoveries (first path wins)
		if prev, exists := l.discovered[d.ID]; exists {
			l.logger.Debug("plugin %s in %s shadowed by %s", d.ID, d.Dir, prev.Dir)
			continue
		}
		l.discovered[d.ID] = d
	}

	return nil
}

// inspectPlugin examines a plugin directory. It returns nil, nil when the
// directory is not a plugin.
func (l *Loader) inspectPlugin(dir string) (*Descriptor, error) {
	manifestPath, ok := FindManifest(dir)
	if !ok {
		return nil, nil
	}

	d, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entry, ok := findEntryPoint(dir, d.Main)
	if !ok {
		if d.Main != "" {
			return nil, fmt.Errorf("%w: %s", ErrNoEntryPoint, d.Main)
		}
		return nil, nil
	}
	d.EntryPoint = entry
	return d, nil
}

// findEntryPoint returns main inside dir, or the first default entry
// point present when main is empty.
func findEntryPoint(dir, main string) (string, bool) {
	names := EntryPoints
	if main != "" {
		names = []string{main}
	}
	for _, name := range names {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// Get returns a cached descriptor.
func (l *Loader) Get(id string) (*Descriptor, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	d, ok := l.discovered[id]
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

// FindPlugin returns id's descriptor from the cache, running discovery
// when it is not cached.
func (l *Loader) FindPlugin(id string) (*Descriptor, error) {
	if d, ok := l.Get(id); ok {
		return d, nil
	}

	found, err := l.Discover()
	if err != nil {
		return nil, err
	}
	if d, ok := found[id]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
}

// Reread parses d's manifest again from disk and refreshes the cache.
func (l *Loader) Reread(d *Descriptor) (*Descriptor, error) {
	fresh, err := l.inspectPlugin(d.Dir)
	if err != nil {
		return nil, err
	}
	if fresh == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoEntryPoint, d.ID)
	}
	if fresh.ID != d.ID {
		return nil, fmt.Errorf("%w: %s now declares id %q", ErrValidation, d.Dir, fresh.ID)
	}

	l.mu.Lock()
	l.discovered[fresh.ID] = fresh
	l.mu.Unlock()
	return fresh.Clone(), nil
}

// ListIDs returns the IDs of all discovered plugins.
func (l *Loader) ListIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.discovered))
	for id := range l.discovered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of discovered plugins.
func (l *Loader) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.discovered)
}

// Errors returns the manifest errors of the last discovery, keyed by
// plugin directory.
func (l *Loader) Errors() map[string]error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]error, len(l.errors))
	for k, v := range l.errors {
		out[k] = v
	}
	return out
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
