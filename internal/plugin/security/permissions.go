package security

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/match"
)

// NamespacePrefix prefixes every plugin's own module name.
const NamespacePrefix = "plugins."

// Namespace returns the module name a plugin is known by inside its sandbox.
func Namespace(pluginID string) string {
	return NamespacePrefix + pluginID
}

// DefaultSafeModules returns the host modules a plugin may import without
// explicit allowance.
func DefaultSafeModules() []string {
	return []string{
		"base64",
		"json",
		"log",
		"math",
		"re",
		"string",
		"table",
		"time",
		"util",
		"uuid",
	}
}

// ModuleSet is an allow-list of importable module names.
type ModuleSet map[string]struct{}

// NewModuleSet creates an allow-list holding names.
func NewModuleSet(names ...string) ModuleSet {
	s := make(ModuleSet, len(names))
	for _, n := range names {
		s.Add(n)
	}
	return s
}

// DefaultModuleSet returns the default safe modules plus the plugin's own
// namespace.
func DefaultModuleSet(pluginID string) ModuleSet {
	s := NewModuleSet(DefaultSafeModules()...)
	s.Add(Namespace(pluginID))
	return s
}

// Add inserts name and reports whether it was new.
func (s ModuleSet) Add(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	if _, ok := s[name]; ok {
		return false
	}
	s[name] = struct{}{}
	return true
}

// Remove deletes name and reports whether it was present.
func (s ModuleSet) Remove(name string) bool {
	if _, ok := s[name]; !ok {
		return false
	}
	delete(s, name)
	return true
}

// Has reports whether name is allowed.
func (s ModuleSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Clone returns an independent copy.
func (s ModuleSet) Clone() ModuleSet {
	out := make(ModuleSet, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// List returns the names sorted.
func (s ModuleSet) List() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PathRules restrict which files the gated open may touch, independent of
// granted permissions.
type PathRules struct {
	// Blocked lists directories (or files) that may never be opened.
	Blocked []string

	// DenyGlobs are patterns matched against the base name and the
	// absolute path, e.g. "*.key" or "/etc/*".
	DenyGlobs []string
}

// DefaultPathRules returns rules that keep plugins away from credentials.
func DefaultPathRules() PathRules {
	return PathRules{
		DenyGlobs: []string{"*.pem", "*.key", "id_rsa*", "id_ed25519*"},
	}
}

// Check returns a reason when path is refused, or "" when it is allowed.
func (r PathRules) Check(path string) string {
	abs := normalizePath(path)

	for _, blocked := range r.Blocked {
		if isWithinPath(abs, normalizePath(blocked)) {
			return "path is blocked"
		}
	}

	base := filepath.Base(abs)
	for _, pattern := range r.DenyGlobs {
		if match.Match(base, pattern) || match.Match(abs, pattern) {
			return "path matches deny pattern " + pattern
		}
	}
	return ""
}

// normalizePath returns an absolute, clean path.
func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return filepath.Clean(abs)
}

// isWithinPath checks if target is within or equal to base using filepath.Rel.
// This properly handles edge cases like "/tmp/blocked" not matching "/tmp/blockedfile".
func isWithinPath(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}
