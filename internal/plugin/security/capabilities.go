package security

import (
	"sort"
	"strings"
)

// Permission is a named capability token. Two permissions are equal when
// their names are equal; the description is informational only.
type Permission struct {
	// Name is the catalog identifier (e.g. "file_read").
	Name string

	// Description explains what the permission allows.
	Description string

	// RiskLevel indicates how dangerous this permission is.
	RiskLevel RiskLevel
}

// Equal reports whether p and other name the same permission.
func (p Permission) Equal(other Permission) bool {
	return p.Name == other.Name
}

// Key returns the value permissions are hashed by.
func (p Permission) Key() string {
	return p.Name
}

// String returns the permission name.
func (p Permission) String() string {
	return p.Name
}

// RiskLevel indicates the security risk of a permission.
type RiskLevel int

const (
	// RiskLow indicates minimal security risk.
	RiskLow RiskLevel = iota

	// RiskMedium indicates moderate security risk.
	RiskMedium

	// RiskHigh indicates significant security risk.
	RiskHigh

	// RiskCritical indicates maximum security risk.
	RiskCritical
)

// String returns a string representation of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// The closed permission catalog.
var (
	PermFileRead  = Permission{Name: "file_read", Description: "Read files from the file system", RiskLevel: RiskMedium}
	PermFileWrite = Permission{Name: "file_write", Description: "Write files to the file system", RiskLevel: RiskHigh}
	PermNetwork   = Permission{Name: "network", Description: "Access the network", RiskLevel: RiskHigh}
	PermProcess   = Permission{Name: "process", Description: "Start or interact with system processes", RiskLevel: RiskCritical}
	PermUI        = Permission{Name: "ui", Description: "Create or modify UI elements", RiskLevel: RiskLow}
	PermSystem    = Permission{Name: "system", Description: "Access system information and resources", RiskLevel: RiskMedium}
	PermPlugin    = Permission{Name: "plugin", Description: "Interact with other plugins", RiskLevel: RiskLow}
)

// catalog holds the permissions in declaration order.
var catalog = []Permission{
	PermFileRead,
	PermFileWrite,
	PermNetwork,
	PermProcess,
	PermUI,
	PermSystem,
	PermPlugin,
}

// catalogIndex maps a permission name to its catalog position.
var catalogIndex = func() map[string]int {
	idx := make(map[string]int, len(catalog))
	for i, p := range catalog {
		idx[p.Name] = i
	}
	return idx
}()

// Catalog returns every known permission in declaration order.
func Catalog() []Permission {
	out := make([]Permission, len(catalog))
	copy(out, catalog)
	return out
}

// Resolve looks up a permission by name.
func Resolve(name string) (Permission, bool) {
	i, ok := catalogIndex[strings.TrimSpace(name)]
	if !ok {
		return Permission{}, false
	}
	return catalog[i], true
}

// IsValidPermission returns true if the name is in the catalog.
func IsValidPermission(name string) bool {
	_, ok := Resolve(name)
	return ok
}

// HighRiskPermissions returns permissions at RiskHigh or above.
func HighRiskPermissions() []Permission {
	var out []Permission
	for _, p := range catalog {
		if p.RiskLevel >= RiskHigh {
			out = append(out, p)
		}
	}
	return out
}

// Warner receives a message for every dropped permission name.
type Warner interface {
	Warn(format string, args ...any)
}

// ResolveAll translates permission names into a set. Unknown names are
// reported to w (which may be nil) and skipped.
func ResolveAll(names []string, w Warner) PermissionSet {
	set := NewPermissionSet()
	for _, name := range names {
		p, ok := Resolve(name)
		if !ok {
			if w != nil {
				w.Warn("unknown permission %q ignored", name)
			}
			continue
		}
		set.Grant(p)
	}
	return set
}

// PermissionSet is a set of permissions keyed by name.
type PermissionSet map[string]Permission

// NewPermissionSet creates a set holding perms.
func NewPermissionSet(perms ...Permission) PermissionSet {
	s := make(PermissionSet, len(perms))
	for _, p := range perms {
		s[p.Key()] = p
	}
	return s
}

// Grant adds p. It returns false if p was already present.
func (s PermissionSet) Grant(p Permission) bool {
	if _, ok := s[p.Key()]; ok {
		return false
	}
	s[p.Key()] = p
	return true
}

// Revoke removes p. It returns false if p was not present.
func (s PermissionSet) Revoke(p Permission) bool {
	if _, ok := s[p.Key()]; !ok {
		return false
	}
	delete(s, p.Key())
	return true
}

// Has reports whether p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p.Key()]
	return ok
}

// Clone returns an independent copy.
func (s PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// List returns the permissions ordered by catalog position.
func (s PermissionSet) List() []Permission {
	out := make([]Permission, 0, len(s))
	for _, p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := order(out[i].Name), order(out[j].Name)
		if oi != oj {
			return oi < oj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Names returns the permission names ordered by catalog position.
func (s PermissionSet) Names() []string {
	list := s.List()
	names := make([]string, len(list))
	for i, p := range list {
		names[i] = p.Name
	}
	return names
}

func order(name string) int {
	if i, ok := catalogIndex[name]; ok {
		return i
	}
	return len(catalog)
}
