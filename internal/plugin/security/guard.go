package security

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Observer is notified of gate decisions. Implementations must be safe
// for concurrent use.
type Observer interface {
	Denied(pluginID, gate string)
	HandleOpened(pluginID string)
	HandleClosed(pluginID string)
}

// Guard enforces the permissions, module allow-list and handle budget of
// one plugin.
type Guard struct {
	mu sync.Mutex

	pluginID string
	perms    PermissionSet
	budget   ResourceBudget
	modules  ModuleSet
	rules    PathRules
	handles  map[string]*Handle
	observer Observer
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithPermissions sets the initially granted permissions.
func WithPermissions(perms PermissionSet) GuardOption {
	return func(g *Guard) {
		g.perms = perms.Clone()
	}
}

// WithModules replaces the module allow-list.
func WithModules(modules ModuleSet) GuardOption {
	return func(g *Guard) {
		g.modules = modules.Clone()
	}
}

// WithPathRules sets the path rules applied by Open.
func WithPathRules(rules PathRules) GuardOption {
	return func(g *Guard) {
		g.rules = rules
	}
}

// WithObserver sets the gate observer.
func WithObserver(o Observer) GuardOption {
	return func(g *Guard) {
		g.observer = o
	}
}

// NewGuard creates a guard with no permissions and the default module
// allow-list.
func NewGuard(pluginID string, budget ResourceBudget, opts ...GuardOption) *Guard {
	g := &Guard{
		pluginID: pluginID,
		perms:    NewPermissionSet(),
		budget:   budget,
		modules:  DefaultModuleSet(pluginID),
		handles:  make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PluginID returns the guarded plugin's ID.
func (g *Guard) PluginID() string {
	return g.pluginID
}

// Grant adds a permission. It returns false if already granted.
func (g *Guard) Grant(p Permission) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perms.Grant(p)
}

// Revoke removes a permission. It returns false if it was not granted.
func (g *Guard) Revoke(p Permission) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perms.Revoke(p)
}

// HasPermission reports whether p is granted.
func (g *Guard) HasPermission(p Permission) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perms.Has(p)
}

// Permissions returns a copy of the granted permissions.
func (g *Guard) Permissions() PermissionSet {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perms.Clone()
}

// Budget returns the current budget.
func (g *Guard) Budget() ResourceBudget {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.budget
}

// SetBudget replaces the budget. Handles already open stay open even if
// the new ceiling is lower.
func (g *Guard) SetBudget(b ResourceBudget) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.budget = b
}

// Reconfigure replaces the permissions, budget and allow-list at once.
// Handles already open stay open.
func (g *Guard) Reconfigure(perms PermissionSet, budget ResourceBudget, modules ModuleSet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perms = perms.Clone()
	g.budget = budget
	g.modules = modules.Clone()
}

// AllowModule adds name to the allow-list.
func (g *Guard) AllowModule(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modules.Add(name)
}

// DisallowModule removes name from the allow-list.
func (g *Guard) DisallowModule(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modules.Remove(name)
}

// AllowedModules returns the sorted allow-list.
func (g *Guard) AllowedModules() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modules.List()
}

// CheckImport fails with a PermissionError unless name is allow-listed.
func (g *Guard) CheckImport(name string) error {
	g.mu.Lock()
	allowed := g.modules.Has(name)
	g.mu.Unlock()

	if !allowed {
		g.denied("import")
		return &PermissionError{
			PluginID:  g.pluginID,
			Operation: "import",
			Target:    name,
			Message:   "module not in allow-list",
		}
	}
	return nil
}

// CheckPermission fails with a PermissionError unless p is granted.
func (g *Guard) CheckPermission(p Permission, operation, target string) error {
	if !g.HasPermission(p) {
		g.denied(p.Name)
		return &PermissionError{
			PluginID:   g.pluginID,
			Operation:  operation,
			Target:     target,
			Permission: p.Name,
		}
	}
	return nil
}

// Open opens path with a file mode string ("r", "w", "a", "x", optionally
// with "+", "b" or "t"). Read-capable modes need file_read and
// write-capable modes need file_write. When the handle ceiling has been
// reached no file is opened and a ResourceError is returned.
func (g *Guard) Open(path, mode string) (*Handle, error) {
	access, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}

	if access.Read {
		if err := g.CheckPermission(PermFileRead, "open", path); err != nil {
			return nil, err
		}
	}
	if access.Write {
		if err := g.CheckPermission(PermFileWrite, "open", path); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if reason := g.rules.Check(path); reason != "" {
		g.denied("path")
		return nil, &PermissionError{
			PluginID:  g.pluginID,
			Operation: "open",
			Target:    path,
			Message:   reason,
		}
	}

	if len(g.handles) >= g.budget.MaxFileHandles {
		g.denied("file_handles")
		return nil, &ResourceError{
			PluginID: g.pluginID,
			Resource: "file handle",
			Limit:    g.budget.MaxFileHandles,
		}
	}

	f, err := os.OpenFile(path, access.Flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: open %q: %w", g.pluginID, path, err)
	}

	h := &Handle{
		id:    uuid.NewString(),
		path:  path,
		mode:  mode,
		file:  f,
		guard: g,
	}
	g.handles[h.id] = h
	if g.observer != nil {
		g.observer.HandleOpened(g.pluginID)
	}
	return h, nil
}

// OpenHandles returns the number of tracked open handles.
func (g *Guard) OpenHandles() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.handles)
}

// CloseAll closes every tracked handle, ignoring close errors, and returns
// how many were closed.
func (g *Guard) CloseAll() int {
	g.mu.Lock()
	handles := make([]*Handle, 0, len(g.handles))
	for _, h := range g.handles {
		handles = append(handles, h)
	}
	g.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
	}
	return len(handles)
}

func (g *Guard) release(id string) {
	g.mu.Lock()
	_, ok := g.handles[id]
	delete(g.handles, id)
	g.mu.Unlock()

	if ok && g.observer != nil {
		g.observer.HandleClosed(g.pluginID)
	}
}

func (g *Guard) denied(gate string) {
	if g.observer != nil {
		g.observer.Denied(g.pluginID, gate)
	}
}

// Access is the decoded form of a file mode string.
type Access struct {
	Read  bool
	Write bool
	Flag  int
}

// ParseMode decodes a file mode string. An empty mode means "r".
func ParseMode(mode string) (Access, error) {
	if mode == "" {
		mode = "r"
	}

	var (
		primary rune
		plus    bool
	)
	for _, c := range mode {
		switch c {
		case 'r', 'w', 'a', 'x':
			if primary != 0 {
				return Access{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
			}
			primary = c
		case '+':
			plus = true
		case 'b', 't':
		default:
			return Access{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
		}
	}
	if primary == 0 {
		return Access{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	a := Access{
		Read:  strings.ContainsAny(mode, "ra+"),
		Write: strings.ContainsAny(mode, "wa+x"),
	}

	switch primary {
	case 'r':
		a.Flag = os.O_RDONLY
	case 'w':
		a.Flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case 'a':
		a.Flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case 'x':
		a.Flag = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	if plus {
		a.Flag = a.Flag&^(os.O_RDONLY|os.O_WRONLY) | os.O_RDWR
	}
	return a, nil
}

// Handle is a file opened through a Guard. Close releases its budget slot
// exactly once; further calls are no-ops.
type Handle struct {
	id    string
	path  string
	mode  string
	file  *os.File
	guard *Guard

	once     sync.Once
	closeErr error
}

var _ io.ReadWriteCloser = (*Handle)(nil)

// ID returns the tracking identifier.
func (h *Handle) ID() string { return h.id }

// Path returns the path the handle was opened with.
func (h *Handle) Path() string { return h.path }

// Mode returns the mode string the handle was opened with.
func (h *Handle) Mode() string { return h.mode }

// Read implements io.Reader.
func (h *Handle) Read(p []byte) (int, error) {
	return h.file.Read(p)
}

// Write implements io.Writer.
func (h *Handle) Write(p []byte) (int, error) {
	return h.file.Write(p)
}

// ReadAll reads from the current offset to EOF.
func (h *Handle) ReadAll() ([]byte, error) {
	return io.ReadAll(h.file)
}

// Close closes the file and releases the budget slot. Only the first call
// does anything.
func (h *Handle) Close() error {
	h.once.Do(func() {
		h.closeErr = h.file.Close()
		h.guard.release(h.id)
	})
	return h.closeErr
}
