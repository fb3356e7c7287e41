package sandbox

import (
	"context"
	"sort"
	"sync"

	"github.com/dshills/plughost/internal/logging"
	"github.com/dshills/plughost/internal/plugin/engine"
	"github.com/dshills/plughost/internal/plugin/security"
)

// config is a plugin's stored sandbox configuration.
type config struct {
	perms   security.PermissionSet
	budget  security.ResourceBudget
	modules security.ModuleSet
}

// Registry stores per-plugin configuration and live sandboxes.
//
// Locks cover map access only; guest code never runs while the registry
// lock is held.
type Registry struct {
	mu        sync.RWMutex
	configs   map[string]*config
	sandboxes map[string]*Sandbox

	engines  *engine.Set
	logger   *logging.Logger
	observer security.Observer
	rules    *security.PathRules
}

// Option configures a Registry.
type Option func(*Registry)

// WithEngines sets the engines entry points are dispatched to.
func WithEngines(set *engine.Set) Option {
	return func(r *Registry) {
		r.engines = set
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithObserver sets the observer every sandbox guard reports to.
func WithObserver(o security.Observer) Option {
	return func(r *Registry) {
		r.observer = o
	}
}

// WithPathRules overrides the path rules applied to guest opens.
func WithPathRules(rules security.PathRules) Option {
	return func(r *Registry) {
		r.rules = &rules
	}
}

// NewRegistry creates an empty registry. Without WithEngines it has no
// engines and every load fails as unsupported.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		configs:   make(map[string]*config),
		sandboxes: make(map[string]*Sandbox),
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.engines == nil {
		r.engines, _ = engine.NewSet()
	}
	r.logger = r.logger.WithComponent("sandbox")
	return r
}

// Register stores the configuration for id, replacing any previous one.
// A nil module set selects the default allow-list. A live sandbox's guard
// is reconfigured to match.
func (r *Registry) Register(id string, perms security.PermissionSet, budget security.ResourceBudget, modules security.ModuleSet) {
	if perms == nil {
		perms = security.NewPermissionSet()
	}
	if modules == nil {
		modules = security.DefaultModuleSet(id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := &config{
		perms:   perms.Clone(),
		budget:  budget,
		modules: modules.Clone(),
	}
	r.configs[id] = cfg
	if sb, ok := r.sandboxes[id]; ok {
		sb.guard.Reconfigure(cfg.perms, cfg.budget, cfg.modules)
	}
}

// IsRegistered reports whether id has stored configuration.
func (r *Registry) IsRegistered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.configs[id]
	return ok
}

// CreateSandbox builds a sandbox from a snapshot of id's configuration and
// stores it. An existing sandbox for id is closed and replaced.
func (r *Registry) CreateSandbox(id string) (*Sandbox, error) {
	r.mu.Lock()
	cfg, ok := r.configs[id]
	if !ok {
		r.mu.Unlock()
		return nil, notRegistered(id)
	}

	opts := []security.GuardOption{
		security.WithPermissions(cfg.perms.Clone()),
		security.WithModules(cfg.modules.Clone()),
	}
	if r.rules != nil {
		opts = append(opts, security.WithPathRules(*r.rules))
	}
	if r.observer != nil {
		opts = append(opts, security.WithObserver(r.observer))
	}
	sb := newSandbox(id, security.NewGuard(id, cfg.budget, opts...), r.engines, r.logger)

	old := r.sandboxes[id]
	r.sandboxes[id] = sb
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return sb, nil
}

// Sandbox returns the live sandbox for id.
func (r *Registry) Sandbox(id string) (*Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.sandboxes[id]
	return sb, ok
}

// IDs returns the registered plugin IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// update applies fn to id's configuration and, when present, its live
// guard.
func (r *Registry) update(id string, fn func(cfg *config, guard *security.Guard) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.configs[id]
	if !ok {
		return false, notRegistered(id)
	}
	var guard *security.Guard
	if sb, ok := r.sandboxes[id]; ok {
		guard = sb.guard
	}
	return fn(cfg, guard), nil
}

// Grant adds p to id's permissions. It reports whether p was newly
// granted.
func (r *Registry) Grant(id string, p security.Permission) (bool, error) {
	return r.update(id, func(cfg *config, g *security.Guard) bool {
		changed := cfg.perms.Grant(p)
		if g != nil {
			g.Grant(p)
		}
		return changed
	})
}

// Revoke removes p from id's permissions. It reports whether p had been
// granted.
func (r *Registry) Revoke(id string, p security.Permission) (bool, error) {
	return r.update(id, func(cfg *config, g *security.Guard) bool {
		changed := cfg.perms.Revoke(p)
		if g != nil {
			g.Revoke(p)
		}
		return changed
	})
}

// SetBudget replaces id's budget.
func (r *Registry) SetBudget(id string, b security.ResourceBudget) error {
	if err := b.Validate(); err != nil {
		return err
	}
	_, err := r.update(id, func(cfg *config, g *security.Guard) bool {
		cfg.budget = b
		if g != nil {
			g.SetBudget(b)
		}
		return true
	})
	return err
}

// AllowModule adds name to id's import allow-list.
func (r *Registry) AllowModule(id, name string) (bool, error) {
	return r.update(id, func(cfg *config, g *security.Guard) bool {
		changed := cfg.modules.Add(name)
		if g != nil {
			g.AllowModule(name)
		}
		return changed
	})
}

// DisallowModule removes name from id's import allow-list.
func (r *Registry) DisallowModule(id, name string) (bool, error) {
	return r.update(id, func(cfg *config, g *security.Guard) bool {
		changed := cfg.modules.Remove(name)
		if g != nil {
			g.DisallowModule(name)
		}
		return changed
	})
}

// Permissions returns a copy of id's granted permissions.
func (r *Registry) Permissions(id string) (security.PermissionSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	if !ok {
		return nil, notRegistered(id)
	}
	return cfg.perms.Clone(), nil
}

// Budget returns id's budget.
func (r *Registry) Budget(id string) (security.ResourceBudget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	if !ok {
		return security.ResourceBudget{}, notRegistered(id)
	}
	return cfg.budget, nil
}

// AllowedModules returns id's import allow-list, sorted.
func (r *Registry) AllowedModules(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[id]
	if !ok {
		return nil, notRegistered(id)
	}
	return cfg.modules.List(), nil
}

// Load runs id's entry point at path, creating the sandbox if needed.
func (r *Registry) Load(ctx context.Context, id, path string) error {
	if !r.IsRegistered(id) {
		return notRegistered(id)
	}

	sb, ok := r.Sandbox(id)
	if !ok {
		var err error
		if sb, err = r.CreateSandbox(id); err != nil {
			return err
		}
	}
	return sb.Load(ctx, path)
}

// loaded returns id's sandbox if it holds a plugin object.
func (r *Registry) loaded(id string) (*Sandbox, error) {
	r.mu.RLock()
	_, registered := r.configs[id]
	sb, ok := r.sandboxes[id]
	r.mu.RUnlock()

	if !registered {
		return nil, notRegistered(id)
	}
	if !ok || !sb.IsLoaded() {
		return nil, notLoaded(id)
	}
	return sb, nil
}

// Activate calls id's activate(app).
func (r *Registry) Activate(ctx context.Context, id string, app any) (bool, error) {
	sb, err := r.loaded(id)
	if err != nil {
		return false, err
	}
	return sb.Activate(ctx, app)
}

// Deactivate calls id's deactivate().
func (r *Registry) Deactivate(ctx context.Context, id string) (bool, error) {
	sb, err := r.loaded(id)
	if err != nil {
		return false, err
	}
	return sb.Deactivate(ctx)
}

// Unload deactivates id when active, closes its runtime and drops the
// sandbox. The configuration stays registered.
func (r *Registry) Unload(ctx context.Context, id string) error {
	sb, err := r.loaded(id)
	if err != nil {
		return err
	}

	if sb.IsActive() {
		if _, err := sb.Deactivate(ctx); err != nil {
			r.logger.Warn("deactivate %s during unload: %v", id, err)
		}
	}

	r.mu.Lock()
	if r.sandboxes[id] == sb {
		delete(r.sandboxes, id)
	}
	r.mu.Unlock()

	return sb.Close()
}

// Forget drops id's configuration and closes any live sandbox.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	sb := r.sandboxes[id]
	delete(r.sandboxes, id)
	delete(r.configs, id)
	r.mu.Unlock()

	if sb != nil {
		_ = sb.Close()
	}
}

// Close closes every live sandbox.
func (r *Registry) Close() {
	r.mu.Lock()
	sandboxes := make([]*Sandbox, 0, len(r.sandboxes))
	for _, sb := range r.sandboxes {
		sandboxes = append(sandboxes, sb)
	}
	r.sandboxes = make(map[string]*Sandbox)
	r.mu.Unlock()

	for _, sb := range sandboxes {
		_ = sb.Close()
	}
}
