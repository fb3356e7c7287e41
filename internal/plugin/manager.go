package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dshills/plughost/internal/logging"
	"github.com/dshills/plughost/internal/plugin/sandbox"
	"github.com/dshills/plughost/internal/plugin/security"
)

// Policy holds persisted overrides applied on top of a plugin's manifest.
type Policy struct {
	Granted  []string
	Revoked  []string
	Allowed  []string // extra importable modules
	Budget   *security.ResourceBudget
	Disabled bool
}

// PolicySource supplies per-plugin policy overrides.
type PolicySource interface {
	Policy(ctx context.Context, id string) (Policy, error)
}

// Manager manages the lifecycle of all plugins.
// It handles discovery, dependency resolution, activation, and event
// dispatching. Sandboxing is delegated to a sandbox.Registry.
//
// Lifecycle operations are serialized. The bookkeeping lock is held only
// around map access, never while guest code runs.
type Manager struct {
	lifecycle sync.Mutex
	mu        sync.RWMutex

	// Loader for plugin discovery
	loader *Loader

	// Sandboxes and their configuration
	registry *sandbox.Registry

	// Persisted overrides; may be nil
	policies PolicySource

	// Plugin metadata by ID
	plugins map[string]*entry

	// Plugin load order (for deterministic iteration)
	loadOrder []string

	// Event handlers (protected by mu)
	eventHandlers []EventHandler

	// Opaque host handle passed to activate
	app any

	logger *logging.Logger
	config ManagerConfig
}

// entry is the manager's bookkeeping for one plugin.
type entry struct {
	desc  *Descriptor
	state State
	err   error
}

// ManagerConfig configures the plugin manager.
type ManagerConfig struct {
	// PluginPaths are directories to search for plugins
	PluginPaths []string

	// DefaultBudget applies to every plugin without a budget override
	DefaultBudget security.ResourceBudget

	// SafeModules are importable without explicit allowance. Nil selects
	// security.DefaultSafeModules.
	SafeModules []string

	// AppVersion is checked against each descriptor's version range when
	// set
	AppVersion string
}

// DefaultManagerConfig returns sensible default configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		PluginPaths:   DefaultPluginPaths(),
		DefaultBudget: security.DefaultBudget(),
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRegistry sets the sandbox registry.
func WithRegistry(r *sandbox.Registry) ManagerOption {
	return func(m *Manager) {
		m.registry = r
	}
}

// WithLoader replaces the loader built from ManagerConfig.PluginPaths.
func WithLoader(l *Loader) ManagerOption {
	return func(m *Manager) {
		m.loader = l
	}
}

// WithPolicySource sets the source of persisted overrides.
func WithPolicySource(p PolicySource) ManagerOption {
	return func(m *Manager) {
		m.policies = p
	}
}

// WithApp sets the host handle passed to every plugin's activate.
func WithApp(app any) ManagerOption {
	return func(m *Manager) {
		m.app = app
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// EventHandler handles plugin manager events.
// Handlers must be non-blocking. They may read manager state but must not
// call lifecycle methods, which would deadlock. Panics in handlers are
// recovered.
type EventHandler func(event ManagerEvent)

// ManagerEvent represents a plugin manager event.
type ManagerEvent struct {
	Type   ManagerEventType
	Plugin string
	Error  error

	// Reloading marks the unload step of a Reload; the plugin is about
	// to be loaded again.
	Reloading bool
}

// ManagerEventType is the type of manager event.
type ManagerEventType int

const (
	// EventPluginLoaded is emitted when a plugin is loaded.
	EventPluginLoaded ManagerEventType = iota
	// EventPluginUnloaded is emitted when a plugin is unloaded.
	EventPluginUnloaded
	// EventPluginActivated is emitted when a plugin is activated.
	EventPluginActivated
	// EventPluginDeactivated is emitted when a plugin is deactivated.
	EventPluginDeactivated
	// EventPluginReloaded is emitted when a plugin is reloaded.
	EventPluginReloaded
	// EventPluginError is emitted when a plugin operation fails.
	EventPluginError
)

// String returns a string representation of the event type.
func (t ManagerEventType) String() string {
	switch t {
	case EventPluginLoaded:
		return "loaded"
	case EventPluginUnloaded:
		return "unloaded"
	case EventPluginActivated:
		return "activated"
	case EventPluginDeactivated:
		return "deactivated"
	case EventPluginReloaded:
		return "reloaded"
	case EventPluginError:
		return "error"
	default:
		return "unknown"
	}
}

// LoadOption configures a single Load call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	resolve bool
}

// WithoutDependencies skips dependency resolution. Declared dependencies
// must already be loaded.
func WithoutDependencies() LoadOption {
	return func(o *loadOptions) {
		o.resolve = false
	}
}

// NewManager creates a new plugin manager.
func NewManager(config ManagerConfig, opts ...ManagerOption) *Manager {
	m := &Manager{
		plugins:   make(map[string]*entry),
		loadOrder: make([]string, 0),
		logger:    logging.Nop(),
		config:    config,
	}
	if m.config.DefaultBudget == (security.ResourceBudget{}) {
		m.config.DefaultBudget = security.DefaultBudget()
	}

	for _, opt := range opts {
		opt(m)
	}

	m.logger = m.logger.WithComponent("plugins")
	if m.loader == nil {
		m.loader = NewLoader(WithPaths(config.PluginPaths...), WithLoaderLogger(m.logger))
	}
	if m.registry == nil {
		m.registry = sandbox.NewRegistry(sandbox.WithLogger(m.logger))
	}
	return m
}

// Discover scans the plugin roots and caches the result for Load.
func (m *Manager) Discover() (map[string]*Descriptor, error) {
	return m.loader.Discover()
}

// AddPath adds a plugin root.
func (m *Manager) AddPath(dir string) error {
	return m.loader.AddPath(dir)
}

// Load loads a plugin by ID together with its dependencies, dependencies
// first. Loading a loaded plugin is a no-op.
func (m *Manager) Load(ctx context.Context, id string, opts ...LoadOption) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.load(ctx, id, opts...)
}

func (m *Manager) load(ctx context.Context, id string, opts ...LoadOption) error {
	if m.IsLoaded(id) {
		return nil
	}

	d, err := m.loader.FindPlugin(id)
	if err != nil {
		m.logger.Error("load %s: %v", id, err)
		return err
	}
	return m.loadDescriptor(ctx, d, opts...)
}

func (m *Manager) loadDescriptor(ctx context.Context, d *Descriptor, opts ...LoadOption) error {
	o := loadOptions{resolve: true}
	for _, opt := range opts {
		opt(&o)
	}

	// Metadata is recorded before dependencies are checked so a failed
	// plugin stays visible to Info and State.
	m.remember(d)

	if !o.resolve {
		for _, dep := range d.Dependencies {
			if !m.IsLoaded(dep) {
				return m.fail(d.ID, fmt.Errorf("plugin %q: %w: %s is not loaded", d.ID, ErrDependencyNotFound, dep))
			}
		}
		return m.loadOne(ctx, d)
	}

	graph, err := BuildDependencyGraph(d, m.lookup)
	if err != nil {
		return m.fail(d.ID, fmt.Errorf("plugin %q: %w", d.ID, err))
	}
	order, err := graph.LoadOrder()
	if err != nil {
		return m.fail(d.ID, fmt.Errorf("plugin %q: %w", d.ID, err))
	}

	for _, depID := range order {
		if depID == d.ID || m.IsLoaded(depID) {
			continue
		}
		dep, _ := graph.Descriptor(depID)
		m.remember(dep)
		if err := m.loadOne(ctx, dep); err != nil {
			return m.fail(d.ID, fmt.Errorf("plugin %q: dependency %s: %w", d.ID, depID, err))
		}
	}
	return m.loadOne(ctx, d)
}

// lookup resolves a dependency, preferring descriptors already loaded.
func (m *Manager) lookup(id string) (*Descriptor, error) {
	m.mu.RLock()
	e, ok := m.plugins[id]
	m.mu.RUnlock()
	if ok && e.desc != nil && e.state.IsUsable() {
		return e.desc, nil
	}
	return m.loader.FindPlugin(id)
}

// loadOne configures d's sandbox and runs its entry point.
func (m *Manager) loadOne(ctx context.Context, d *Descriptor) error {
	if m.config.AppVersion != "" && !d.Supports(m.config.AppVersion) {
		return m.fail(d.ID, fmt.Errorf("plugin %q requires %s..%s: %w", d.ID, d.MinAppVersion, d.MaxAppVersion, ErrIncompatibleVersion))
	}

	perms, budget, modules, err := m.sandboxConfig(ctx, d)
	if err != nil {
		return m.fail(d.ID, err)
	}

	m.registry.Register(d.ID, perms, budget, modules)
	if _, err := m.registry.CreateSandbox(d.ID); err != nil {
		return m.fail(d.ID, err)
	}
	if err := m.registry.Load(ctx, d.ID, d.EntryPoint); err != nil {
		m.registry.Forget(d.ID)
		return m.fail(d.ID, fmt.Errorf("load plugin %q: %w", d.ID, err))
	}

	m.mu.Lock()
	m.plugins[d.ID] = &entry{desc: d, state: StateLoaded}
	m.loadOrder = append(m.loadOrder, d.ID)
	m.mu.Unlock()

	m.logger.Info("loaded %s from %s", d, d.EntryPoint)
	m.emitEvent(ManagerEvent{Type: EventPluginLoaded, Plugin: d.ID})
	return nil
}

// sandboxConfig translates d's manifest permissions and merges persisted
// overrides.
func (m *Manager) sandboxConfig(ctx context.Context, d *Descriptor) (security.PermissionSet, security.ResourceBudget, security.ModuleSet, error) {
	log := m.logger.WithPlugin(d.ID)
	perms := security.ResolveAll(d.Permissions, log)
	budget := m.config.DefaultBudget

	var modules security.ModuleSet
	if m.config.SafeModules != nil {
		modules = security.NewModuleSet(m.config.SafeModules...)
		modules.Add(security.Namespace(d.ID))
	} else {
		modules = security.DefaultModuleSet(d.ID)
	}

	if m.policies == nil {
		return perms, budget, modules, nil
	}

	policy, err := m.policies.Policy(ctx, d.ID)
	if err != nil {
		return nil, budget, nil, fmt.Errorf("plugin %q: read policy: %w", d.ID, err)
	}
	if policy.Disabled {
		return nil, budget, nil, fmt.Errorf("plugin %q: %w: disabled by policy", d.ID, security.ErrPermissionDenied)
	}
	for _, name := range policy.Granted {
		if p, ok := security.Resolve(name); ok {
			perms.Grant(p)
		}
	}
	for _, name := range policy.Revoked {
		if p, ok := security.Resolve(name); ok {
			perms.Revoke(p)
		}
	}
	for _, name := range policy.Allowed {
		modules.Add(name)
	}
	if policy.Budget != nil {
		if err := policy.Budget.Validate(); err != nil {
			log.Warn("ignoring stored budget: %v", err)
		} else {
			budget = *policy.Budget
		}
	}
	return perms, budget, modules, nil
}

// remember records d's metadata without touching a loaded entry.
func (m *Manager) remember(d *Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.plugins[d.ID]; ok && e.state.IsUsable() {
		return
	}
	m.plugins[d.ID] = &entry{desc: d, state: StateDiscovered}
}

// fail marks id as failed, logs and emits err, and returns it.
func (m *Manager) fail(id string, err error) error {
	m.mu.Lock()
	if e, ok := m.plugins[id]; ok && !e.state.IsUsable() {
		e.state = StateError
		e.err = err
	}
	m.mu.Unlock()

	m.logger.Error("%v", err)
	m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: id, Error: err})
	return err
}

// LoadAll discovers and loads every plugin. Failures are keyed by ID.
func (m *Manager) LoadAll(ctx context.Context) map[string]error {
	found, err := m.loader.Discover()
	if err != nil {
		return map[string]error{"": err}
	}

	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	errs := make(map[string]error)
	for _, id := range ids {
		if err := m.Load(ctx, id); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// Activate activates a loaded plugin. Activating an active plugin is a
// no-op.
func (m *Manager) Activate(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.activate(ctx, id)
}

func (m *Manager) activate(ctx context.Context, id string) error {
	switch m.State(id) {
	case StateActive:
		return nil
	case StateLoaded:
	default:
		return fmt.Errorf("plugin %q: %w", id, ErrNotLoaded)
	}

	ok, err := m.registry.Activate(ctx, id, m.app)
	if err == nil && !ok {
		err = fmt.Errorf("plugin %q: %w", id, ErrActivationFailed)
	}
	if err != nil {
		m.logger.Warn("activate %s: %v", id, err)
		m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: id, Error: err})
		return err
	}

	m.setState(id, StateActive)
	m.emitEvent(ManagerEvent{Type: EventPluginActivated, Plugin: id})
	return nil
}

// ActivateAll activates loaded plugins in load order.
func (m *Manager) ActivateAll(ctx context.Context) map[string]error {
	errs := make(map[string]error)
	for _, id := range m.Loaded() {
		if err := m.Activate(ctx, id); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// Deactivate deactivates an active plugin. Deactivating a loaded but
// inactive plugin is a no-op.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.deactivate(ctx, id)
}

func (m *Manager) deactivate(ctx context.Context, id string) error {
	switch m.State(id) {
	case StateLoaded:
		return nil
	case StateActive:
	default:
		return fmt.Errorf("plugin %q: %w", id, ErrNotLoaded)
	}

	ok, err := m.registry.Deactivate(ctx, id)
	if err == nil && !ok {
		err = fmt.Errorf("plugin %q: %w", id, ErrDeactivationFailed)
	}
	if err != nil {
		m.logger.Warn("deactivate %s: %v", id, err)
		m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: id, Error: err})
		return err
	}

	m.setState(id, StateLoaded)
	m.emitEvent(ManagerEvent{Type: EventPluginDeactivated, Plugin: id})
	return nil
}

// DeactivateAll deactivates active plugins in reverse load order.
func (m *Manager) DeactivateAll(ctx context.Context) map[string]error {
	errs := make(map[string]error)
	for _, id := range reversed(m.Active()) {
		if err := m.Deactivate(ctx, id); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// Unload deactivates id if needed, closes its sandbox and forgets its
// metadata. It refuses while another loaded plugin depends on id.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.unload(ctx, id, false)
}

// unload releases id. While reloading the dependents check is skipped,
// since id comes straight back.
func (m *Manager) unload(ctx context.Context, id string, reloading bool) error {
	if !m.IsLoaded(id) {
		return fmt.Errorf("plugin %q: %w", id, ErrNotLoaded)
	}

	if !reloading {
		if deps := m.Dependents(id); len(deps) > 0 {
			return fmt.Errorf("plugin %q: %w: %s", id, ErrHasDependents, strings.Join(deps, ", "))
		}
	}

	if m.IsActive(id) {
		if err := m.deactivate(ctx, id); err != nil {
			return err
		}
	}

	if err := m.registry.Unload(ctx, id); err != nil {
		err = fmt.Errorf("unload plugin %q: %w", id, err)
		m.emitEvent(ManagerEvent{Type: EventPluginError, Plugin: id, Error: err})
		return err
	}
	m.registry.Forget(id)

	m.mu.Lock()
	m.plugins[id] = &entry{state: StateUnloaded}
	m.removeFromLoadOrder(id)
	m.mu.Unlock()

	m.logger.Info("unloaded %s", id)
	m.emitEvent(ManagerEvent{Type: EventPluginUnloaded, Plugin: id, Reloading: reloading})
	return nil
}

// UnloadAll unloads all plugins in reverse load order.
func (m *Manager) UnloadAll(ctx context.Context) map[string]error {
	errs := make(map[string]error)
	for _, id := range reversed(m.Loaded()) {
		if err := m.Unload(ctx, id); err != nil {
			errs[id] = err
		}
	}
	return errs
}

// Reload unloads id, re-reads its manifest and loads it again,
// reactivating it if it was active. A plugin that is not loaded is simply
// loaded.
func (m *Manager) Reload(ctx context.Context, id string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.IsLoaded(id) {
		return m.load(ctx, id)
	}

	wasActive := m.IsActive(id)
	old, _ := m.Descriptor(id)

	if err := m.unload(ctx, id, true); err != nil {
		return fmt.Errorf("reload unload failed: %w", err)
	}

	fresh, err := m.loader.Reread(old)
	if err != nil {
		err = m.fail(id, fmt.Errorf("reload plugin %q: %w", id, err))
		return m.dropDependents(ctx, id, err)
	}

	if err := m.loadDescriptor(ctx, fresh); err != nil {
		return m.dropDependents(ctx, id, fmt.Errorf("reload load failed: %w", err))
	}

	if wasActive {
		if err := m.activate(ctx, id); err != nil {
			return fmt.Errorf("reload activate failed: %w", err)
		}
	}

	m.emitEvent(ManagerEvent{Type: EventPluginReloaded, Plugin: id})
	return nil
}

// dropDependents unloads every loaded plugin that depends on id, directly
// or transitively, after id failed to come back from a reload. cause is
// returned, annotated with the plugins that were dropped.
func (m *Manager) dropDependents(ctx context.Context, id string, cause error) error {
	broken := map[string]bool{id: true}
	var drop []string
	for _, other := range m.Loaded() {
		d, ok := m.Descriptor(other)
		if !ok {
			continue
		}
		for _, dep := range d.Dependencies {
			if broken[dep] {
				broken[other] = true
				drop = append(drop, other)
				break
			}
		}
	}
	if len(drop) == 0 {
		return cause
	}

	for _, other := range reversed(drop) {
		if err := m.unload(ctx, other, false); err != nil {
			m.logger.Warn("unload dependent %s of %s: %v", other, id, err)
		}
	}
	m.logger.Warn("reload of %s failed; unloaded dependents %s", id, strings.Join(drop, ", "))
	return fmt.Errorf("%w (unloaded dependents: %s)", cause, strings.Join(drop, ", "))
}

// LoadOrder returns the order Load would load id's dependency closure in,
// without loading anything.
func (m *Manager) LoadOrder(id string) ([]string, error) {
	d, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	graph, err := BuildDependencyGraph(d, m.lookup)
	if err != nil {
		return nil, err
	}
	return graph.LoadOrder()
}

// Dependents returns the loaded plugins that declare id as a dependency.
func (m *Manager) Dependents(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, other := range m.loadOrder {
		e := m.plugins[other]
		if other == id || e == nil || e.desc == nil {
			continue
		}
		for _, dep := range e.desc.Dependencies {
			if dep == id {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

// Subscribe adds an event handler.
// Returns an unsubscribe function to remove the handler.
func (m *Manager) Subscribe(handler EventHandler) func() {
	if handler == nil {
		return func() {} // No-op for nil handlers
	}

	m.mu.Lock()
	m.eventHandlers = append(m.eventHandlers, handler)
	index := len(m.eventHandlers) - 1
	m.mu.Unlock()

	// Return unsubscribe function
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		// Set to nil instead of removing to avoid index shifting issues
		if index < len(m.eventHandlers) {
			m.eventHandlers[index] = nil
		}
	}
}

// Descriptor returns the stored metadata for id.
func (m *Manager) Descriptor(id string) (*Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.plugins[id]
	if !ok || e.desc == nil {
		return nil, false
	}
	return e.desc.Clone(), true
}

// IsLoaded reports whether id is loaded (active plugins are loaded too).
func (m *Manager) IsLoaded(id string) bool {
	return m.State(id).IsUsable()
}

// IsActive reports whether id is active.
func (m *Manager) IsActive(id string) bool {
	return m.State(id) == StateActive
}

// State returns id's lifecycle state.
func (m *Manager) State(id string) State {
	m.mu.RLock()
	e, ok := m.plugins[id]
	m.mu.RUnlock()
	if ok {
		return e.state
	}
	if _, found := m.loader.Get(id); found {
		return StateDiscovered
	}
	return StateUnknown
}

func (m *Manager) setState(id string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.plugins[id]; ok {
		e.state = s
	}
}

// Loaded returns loaded plugin IDs in load order.
func (m *Manager) Loaded() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.loadOrder...)
}

// Active returns active plugin IDs in load order.
func (m *Manager) Active() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]string, 0)
	for _, id := range m.loadOrder {
		if e, ok := m.plugins[id]; ok && e.state == StateActive {
			result = append(result, id)
		}
	}
	return result
}

// PluginInfo is a snapshot of one plugin.
type PluginInfo struct {
	ID          string
	Descriptor  *Descriptor
	State       State
	Error       error
	LoadTime    time.Time
	Permissions []string
	Modules     []string
	Budget      security.ResourceBudget
}

// Info returns a snapshot of id's metadata, state and sandbox
// configuration.
func (m *Manager) Info(id string) (PluginInfo, bool) {
	m.mu.RLock()
	e, ok := m.plugins[id]
	var info PluginInfo
	if ok {
		info = PluginInfo{ID: id, State: e.state, Error: e.err}
		if e.desc != nil {
			info.Descriptor = e.desc.Clone()
		}
	}
	m.mu.RUnlock()

	if !ok {
		d, found := m.loader.Get(id)
		if !found {
			return PluginInfo{}, false
		}
		return PluginInfo{ID: id, Descriptor: d, State: StateDiscovered}, true
	}

	if perms, err := m.registry.Permissions(id); err == nil {
		info.Permissions = perms.Names()
	}
	if budget, err := m.registry.Budget(id); err == nil {
		info.Budget = budget
	}
	if modules, err := m.registry.AllowedModules(id); err == nil {
		info.Modules = modules
	}
	if sb, ok := m.registry.Sandbox(id); ok {
		info.LoadTime = sb.LoadTime()
	}
	return info, true
}

// Errors returns the last load error of every failed plugin.
func (m *Manager) Errors() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	errs := make(map[string]error)
	for id, e := range m.plugins {
		if e.state == StateError && e.err != nil {
			errs[id] = e.err
		}
	}
	return errs
}

// Loader returns the underlying loader for advanced operations.
func (m *Manager) Loader() *Loader {
	return m.loader
}

// Registry returns the sandbox registry.
func (m *Manager) Registry() *sandbox.Registry {
	return m.registry
}

// emitEvent sends an event to all handlers.
// Handlers are called outside the bookkeeping lock and panics are
// recovered.
func (m *Manager) emitEvent(event ManagerEvent) {
	// Copy handlers under lock
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.eventHandlers))
	copy(handlers, m.eventHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("event handler panic on %s %s: %v", event.Type, event.Plugin, r)
				}
			}()
			handler(event)
		}()
	}
}

// removeFromLoadOrder removes an ID from the load order slice.
// Must be called with mu held.
func (m *Manager) removeFromLoadOrder(id string) {
	for i, n := range m.loadOrder {
		if n == id {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			return
		}
	}
}

func reversed(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = id
	}
	return out
}
