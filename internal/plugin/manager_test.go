package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/dshills/plughost/internal/plugin/engine"
	"github.com/dshills/plughost/internal/plugin/js"
	"github.com/dshills/plughost/internal/plugin/lua"
	"github.com/dshills/plughost/internal/plugin/sandbox"
	"github.com/dshills/plughost/internal/plugin/security"
)

// trace records the order plugin entry points ran in.
type trace struct {
	mu    sync.Mutex
	marks []string
}

func (tr *trace) registry(t *testing.T) *engine.ModuleRegistry {
	t.Helper()
	reg := engine.DefaultModules()
	err := reg.Register("trace", func(engine.LoadSpec) engine.Module {
		return engine.Module{
			Name: "trace",
			Funcs: map[string]engine.HostFunc{
				"mark": func(args []any) (any, error) {
					s, err := engine.ArgString(args, 0)
					if err != nil {
						return nil, err
					}
					tr.mu.Lock()
					tr.marks = append(tr.marks, s)
					tr.mu.Unlock()
					return nil, nil
				},
			},
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func (tr *trace) list() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.marks...)
}

type fakePolicies map[string]Policy

func (f fakePolicies) Policy(_ context.Context, id string) (Policy, error) {
	return f[id], nil
}

func newTestManager(t *testing.T, root string, opts ...ManagerOption) (*Manager, *trace) {
	t.Helper()
	tr := &trace{}

	set, err := engine.NewSet(lua.New(lua.WithModuleRegistry(tr.registry(t))), js.New())
	if err != nil {
		t.Fatal(err)
	}
	reg := sandbox.NewRegistry(sandbox.WithEngines(set))

	config := ManagerConfig{
		PluginPaths:   []string{root},
		DefaultBudget: security.DefaultBudget(),
		SafeModules:   append(security.DefaultSafeModules(), "trace"),
	}
	m := NewManager(config, append([]ManagerOption{WithRegistry(reg)}, opts...)...)

	t.Cleanup(func() {
		m.UnloadAll(context.Background())
		reg.Close()
	})
	return m, tr
}

func manifestJSON(t *testing.T, id string, deps ...string) string {
	t.Helper()
	if deps == nil {
		deps = []string{}
	}
	data, err := json.Marshal(map[string]any{
		"plugin_id":    id,
		"name":         id,
		"version":      "1.0.0",
		"dependencies": deps,
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// luaPlugin marks mark when its chunk runs; activate runs body.
func luaPlugin(mark, body string) string {
	return `require("trace").mark("` + mark + `")
local P = {}
function P:activate(app) ` + body + ` end
function P:deactivate() return true end
plugin.register(P)
`
}

func addLuaPlugin(t *testing.T, root, id, body string, deps ...string) string {
	t.Helper()
	return writePlugin(t, root, id, manifestJSON(t, id, deps...), map[string]string{
		"main.lua": luaPlugin(id, body),
	})
}

func TestManagerLoadDependenciesFirst(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "app", "return true", "ui")
	addLuaPlugin(t, root, "ui", "return true", "core")
	addLuaPlugin(t, root, "core", "return true")

	m, tr := newTestManager(t, root)
	ctx := context.Background()

	if err := m.Load(ctx, "app"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := []string{"core", "ui", "app"}
	if got := tr.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("entry points ran in %v, want %v", got, want)
	}
	if got := m.Loaded(); !reflect.DeepEqual(got, want) {
		t.Errorf("Loaded() = %v, want %v", got, want)
	}
	for _, id := range want {
		if m.State(id) != StateLoaded {
			t.Errorf("State(%s) = %v", id, m.State(id))
		}
	}

	// Loading again is a no-op
	if err := m.Load(ctx, "app"); err != nil {
		t.Errorf("second Load() error = %v", err)
	}
	if len(tr.list()) != 3 {
		t.Errorf("second Load() re-ran entry points: %v", tr.list())
	}
}

func TestManagerLoadCycleBeforeAnyCode(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "a", "return true", "b")
	addLuaPlugin(t, root, "b", "return true", "a")

	m, tr := newTestManager(t, root)

	err := m.Load(context.Background(), "a")
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("Load() error = %v, want *CycleError", err)
	}
	if !reflect.DeepEqual(ce.Path, []string{"a", "b", "a"}) {
		t.Errorf("cycle path = %v", ce.Path)
	}
	if len(tr.list()) != 0 {
		t.Errorf("plugin code ran despite the cycle: %v", tr.list())
	}

	// The descriptor stays visible with the failure recorded
	if m.State("a") != StateError {
		t.Errorf("State(a) = %v, want error", m.State("a"))
	}
	info, ok := m.Info("a")
	if !ok || info.Descriptor == nil || !errors.Is(info.Error, ErrCyclicDependency) {
		t.Errorf("Info(a) = %+v, %v", info, ok)
	}
	if m.IsLoaded("a") || m.IsLoaded("b") {
		t.Error("cyclic plugins marked loaded")
	}
}

func TestManagerLoadMissingDependency(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "a", "return true", "ghost")

	m, tr := newTestManager(t, root)

	err := m.Load(context.Background(), "a")
	if !errors.Is(err, ErrDependencyNotFound) {
		t.Errorf("Load() error = %v, want ErrDependencyNotFound", err)
	}
	if len(tr.list()) != 0 {
		t.Errorf("plugin code ran: %v", tr.list())
	}
}

func TestManagerLoadNotFound(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())

	err := m.Load(context.Background(), "nope")
	if !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("Load() error = %v, want ErrPluginNotFound", err)
	}
	if m.State("nope") != StateUnknown {
		t.Errorf("State() = %v, want unknown", m.State("nope"))
	}
}

func TestManagerLoadWithoutDependencies(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "a", "return true", "b")
	addLuaPlugin(t, root, "b", "return true")

	m, tr := newTestManager(t, root)
	ctx := context.Background()

	if err := m.Load(ctx, "a", WithoutDependencies()); !errors.Is(err, ErrDependencyNotFound) {
		t.Fatalf("Load() error = %v, want ErrDependencyNotFound", err)
	}
	if len(tr.list()) != 0 {
		t.Fatalf("plugin code ran: %v", tr.list())
	}

	if err := m.Load(ctx, "b", WithoutDependencies()); err != nil {
		t.Fatal(err)
	}
	if err := m.Load(ctx, "a", WithoutDependencies()); err != nil {
		t.Errorf("Load() with dependency loaded error = %v", err)
	}
}

func TestManagerEntryPointError(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "bad", manifestJSON(t, "bad"), map[string]string{"main.lua": "error('boom')"})

	m, _ := newTestManager(t, root)

	err := m.Load(context.Background(), "bad")
	if !errors.Is(err, sandbox.ErrSandbox) {
		t.Errorf("Load() error = %v, want ErrSandbox", err)
	}
	if m.State("bad") != StateError {
		t.Errorf("State() = %v, want error", m.State("bad"))
	}
	if m.Registry().IsRegistered("bad") {
		t.Error("failed plugin left registry configuration behind")
	}
	if len(m.Errors()) != 1 {
		t.Errorf("Errors() = %v", m.Errors())
	}
}

func TestManagerActivateNeverLoaded(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "a", "return true")

	m, _ := newTestManager(t, root)
	ctx := context.Background()

	if err := m.Activate(ctx, "a"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Activate() error = %v, want ErrNotLoaded", err)
	}
	if err := m.Deactivate(ctx, "a"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Deactivate() error = %v, want ErrNotLoaded", err)
	}
	if err := m.Unload(ctx, "a"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Unload() error = %v, want ErrNotLoaded", err)
	}
}

func TestManagerActivateLifecycle(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "a", "return app ~= nil")

	m, _ := newTestManager(t, root, WithApp("host"))
	ctx := context.Background()

	if err := m.Load(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Deactivate(ctx, "a"); err != nil {
		t.Errorf("Deactivate() of inactive plugin error = %v", err)
	}
	if err := m.Activate(ctx, "a"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if !m.IsActive("a") || !m.IsLoaded("a") {
		t.Error("active plugin must be both loaded and active")
	}
	if err := m.Activate(ctx, "a"); err != nil {
		t.Errorf("second Activate() error = %v", err)
	}
	if got := m.Active(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Active() = %v", got)
	}

	if err := m.Deactivate(ctx, "a"); err != nil {
		t.Fatalf("Deactivate() error = %v", err)
	}
	if m.State("a") != StateLoaded {
		t.Errorf("State() = %v, want loaded", m.State("a"))
	}
}

func TestManagerActivateRefused(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "shy", "return false")
	addLuaPlugin(t, root, "thrower", "error('nope')")

	m, _ := newTestManager(t, root)
	ctx := context.Background()

	for _, id := range []string{"shy", "thrower"} {
		if err := m.Load(ctx, id); err != nil {
			t.Fatal(err)
		}
		if err := m.Activate(ctx, id); !errors.Is(err, ErrActivationFailed) {
			t.Errorf("Activate(%s) error = %v, want ErrActivationFailed", id, err)
		}
		if m.State(id) != StateLoaded {
			t.Errorf("State(%s) = %v, want loaded", id, m.State(id))
		}
	}
}

func TestManagerActivateDeadline(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "spin", "while true do end")

	m, _ := newTestManager(t, root)
	m.config.DefaultBudget.MaxCPUTime = 100 * time.Millisecond
	ctx := context.Background()

	if err := m.Load(ctx, "spin"); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err := m.Activate(ctx, "spin")
	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Errorf("Activate() error = %v, want ErrDeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Activate() took %v", elapsed)
	}
	if m.IsActive("spin") {
		t.Error("timed out plugin marked active")
	}
}

func TestManagerUnloadActive(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "a", "return true")

	m, _ := newTestManager(t, root)
	ctx := context.Background()

	var events []ManagerEventType
	m.Subscribe(func(ev ManagerEvent) { events = append(events, ev.Type) })

	if err := m.Load(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Unload(ctx, "a"); err != nil {
		t.Fatalf("Unload() error = %v", err)
	}

	want := []ManagerEventType{EventPluginLoaded, EventPluginActivated, EventPluginDeactivated, EventPluginUnloaded}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
	if m.State("a") != StateUnloaded {
		t.Errorf("State() = %v, want unloaded", m.State("a"))
	}
	if _, ok := m.Descriptor("a"); ok {
		t.Error("descriptor kept after unload")
	}
	if m.Registry().IsRegistered("a") {
		t.Error("sandbox configuration kept after unload")
	}
	if len(m.Loaded()) != 0 {
		t.Errorf("Loaded() = %v", m.Loaded())
	}
}

func TestManagerUnloadWithDependents(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "app", "return true", "core")
	addLuaPlugin(t, root, "core", "return true")

	m, _ := newTestManager(t, root)
	ctx := context.Background()

	if err := m.Load(ctx, "app"); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(ctx, "core"); err != nil {
		t.Fatal(err)
	}
	if err := m.Unload(ctx, "core"); !errors.Is(err, ErrHasDependents) {
		t.Errorf("Unload(core) error = %v, want ErrHasDependents", err)
	}
	if !m.IsLoaded("core") {
		t.Error("core unloaded despite dependents")
	}
	if !m.IsActive("core") {
		t.Error("refused unload deactivated core")
	}

	if errs := m.UnloadAll(ctx); len(errs) != 0 {
		t.Errorf("UnloadAll() = %v", errs)
	}
	if len(m.Loaded()) != 0 {
		t.Errorf("Loaded() after UnloadAll = %v", m.Loaded())
	}
}

func TestManagerReloadReactivates(t *testing.T) {
	root := t.TempDir()
	dir := addLuaPlugin(t, root, "a", "return true")

	m, tr := newTestManager(t, root)
	ctx := context.Background()

	if err := m.Load(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "main.lua"), []byte(luaPlugin("a-v2", "return true")), 0644); err != nil {
		t.Fatal(err)
	}

	var reloaded bool
	m.Subscribe(func(ev ManagerEvent) {
		if ev.Type == EventPluginReloaded && ev.Plugin == "a" {
			reloaded = true
		}
	})

	if err := m.Reload(ctx, "a"); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if !m.IsActive("a") {
		t.Error("plugin not reactivated after reload")
	}
	if got := tr.list(); !reflect.DeepEqual(got, []string{"a", "a-v2"}) {
		t.Errorf("marks = %v", got)
	}
	if !reloaded {
		t.Error("no reloaded event")
	}
}

func TestManagerReloadFailureDropsDependents(t *testing.T) {
	root := t.TempDir()
	dir := addLuaPlugin(t, root, "core", "return true")
	addLuaPlugin(t, root, "ui", "return true", "core")
	addLuaPlugin(t, root, "app", "return true", "ui")
	addLuaPlugin(t, root, "other", "return true")

	m, _ := newTestManager(t, root)
	ctx := context.Background()

	for _, id := range []string{"app", "other"} {
		if err := m.Load(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Activate(ctx, "app"); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "main.lua"), []byte("local = broken"), 0644); err != nil {
		t.Fatal(err)
	}
	err := m.Reload(ctx, "core")
	if err == nil {
		t.Fatal("Reload() with broken entry point succeeded")
	}

	if got := m.State("core"); got != StateError {
		t.Errorf("State(core) = %v, want %v", got, StateError)
	}
	for _, id := range []string{"ui", "app"} {
		if m.IsLoaded(id) {
			t.Errorf("%s still loaded without its dependency", id)
		}
	}
	if !m.IsLoaded("other") {
		t.Error("unrelated plugin was unloaded")
	}
	if got := m.Loaded(); !reflect.DeepEqual(got, []string{"other"}) {
		t.Errorf("Loaded() = %v", got)
	}
}

func TestManagerReloadNotLoaded(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "a", "return true")

	m, _ := newTestManager(t, root)

	if err := m.Reload(context.Background(), "a"); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if !m.IsLoaded("a") || m.IsActive("a") {
		t.Errorf("State() = %v, want loaded", m.State("a"))
	}
}

func TestManagerAllOperations(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "good", "return true")
	addLuaPlugin(t, root, "shy", "return false")
	addLuaPlugin(t, root, "orphan", "return true", "ghost")

	m, _ := newTestManager(t, root)
	ctx := context.Background()

	loadErrs := m.LoadAll(ctx)
	if len(loadErrs) != 1 || !errors.Is(loadErrs["orphan"], ErrDependencyNotFound) {
		t.Errorf("LoadAll() = %v", loadErrs)
	}

	actErrs := m.ActivateAll(ctx)
	if len(actErrs) != 1 || !errors.Is(actErrs["shy"], ErrActivationFailed) {
		t.Errorf("ActivateAll() = %v", actErrs)
	}
	if got := m.Active(); !reflect.DeepEqual(got, []string{"good"}) {
		t.Errorf("Active() = %v", got)
	}

	if errs := m.DeactivateAll(ctx); len(errs) != 0 {
		t.Errorf("DeactivateAll() = %v", errs)
	}
	if len(m.Active()) != 0 {
		t.Errorf("Active() after DeactivateAll = %v", m.Active())
	}
}

func TestManagerPolicyOverrides(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "p", `{"plugin_id":"p","name":"p","version":"1","permissions":["network","bogus"]}`,
		map[string]string{"main.lua": luaPlugin("p", "return true")})
	addLuaPlugin(t, root, "off", "return true")

	strict := security.StrictBudget()
	policies := fakePolicies{
		"p":   {Granted: []string{"file_read"}, Revoked: []string{"network"}, Allowed: []string{"os"}, Budget: &strict},
		"off": {Disabled: true},
	}

	m, _ := newTestManager(t, root, WithPolicySource(policies))
	ctx := context.Background()

	if err := m.Load(ctx, "p"); err != nil {
		t.Fatal(err)
	}
	info, ok := m.Info("p")
	if !ok {
		t.Fatal("Info() not found")
	}
	if !reflect.DeepEqual(info.Permissions, []string{"file_read"}) {
		t.Errorf("Permissions = %v", info.Permissions)
	}
	if info.Budget != strict {
		t.Errorf("Budget = %+v, want strict", info.Budget)
	}
	found := false
	for _, mod := range info.Modules {
		found = found || mod == "os"
	}
	if !found {
		t.Errorf("Modules = %v, want os allowed", info.Modules)
	}
	if info.LoadTime.IsZero() {
		t.Error("LoadTime not set")
	}

	if err := m.Load(ctx, "off"); !errors.Is(err, security.ErrPermissionDenied) {
		t.Errorf("Load(off) error = %v, want ErrPermissionDenied", err)
	}
}

func TestManagerIncompatibleVersion(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "old", `{"plugin_id":"old","name":"old","version":"1","max_app_version":"0.5"}`,
		map[string]string{"main.lua": luaPlugin("old", "return true")})

	m, tr := newTestManager(t, root)
	m.config.AppVersion = "1.0.0"

	if err := m.Load(context.Background(), "old"); !errors.Is(err, ErrIncompatibleVersion) {
		t.Errorf("Load() error = %v, want ErrIncompatibleVersion", err)
	}
	if len(tr.list()) != 0 {
		t.Error("incompatible plugin ran")
	}
}

func TestManagerJSPlugin(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "jsp", manifestJSON(t, "jsp"), map[string]string{
		"main.js": `plugin.register({ activate(app) { return app === 42 } })`,
	})

	m, _ := newTestManager(t, root, WithApp(42))
	ctx := context.Background()

	if err := m.Load(ctx, "jsp"); err != nil {
		t.Fatal(err)
	}
	if err := m.Activate(ctx, "jsp"); err != nil {
		t.Errorf("Activate() error = %v", err)
	}
}

func TestManagerStateDiscovered(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "a", "return true")

	m, _ := newTestManager(t, root)
	if _, err := m.Discover(); err != nil {
		t.Fatal(err)
	}
	if m.State("a") != StateDiscovered {
		t.Errorf("State() = %v, want discovered", m.State("a"))
	}
	info, ok := m.Info("a")
	if !ok || info.State != StateDiscovered || info.Descriptor.ID != "a" {
		t.Errorf("Info() = %+v, %v", info, ok)
	}
}

func TestManagerSubscribePanicRecovered(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "a", "return true")

	m, _ := newTestManager(t, root)

	var got []string
	m.Subscribe(func(ManagerEvent) { panic("handler bug") })
	unsubscribe := m.Subscribe(func(ev ManagerEvent) { got = append(got, ev.Plugin) })

	if err := m.Load(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("handler after panicking one saw %v", got)
	}

	unsubscribe()
	if err := m.Activate(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("unsubscribed handler still called: %v", got)
	}
}

func TestManagerLoadOrder(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "a", "return true", "b")
	addLuaPlugin(t, root, "b", "return true")

	m, tr := newTestManager(t, root)

	order, err := m.LoadOrder("a")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(order, []string{"b", "a"}) {
		t.Errorf("LoadOrder() = %v", order)
	}
	if len(tr.list()) != 0 || len(m.Loaded()) != 0 {
		t.Error("LoadOrder() loaded plugins")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateUnknown:    "unknown",
		StateDiscovered: "discovered",
		StateLoaded:     "loaded",
		StateActive:     "active",
		StateUnloaded:   "unloaded",
		StateError:      "error",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}
