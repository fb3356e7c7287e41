package lua

import (
	"context"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/plughost/internal/plugin/engine"
)

// Engine runs Lua entry points.
type Engine struct {
	modules   *engine.ModuleRegistry
	queueSize int
}

// Option configures an Engine.
type Option func(*Engine)

// WithModuleRegistry sets the host modules available to require.
func WithModuleRegistry(r *engine.ModuleRegistry) Option {
	return func(e *Engine) {
		e.modules = r
	}
}

// WithExecutorQueue sets the per-plugin executor queue size.
func WithExecutorQueue(n int) Option {
	return func(e *Engine) {
		e.queueSize = n
	}
}

// New creates a Lua engine.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.modules == nil {
		e.modules = engine.DefaultModules()
	}
	return e
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return "lua" }

// Extensions implements engine.Engine.
func (e *Engine) Extensions() []string { return []string{".lua"} }

// Load runs the entry point in a fresh sandboxed state and resolves the
// plugin object it registered.
func (e *Engine) Load(ctx context.Context, spec engine.LoadSpec) (engine.Instance, error) {
	state := NewState(WithSpec(spec), WithModules(e.modules), WithQueueSize(e.queueSize))

	var registered lua.LValue = lua.LNil
	err := state.Execute(ctx, func(L *lua.LState) error {
		installPluginGlobal(L, spec, &registered)
		return nil
	})
	if err != nil {
		state.Close()
		return nil, engine.GuestFailure(ctx, spec.PluginID, "load", err)
	}

	results, err := state.DoFile(ctx, spec.Path, lua.LString(spec.Namespace()))
	if err != nil {
		state.Close()
		return nil, engine.GuestFailure(ctx, spec.PluginID, "load", err)
	}

	candidate := registered
	if candidate == lua.LNil && len(results) > 0 {
		candidate = results[0]
	}

	var obj *lua.LTable
	err = state.Execute(ctx, func(L *lua.LState) error {
		var err error
		obj, err = instantiate(L, candidate)
		return err
	})
	if err != nil {
		state.Close()
		if err == engine.ErrNoRegistration || err == engine.ErrNoActivate {
			return nil, err
		}
		return nil, engine.GuestFailure(ctx, spec.PluginID, "load", err)
	}

	inst := &instance{
		id:    spec.PluginID,
		state: state,
		obj:   obj,
	}
	_ = state.Execute(ctx, func(L *lua.LState) error {
		_, inst.hasDeactivate = L.GetField(obj, "deactivate").(*lua.LFunction)
		return nil
	})
	return inst, nil
}

// installPluginGlobal exposes plugin.id, plugin.namespace and
// plugin.register. register accepts one object; a second call raises.
func installPluginGlobal(L *lua.LState, spec engine.LoadSpec, registered *lua.LValue) {
	t := L.NewTable()
	t.RawSetString("id", lua.LString(spec.PluginID))
	t.RawSetString("namespace", lua.LString(spec.Namespace()))
	t.RawSetString("register", L.NewFunction(func(L *lua.LState) int {
		v := L.CheckAny(1)
		if *registered != lua.LNil {
			L.RaiseError("%s", engine.ErrAlreadyRegistered.Error())
			return 0
		}
		*registered = v
		return 0
	}))
	L.SetGlobal("plugin", t)
}

// instantiate turns the registered value into the plugin object. A table
// with a new function is a class and is instantiated with no arguments;
// any other table must carry activate itself. A function is called as a
// factory.
func instantiate(L *lua.LState, v lua.LValue) (*lua.LTable, error) {
	switch val := v.(type) {
	case *lua.LTable:
		if ctor, ok := L.GetField(val, "new").(*lua.LFunction); ok {
			return construct(L, ctor, val)
		}
		if _, ok := L.GetField(val, "activate").(*lua.LFunction); ok {
			return val, nil
		}
		return nil, engine.ErrNoActivate
	case *lua.LFunction:
		return construct(L, val)
	default:
		return nil, engine.ErrNoRegistration
	}
}

func construct(L *lua.LState, ctor *lua.LFunction, args ...lua.LValue) (*lua.LTable, error) {
	results, err := pcall(L, ctor, args...)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, engine.ErrNoRegistration
	}
	obj, ok := results[0].(*lua.LTable)
	if !ok {
		return nil, engine.ErrNoRegistration
	}
	if _, ok := L.GetField(obj, "activate").(*lua.LFunction); !ok {
		return nil, engine.ErrNoActivate
	}
	return obj, nil
}

// instance is a registered Lua plugin object.
type instance struct {
	id            string
	state         *State
	obj           *lua.LTable
	hasDeactivate bool

	closeOnce sync.Once
}

// Activate implements engine.Instance.
func (i *instance) Activate(ctx context.Context, app any) (bool, error) {
	if i.state.IsClosed() {
		return false, engine.ErrClosed
	}
	results, err := i.state.CallMethod(ctx, i.obj, "activate", app)
	if err != nil {
		return false, engine.GuestFailure(ctx, i.id, "activate", err)
	}
	return len(results) > 0 && lua.LVAsBool(results[0]), nil
}

// Deactivate implements engine.Instance.
func (i *instance) Deactivate(ctx context.Context) (bool, error) {
	if i.state.IsClosed() {
		return false, engine.ErrClosed
	}
	if !i.hasDeactivate {
		return true, nil
	}
	if _, err := i.state.CallMethod(ctx, i.obj, "deactivate"); err != nil {
		return false, engine.GuestFailure(ctx, i.id, "deactivate", err)
	}
	return true, nil
}

// HasDeactivate implements engine.Instance.
func (i *instance) HasDeactivate() bool { return i.hasDeactivate }

// Close implements engine.Instance.
func (i *instance) Close() error {
	var err error
	i.closeOnce.Do(func() {
		err = i.state.Close()
	})
	return err
}

var _ engine.Engine = (*Engine)(nil)
