package lua

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/plughost/internal/plugin/engine"
	"github.com/dshills/plughost/internal/plugin/security"
)

// State wraps gopher-lua with the sandbox and executor a plugin runs in.
//
// All Lua work goes through the executor goroutine; the exported methods are
// safe to call from any goroutine.
type State struct {
	L *lua.LState

	mu     sync.Mutex
	closed bool

	exec    *Executor
	bridge  *Bridge
	sandbox *Sandbox
}

type stateConfig struct {
	spec      engine.LoadSpec
	modules   *engine.ModuleRegistry
	queueSize int
}

// StateOption configures a State.
type StateOption func(*stateConfig)

// WithSpec sets the plugin the state is built for. The spec's guard gates
// require and open.
func WithSpec(spec engine.LoadSpec) StateOption {
	return func(c *stateConfig) {
		c.spec = spec
	}
}

// WithModules sets the host modules require can hand out.
func WithModules(modules *engine.ModuleRegistry) StateOption {
	return func(c *stateConfig) {
		c.modules = modules
	}
}

// WithQueueSize sets the executor queue size.
func WithQueueSize(n int) StateOption {
	return func(c *stateConfig) {
		c.queueSize = n
	}
}

// NewState creates a new sandboxed Lua state.
func NewState(opts ...StateOption) *State {
	cfg := stateConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.modules == nil {
		cfg.modules = engine.DefaultModules()
	}
	if cfg.spec.Guard == nil {
		cfg.spec.Guard = security.NewGuard(cfg.spec.PluginID, security.DefaultBudget())
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	openSafeLibraries(L)

	s := &State{
		L:      L,
		bridge: NewBridge(L),
	}
	s.sandbox = NewSandbox(L, s.bridge, cfg.spec, cfg.modules)
	s.sandbox.Install()
	s.exec = NewExecutor(L, cfg.queueSize)
	return s
}

// openSafeLibraries opens only safe Lua standard libraries.
func openSafeLibraries(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	// io, os, debug, channel, coroutine and package stay closed.
}

// Sandbox returns the state's sandbox.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// Bridge returns the state's value bridge. Use it only inside Execute.
func (s *State) Bridge() *Bridge {
	return s.bridge
}

// Execute runs fn on the state's goroutine under ctx.
func (s *State) Execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if s.IsClosed() {
		return ErrStateClosed
	}
	return s.exec.Execute(ctx, fn)
}

// DoFile compiles and runs a Lua file, passing args as the chunk's varargs,
// and returns the chunk's results.
func (s *State) DoFile(ctx context.Context, path string, args ...lua.LValue) ([]lua.LValue, error) {
	var results []lua.LValue
	err := s.Execute(ctx, func(L *lua.LState) error {
		fn, err := L.LoadFile(path)
		if err != nil {
			return err
		}
		results, err = pcall(L, fn, args...)
		return err
	})
	return results, err
}

// DoString compiles and runs Lua source.
func (s *State) DoString(ctx context.Context, code string) ([]lua.LValue, error) {
	var results []lua.LValue
	err := s.Execute(ctx, func(L *lua.LState) error {
		fn, err := L.LoadString(code)
		if err != nil {
			return err
		}
		results, err = pcall(L, fn)
		return err
	})
	return results, err
}

// CallMethod calls obj[method](obj, args...) and returns its results.
// Go arguments are converted inside the state's goroutine; values that are
// not plain data are passed as opaque userdata.
func (s *State) CallMethod(ctx context.Context, obj *lua.LTable, method string, args ...any) ([]lua.LValue, error) {
	var results []lua.LValue
	err := s.Execute(ctx, func(L *lua.LState) error {
		fn, ok := L.GetField(obj, method).(*lua.LFunction)
		if !ok {
			return fmt.Errorf("method %q not found", method)
		}
		largs := make([]lua.LValue, 0, len(args)+1)
		largs = append(largs, obj)
		for _, a := range args {
			largs = append(largs, s.bridge.Opaque(a))
		}
		var err error
		results, err = pcall(L, fn, largs...)
		return err
	})
	return results, err
}

// pcall calls fn in protected mode and collects every result.
func pcall(L *lua.LState, fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	top := L.GetTop()
	L.Push(fn)
	for _, a := range args {
		L.Push(a)
	}
	if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
		L.SetTop(top)
		return nil, err
	}

	n := L.GetTop() - top
	results := make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		results[i] = L.Get(top + i + 1)
	}
	L.SetTop(top)
	return results, nil
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the executor, closes every handle the guest left open and
// releases the Lua state. Further calls return nil.
func (s *State) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.exec.Close()
	s.sandbox.closeFiles()
	s.L.Close()
	return nil
}
