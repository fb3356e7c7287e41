package lua

import (
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/plughost/internal/plugin/engine"
)

// Sandbox restricts a Lua state to the plugin's grants.
//
// It strips globals that reach the file system or the loader, replaces
// require with a version gated by the plugin's module allow-list, and
// exposes file access only through the guard.
type Sandbox struct {
	L       *lua.LState
	bridge  *Bridge
	spec    engine.LoadSpec
	modules *engine.ModuleRegistry

	loaded map[string]lua.LValue
}

// NewSandbox creates a sandbox for the Lua state.
func NewSandbox(L *lua.LState, bridge *Bridge, spec engine.LoadSpec, modules *engine.ModuleRegistry) *Sandbox {
	return &Sandbox{
		L:       L,
		bridge:  bridge,
		spec:    spec,
		modules: modules,
		loaded:  make(map[string]lua.LValue),
	}
}

// dangerousGlobals reach the file system, the loader or function
// environments.
var dangerousGlobals = []string{
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"module",
	"getfenv",
	"setfenv",
	"collectgarbage",
	"newproxy",
	"_printregs",
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	for _, name := range dangerousGlobals {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.installPrint()
	s.installRequire()
	s.installOpen()
}

// installPrint routes print to the plugin's logger.
func (s *Sandbox) installPrint() {
	s.L.SetGlobal("print", s.L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, n)
		for i := 1; i <= n; i++ {
			parts[i-1] = L.ToStringMeta(L.Get(i)).String()
		}
		if s.spec.Logger != nil {
			s.spec.Logger.WithPlugin(s.spec.PluginID).Info("%s", strings.Join(parts, "\t"))
		}
		return 0
	}))
}

// installRequire replaces require with a version that consults the
// plugin's module allow-list before resolving a module. Modules never come
// from disk.
func (s *Sandbox) installRequire() {
	s.L.SetGlobal("require", s.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		mod, err := s.require(name)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(mod)
		return 1
	}))
}

func (s *Sandbox) require(name string) (lua.LValue, error) {
	if err := s.spec.Guard.CheckImport(name); err != nil {
		return nil, err
	}
	if mod, ok := s.loaded[name]; ok {
		return mod, nil
	}

	var mod *lua.LTable
	switch {
	case name == s.spec.Namespace():
		mod = s.L.NewTable()
		mod.RawSetString("id", lua.LString(s.spec.PluginID))
	case name == lua.StringLibName || name == lua.TabLibName || name == lua.MathLibName:
		t, ok := s.L.GetGlobal(name).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("module %q not found", name)
		}
		s.loaded[name] = t
		return t, nil
	default:
		m, ok := s.modules.Open(name, s.spec)
		if !ok {
			return nil, fmt.Errorf("module %q not found", name)
		}
		mod = s.bridge.ModuleTable(m)
	}

	mod.RawSetString("_NAME", lua.LString(name))
	s.loaded[name] = mod
	return mod, nil
}

// installOpen exposes the guarded open as both open and io.open.
func (s *Sandbox) installOpen() {
	registerFileType(s.L)

	open := s.L.NewFunction(func(L *lua.LState) int {
		path := L.CheckString(1)
		mode := L.OptString(2, "r")
		h, err := s.spec.Guard.Open(path, mode)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(newFile(L, h))
		return 1
	})

	s.L.SetGlobal("open", open)
	io := s.L.NewTable()
	io.RawSetString("open", open)
	s.L.SetGlobal("io", io)
}

// closeFiles closes every handle the guest left open.
func (s *Sandbox) closeFiles() {
	s.spec.Guard.CloseAll()
}
