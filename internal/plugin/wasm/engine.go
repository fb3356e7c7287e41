package wasm

import (
	"context"
	"fmt"
	"os"
	"sync"

	extism "github.com/extism/go-sdk"
	"github.com/tetratelabs/wazero"

	"github.com/dshills/plughost/internal/plugin/engine"
	"github.com/dshills/plughost/internal/plugin/security"
)

const (
	activateFunc   = "activate"
	deactivateFunc = "deactivate"
)

// Engine runs WebAssembly entry points.
type Engine struct {
	modules *engine.ModuleRegistry
}

// Option configures an Engine.
type Option func(*Engine)

// WithModuleRegistry sets the host modules reachable through plughost_call.
func WithModuleRegistry(r *engine.ModuleRegistry) Option {
	return func(e *Engine) {
		e.modules = r
	}
}

// New creates a WebAssembly engine.
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
func (e *Engine) Name() string { return "wasm" }

// Extensions implements engine.Engine.
func (e *Engine) Extensions() []string { return []string{".wasm"} }

// Load instantiates the module. Its start function runs under ctx.
func (e *Engine) Load(ctx context.Context, spec engine.LoadSpec) (engine.Instance, error) {
	wasmBytes, err := os.ReadFile(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("read entry point: %w", err)
	}

	env := &hostEnv{spec: spec, modules: e.modules}
	config := extism.PluginConfig{
		EnableWasi:    true,
		RuntimeConfig: wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
	}

	plugin, err := extism.NewPlugin(ctx, buildManifest(wasmBytes, spec.Guard), config, env.functions())
	if err != nil {
		return nil, engine.GuestFailure(ctx, spec.PluginID, "load", err)
	}

	if !plugin.FunctionExists(activateFunc) {
		plugin.Close(context.Background())
		return nil, engine.ErrNoActivate
	}

	return &instance{
		id:            spec.PluginID,
		guard:         spec.Guard,
		plugin:        plugin,
		hasDeactivate: plugin.FunctionExists(deactivateFunc),
	}, nil
}

// buildManifest maps the guard's grants onto an Extism manifest. Hosts
// are denied unless network is granted; no paths are preopened.
func buildManifest(wasm []byte, guard *security.Guard) extism.Manifest {
	m := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{Data: wasm},
		},
		Config: map[string]string{
			"plugin_id": guard.PluginID(),
		},
	}

	if guard.HasPermission(security.PermNetwork) {
		m.AllowedHosts = []string{"*"}
	}

	budget := guard.Budget()
	if pages := budget.MemoryPages(); pages > 0 {
		m.Memory = &extism.ManifestMemory{MaxPages: pages}
	}
	if d := budget.Deadline(); d > 0 {
		m.Timeout = uint64(d.Milliseconds())
	}
	return m
}

// functions builds the host functions bound to env.
func (env *hostEnv) functions() []extism.HostFunction {
	ptr := []extism.ValueType{extism.ValueTypePTR}
	ptr2 := []extism.ValueType{extism.ValueTypePTR, extism.ValueTypePTR}
	ptr3 := []extism.ValueType{extism.ValueTypePTR, extism.ValueTypePTR, extism.ValueTypePTR}

	logFn := extism.NewHostFunctionWithStack("plughost_log",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			msg, err := p.ReadString(stack[0])
			if err != nil {
				return
			}
			env.log(msg)
		}, ptr, nil)

	requireFn := extism.NewHostFunctionWithStack("plughost_require",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			name, err := p.ReadString(stack[0])
			if err == nil {
				err = env.require(name)
			}
			stack[0] = writeReply(p, encodeReply(`true`, err))
		}, ptr, ptr)

	callFn := extism.NewHostFunctionWithStack("plughost_call",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			args, err := readStrings(p, stack[:3])
			var result string
			if err == nil {
				result, err = env.call(args[0], args[1], args[2])
			}
			stack[0] = writeReply(p, encodeReply(result, err))
		}, ptr3, ptr)

	readFn := extism.NewHostFunctionWithStack("plughost_read_file",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			path, err := p.ReadString(stack[0])
			var data string
			if err == nil {
				data, err = env.readFile(path)
			}
			stack[0] = writeReply(p, encodeReply(quote(data), err))
		}, ptr, ptr)

	writeFn := extism.NewHostFunctionWithStack("plughost_write_file",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			args, err := readStrings(p, stack[:2])
			if err == nil {
				err = env.writeFile(args[0], args[1])
			}
			stack[0] = writeReply(p, encodeReply(`true`, err))
		}, ptr2, ptr)

	return []extism.HostFunction{logFn, requireFn, callFn, readFn, writeFn}
}

func readStrings(p *extism.CurrentPlugin, offsets []uint64) ([]string, error) {
	out := make([]string, len(offsets))
	for i, off := range offsets {
		s, err := p.ReadString(off)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func writeReply(p *extism.CurrentPlugin, s string) uint64 {
	off, err := p.WriteString(s)
	if err != nil {
		return 0
	}
	return off
}

// instance is a loaded WebAssembly plugin. Extism plugins are not safe
// for concurrent calls, so calls are serialized.
type instance struct {
	id            string
	guard         *security.Guard
	hasDeactivate bool

	mu     sync.Mutex
	plugin *extism.Plugin
	closed bool
}

// Activate implements engine.Instance.
func (i *instance) Activate(ctx context.Context, app any) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return false, engine.ErrClosed
	}

	rc, out, err := i.plugin.CallWithContext(ctx, activateFunc, appInput(app))
	if err != nil {
		return false, engine.GuestFailure(ctx, i.id, "activate", err)
	}
	// A non-zero return code refuses activation.
	if rc != 0 {
		return false, nil
	}
	return activated(out), nil
}

// Deactivate implements engine.Instance.
func (i *instance) Deactivate(ctx context.Context) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return false, engine.ErrClosed
	}
	if !i.hasDeactivate {
		return true, nil
	}

	rc, _, err := i.plugin.CallWithContext(ctx, deactivateFunc, nil)
	if err != nil {
		return false, engine.GuestFailure(ctx, i.id, "deactivate", err)
	}
	return rc == 0, nil
}

// HasDeactivate implements engine.Instance.
func (i *instance) HasDeactivate() bool { return i.hasDeactivate }

// Close implements engine.Instance.
func (i *instance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	i.guard.CloseAll()
	return i.plugin.Close(context.Background())
}

var _ engine.Engine = (*Engine)(nil)
