package js

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/dshills/plughost/internal/plugin/engine"
)

// builtinModules maps module names to ECMAScript globals require can return.
var builtinModules = map[string]string{
	"math":   "Math",
	"string": "String",
}

// runtime owns one goja.Runtime and serializes every call into it.
type runtime struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	closed bool

	spec    engine.LoadSpec
	modules *engine.ModuleRegistry
	loaded  map[string]goja.Value

	registered goja.Value
}

func newRuntime(spec engine.LoadSpec, modules *engine.ModuleRegistry) *runtime {
	r := &runtime{
		vm:      goja.New(),
		spec:    spec,
		modules: modules,
		loaded:  make(map[string]goja.Value),
	}
	r.install()
	return r
}

// run executes fn with ctx bound to the runtime. When ctx ends the script
// is interrupted; the interrupt is cleared before run returns.
func (r *runtime) run(ctx context.Context, fn func() error) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return engine.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		r.vm.Interrupt(engine.ErrDeadlineExceeded)
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
		}
		r.vm.ClearInterrupt()
	}()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("javascript panic: %v", p)
		}
	}()
	return fn()
}

// install sets up the globals the guest sees.
func (r *runtime) install() {
	vm := r.vm

	p := vm.NewObject()
	_ = p.Set("id", r.spec.PluginID)
	_ = p.Set("namespace", r.spec.Namespace())
	_ = p.Set("register", func(call goja.FunctionCall) goja.Value {
		v := call.Argument(0)
		if goja.IsUndefined(v) || goja.IsNull(v) {
			panic(vm.NewTypeError("register expects a plugin object"))
		}
		if r.registered != nil {
			panic(vm.NewGoError(engine.ErrAlreadyRegistered))
		}
		r.registered = v
		return goja.Undefined()
	})
	_ = vm.Set("plugin", p)

	module := vm.NewObject()
	exports := vm.NewObject()
	_ = module.Set("exports", exports)
	_ = vm.Set("module", module)
	_ = vm.Set("exports", exports)

	_ = vm.Set("require", func(call goja.FunctionCall) goja.Value {
		mod, err := r.require(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return mod
	})

	_ = vm.Set("open", func(call goja.FunctionCall) goja.Value {
		mode := "r"
		if m := call.Argument(1); !goja.IsUndefined(m) {
			mode = m.String()
		}
		h, err := r.spec.Guard.Open(call.Argument(0).String(), mode)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return newFile(vm, h)
	})

	console := vm.NewObject()
	for _, level := range []string{"log", "debug", "info", "warn", "error"} {
		_ = console.Set(level, r.consoleFunc(level))
	}
	_ = vm.Set("console", console)
	_ = vm.Set("print", r.consoleFunc("log"))

	r.lockdown()
}

// sealConstructors replaces the constructor of every function prototype.
const sealConstructors = `(function (stub) {
	var protos = [
		Function.prototype,
		Object.getPrototypeOf(function* () {}),
		Object.getPrototypeOf(async function () {}),
	];
	for (var i = 0; i < protos.length; i++) {
		Object.defineProperty(protos[i], "constructor", {
			value: stub, writable: false, enumerable: false, configurable: false,
		});
	}
})`

// lockdown removes every way for the guest to compile source at run time:
// the eval and Function globals and the constructors reachable from
// function values.
func (r *runtime) lockdown() {
	vm := r.vm
	stub := vm.ToValue(func(goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("dynamic code evaluation is not allowed"))
	})

	seal, err := vm.RunString(sealConstructors)
	if err != nil {
		panic(fmt.Sprintf("js lockdown: %v", err))
	}
	fn, ok := goja.AssertFunction(seal)
	if !ok {
		panic("js lockdown: seal is not a function")
	}
	if _, err := fn(goja.Undefined(), stub); err != nil {
		panic(fmt.Sprintf("js lockdown: %v", err))
	}

	global := vm.GlobalObject()
	_ = global.Delete("eval")
	_ = global.Delete("Function")
}

func (r *runtime) consoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if r.spec.Logger == nil {
			return goja.Undefined()
		}
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		msg := strings.Join(parts, " ")
		log := r.spec.Logger.WithPlugin(r.spec.PluginID)
		switch level {
		case "debug":
			log.Debug("%s", msg)
		case "warn":
			log.Warn("%s", msg)
		case "error":
			log.Error("%s", msg)
		default:
			log.Info("%s", msg)
		}
		return goja.Undefined()
	}
}

// require resolves a module after the guard allows it.
func (r *runtime) require(name string) (goja.Value, error) {
	if err := r.spec.Guard.CheckImport(name); err != nil {
		return nil, err
	}
	if mod, ok := r.loaded[name]; ok {
		return mod, nil
	}

	if global, ok := builtinModules[name]; ok {
		mod := r.vm.Get(global)
		r.loaded[name] = mod
		return mod, nil
	}

	obj := r.vm.NewObject()
	if name == r.spec.Namespace() {
		_ = obj.Set("id", r.spec.PluginID)
	} else {
		m, ok := r.modules.Open(name, r.spec)
		if !ok {
			return nil, fmt.Errorf("module %q not found", name)
		}
		for fname, fn := range m.Funcs {
			_ = obj.Set(fname, r.wrapHostFunc(fn))
		}
		for vname, v := range m.Values {
			_ = obj.Set(vname, v)
		}
	}
	_ = obj.Set("__name__", name)

	r.loaded[name] = obj
	return obj, nil
}

// wrapHostFunc adapts a host function to JavaScript. Errors are thrown.
func (r *runtime) wrapHostFunc(fn engine.HostFunc) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		result, err := fn(args)
		if err != nil {
			panic(r.vm.NewGoError(err))
		}
		if result == nil {
			return goja.Null()
		}
		return r.vm.ToValue(result)
	}
}

// close marks the runtime closed, interrupting a running call first.
func (r *runtime) close() {
	r.vm.Interrupt(engine.ErrClosed)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.spec.Guard.CloseAll()
}

func (r *runtime) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
