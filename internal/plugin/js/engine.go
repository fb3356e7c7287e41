package js

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dop251/goja"

	"github.com/dshills/plughost/internal/plugin/engine"
)

// Engine runs JavaScript entry points.
type Engine struct {
	modules *engine.ModuleRegistry
}

// Option configures an Engine.
type Option func(*Engine)

// WithModuleRegistry sets the host modules available to require.
func WithModuleRegistry(r *engine.ModuleRegistry) Option {
	return func(e *Engine) {
		e.modules = r
	}
}

// New creates a JavaScript engine.
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
func (e *Engine) Name() string { return "javascript" }

// Extensions implements engine.Engine.
func (e *Engine) Extensions() []string { return []string{".js"} }

// Load runs the entry point in a fresh runtime and resolves the plugin
// object it registered.
func (e *Engine) Load(ctx context.Context, spec engine.LoadSpec) (engine.Instance, error) {
	src, err := os.ReadFile(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("read entry point: %w", err)
	}

	r := newRuntime(spec, e.modules)

	var obj *goja.Object
	err = r.run(ctx, func() error {
		if _, err := r.vm.RunScript(spec.Path, string(src)); err != nil {
			return err
		}
		var err error
		obj, err = r.instantiate()
		return err
	})
	if err != nil {
		r.close()
		if errors.Is(err, engine.ErrNoRegistration) || errors.Is(err, engine.ErrNoActivate) {
			return nil, err
		}
		return nil, engine.GuestFailure(ctx, spec.PluginID, "load", err)
	}

	inst := &instance{
		id:  spec.PluginID,
		rt:  r,
		obj: obj,
	}
	_, inst.hasDeactivate = goja.AssertFunction(obj.Get("deactivate"))
	return inst, nil
}

// instantiate resolves the plugin object from plugin.register, falling
// back to module.exports.
func (r *runtime) instantiate() (*goja.Object, error) {
	v := r.registered
	if v == nil {
		exported := r.vm.Get("module").ToObject(r.vm).Get("exports")
		if !exportsPlugin(exported) {
			return nil, engine.ErrNoRegistration
		}
		v = exported
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return nil, engine.ErrNoActivate
	}
	if _, ok := goja.AssertFunction(obj.Get("activate")); ok {
		return obj, nil
	}

	var created goja.Value
	if _, ok := goja.AssertConstructor(obj); ok {
		o, err := r.vm.New(obj)
		if err != nil {
			return nil, err
		}
		created = o
	} else if factory, ok := goja.AssertFunction(obj); ok {
		res, err := factory(goja.Undefined())
		if err != nil {
			return nil, err
		}
		created = res
	} else {
		return nil, engine.ErrNoActivate
	}

	inst, ok := created.(*goja.Object)
	if !ok {
		return nil, engine.ErrNoActivate
	}
	if _, ok := goja.AssertFunction(inst.Get("activate")); !ok {
		return nil, engine.ErrNoActivate
	}
	return inst, nil
}

// exportsPlugin reports whether module.exports looks like a plugin.
func exportsPlugin(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	if _, ok := goja.AssertFunction(obj); ok {
		return true
	}
	_, ok = goja.AssertFunction(obj.Get("activate"))
	return ok
}

// instance is a registered JavaScript plugin object.
type instance struct {
	id            string
	rt            *runtime
	obj           *goja.Object
	hasDeactivate bool
}

// Activate implements engine.Instance.
func (i *instance) Activate(ctx context.Context, app any) (bool, error) {
	var result bool
	err := i.rt.run(ctx, func() error {
		fn, ok := goja.AssertFunction(i.obj.Get("activate"))
		if !ok {
			return engine.ErrNoActivate
		}
		var arg goja.Value = goja.Undefined()
		if app != nil {
			arg = i.rt.vm.ToValue(app)
		}
		v, err := fn(i.obj, arg)
		if err != nil {
			return err
		}
		result = v.ToBoolean()
		return nil
	})
	if err != nil {
		if errors.Is(err, engine.ErrClosed) {
			return false, err
		}
		return false, engine.GuestFailure(ctx, i.id, "activate", err)
	}
	return result, nil
}

// Deactivate implements engine.Instance.
func (i *instance) Deactivate(ctx context.Context) (bool, error) {
	if !i.hasDeactivate {
		if i.rt.isClosed() {
			return false, engine.ErrClosed
		}
		return true, nil
	}
	err := i.rt.run(ctx, func() error {
		fn, ok := goja.AssertFunction(i.obj.Get("deactivate"))
		if !ok {
			return nil
		}
		_, err := fn(i.obj)
		return err
	})
	if err != nil {
		if errors.Is(err, engine.ErrClosed) {
			return false, err
		}
		return false, engine.GuestFailure(ctx, i.id, "deactivate", err)
	}
	return true, nil
}

// HasDeactivate implements engine.Instance.
func (i *instance) HasDeactivate() bool { return i.hasDeactivate }

// Close implements engine.Instance.
func (i *instance) Close() error {
	i.rt.close()
	return nil
}

var _ engine.Engine = (*Engine)(nil)
