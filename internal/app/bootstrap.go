package app

import (
	"context"
	"time"

	"github.com/dshills/plughost/internal/logging"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/engine"
	"github.com/dshills/plughost/internal/plugin/js"
	"github.com/dshills/plughost/internal/plugin/lua"
	"github.com/dshills/plughost/internal/plugin/policystore"
	"github.com/dshills/plughost/internal/plugin/sandbox"
	"github.com/dshills/plughost/internal/plugin/wasm"
)

// Component names, in construction order.
const (
	componentLogger   = "logger"
	componentMetrics  = "metrics"
	componentEngines  = "engines"
	componentRegistry = "registry"
	componentStore    = "store"
	componentManager  = "manager"
	componentWatcher  = "watcher"
	componentServer   = "server"
)

// bootstrapper handles component initialization with proper cleanup on failure.
type bootstrapper struct {
	app *Application
}

func newBootstrapper(app *Application) *bootstrapper {
	return &bootstrapper{app: app}
}

// bootstrap initializes all components in dependency order.
// On failure, it cleans up already-initialized components.
func (b *bootstrapper) bootstrap() error {
	steps := []func() error{
		b.initLogger,
		b.initMetrics,
		b.initEngines,
		b.initRegistry,
		b.initStore,
		b.initManager,
		b.initWatcher,
		b.initServer,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			b.cleanupAll(ctx)
			cancel()
			return err
		}
	}
	return nil
}

func (b *bootstrapper) initLogger() error {
	if b.app.opts.Logger != nil {
		b.app.logger = b.app.opts.Logger
	} else {
		cfg := logging.DefaultConfig()
		cfg.Level = logging.ParseLevel(b.app.cfg.LogLevel)
		cfg.Format = b.app.cfg.LogFormat
		b.app.logger = logging.New(cfg)
	}
	b.app.initOrder = append(b.app.initOrder, componentLogger)
	return nil
}

func (b *bootstrapper) initMetrics() error {
	b.app.metrics = NewMetrics()
	b.app.initOrder = append(b.app.initOrder, componentMetrics)
	return nil
}

// initEngines builds one engine per guest language over a shared module
// registry.
func (b *bootstrapper) initEngines() error {
	modules := b.app.opts.Modules
	if modules == nil {
		modules = engine.DefaultModules()
	}
	set, err := engine.NewSet(
		lua.New(lua.WithModuleRegistry(modules)),
		js.New(js.WithModuleRegistry(modules)),
		wasm.New(wasm.WithModuleRegistry(modules)),
	)
	if err != nil {
		return &InitError{Component: componentEngines, Err: err}
	}
	b.app.engines = set
	b.app.logger.Debug("engines: %v", set.Names())
	b.app.initOrder = append(b.app.initOrder, componentEngines)
	return nil
}

func (b *bootstrapper) initRegistry() error {
	b.app.registry = sandbox.NewRegistry(
		sandbox.WithEngines(b.app.engines),
		sandbox.WithLogger(b.app.logger),
		sandbox.WithObserver(b.app.metrics),
	)
	b.app.initOrder = append(b.app.initOrder, componentRegistry)
	return nil
}

// initStore opens the policy database. An empty path runs without
// persisted overrides.
func (b *bootstrapper) initStore() error {
	if b.app.cfg.PolicyDB == "" {
		return nil
	}
	store, err := policystore.Open(b.app.cfg.PolicyDB)
	if err != nil {
		return &InitError{Component: componentStore, Err: err}
	}
	b.app.store = store
	b.app.logger.Debug("policy store %s", b.app.cfg.PolicyDB)
	b.app.initOrder = append(b.app.initOrder, componentStore)
	return nil
}

func (b *bootstrapper) initManager() error {
	cfg := b.app.cfg

	paths := cfg.PluginPaths
	if len(paths) == 0 {
		paths = plugin.DefaultPluginPaths()
	}

	handle := b.app.opts.AppHandle
	if handle == nil {
		handle = "plughost/" + cfg.AppVersion
	}

	opts := []plugin.ManagerOption{
		plugin.WithRegistry(b.app.registry),
		plugin.WithLogger(b.app.logger),
		plugin.WithApp(handle),
	}
	if b.app.store != nil {
		opts = append(opts, plugin.WithPolicySource(b.app.store))
	}

	b.app.manager = plugin.NewManager(plugin.ManagerConfig{
		PluginPaths:   paths,
		DefaultBudget: cfg.DefaultBudget,
		SafeModules:   cfg.SafeModules,
		AppVersion:    cfg.AppVersion,
	}, opts...)
	b.app.unsubscribe = b.app.manager.Subscribe(b.app.metrics.Observe(b.app.manager))
	b.app.initOrder = append(b.app.initOrder, componentManager)
	return nil
}

func (b *bootstrapper) initWatcher() error {
	if !b.app.cfg.Watch {
		return nil
	}
	w, err := plugin.NewWatcher(b.app.manager, plugin.WithWatcherLogger(b.app.logger))
	if err != nil {
		return &InitError{Component: componentWatcher, Err: err}
	}
	b.app.watcher = w
	b.app.initOrder = append(b.app.initOrder, componentWatcher)
	return nil
}

func (b *bootstrapper) initServer() error {
	if b.app.cfg.MetricsAddr == "" {
		return nil
	}
	if err := b.app.listen(); err != nil {
		return &InitError{Component: componentServer, Err: err}
	}
	b.app.initOrder = append(b.app.initOrder, componentServer)
	return nil
}

// cleanupAll releases components in reverse initialization order.
func (b *bootstrapper) cleanupAll(ctx context.Context) {
	for i := len(b.app.initOrder) - 1; i >= 0; i-- {
		b.cleanupComponent(ctx, b.app.initOrder[i])
	}
	b.app.initOrder = nil
}

// cleanupComponent cleans up a single component.
func (b *bootstrapper) cleanupComponent(ctx context.Context, component string) {
	switch component {
	case componentServer:
		if b.app.server != nil {
			if err := b.app.server.Shutdown(ctx); err != nil {
				b.app.logger.Warn("metrics server shutdown: %v", err)
			}
		}
	case componentWatcher:
		if b.app.watcher != nil {
			_ = b.app.watcher.Close()
		}
	case componentManager:
		if b.app.unsubscribe != nil {
			b.app.unsubscribe()
			b.app.unsubscribe = nil
		}
	case componentStore:
		if b.app.store != nil {
			if err := b.app.store.Close(); err != nil {
				b.app.logger.Warn("policy store close: %v", err)
			}
		}
	case componentRegistry:
		if b.app.registry != nil {
			b.app.registry.Close()
		}
	case componentLogger:
		_ = b.app.logger.Sync()
	}
}
