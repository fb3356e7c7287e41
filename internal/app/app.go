// Package app wires configuration, logging, engines, the sandbox registry,
// the policy store, the plugin manager, hot reload and metrics into one
// host process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/plughost/internal/config"
	"github.com/dshills/plughost/internal/logging"
	"github.com/dshills/plughost/internal/plugin"
	"github.com/dshills/plughost/internal/plugin/engine"
	"github.com/dshills/plughost/internal/plugin/policystore"
	"github.com/dshills/plughost/internal/plugin/sandbox"
)

// Application errors.
var (
	// ErrAlreadyRunning indicates Run was called twice.
	ErrAlreadyRunning = errors.New("application already running")

	// ErrClosed indicates the application has been shut down.
	ErrClosed = errors.New("application closed")
)

// InitError reports a component that failed to start.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	return "init " + e.Component + ": " + e.Err.Error()
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// Options configures New.
type Options struct {
	// Config is the resolved configuration. Nil selects config.DefaultConfig.
	Config *config.Config

	// Logger overrides the logger built from Config.
	Logger *logging.Logger

	// Modules are the host modules exposed to every engine. Nil selects
	// engine.DefaultModules.
	Modules *engine.ModuleRegistry

	// AppHandle is passed to every activate call. Nil selects a
	// "plughost/<version>" string.
	AppHandle any

	// ShutdownTimeout bounds Shutdown. Zero selects five seconds.
	ShutdownTimeout time.Duration
}

// Application is a running plugin host.
type Application struct {
	cfg     config.Config
	opts    Options
	logger  *logging.Logger
	metrics *Metrics
	engines *engine.Set

	registry *sandbox.Registry
	store    *policystore.Store
	manager  *plugin.Manager
	watcher  *plugin.Watcher

	server    *http.Server
	serverErr chan error

	unsubscribe func()
	initOrder   []string

	running atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// New builds every component. On failure the components already built are
// released.
func New(opts Options) (*Application, error) {
	cfg := config.DefaultConfig()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, &InitError{Component: "config", Err: err}
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}

	app := &Application{
		cfg:  cfg,
		opts: opts,
		done: make(chan struct{}),
	}
	if err := newBootstrapper(app).bootstrap(); err != nil {
		return nil, err
	}
	return app, nil
}

// Config returns the configuration the application was built with.
func (app *Application) Config() config.Config { return app.cfg }

// Logger returns the application logger.
func (app *Application) Logger() *logging.Logger { return app.logger }

// Manager returns the plugin manager.
func (app *Application) Manager() *plugin.Manager { return app.manager }

// Registry returns the sandbox registry.
func (app *Application) Registry() *sandbox.Registry { return app.registry }

// Store returns the policy store, or nil when PolicyDB is empty.
func (app *Application) Store() *policystore.Store { return app.store }

// Metrics returns the prometheus collectors.
func (app *Application) Metrics() *Metrics { return app.metrics }

// Watcher returns the hot reload watcher, or nil when Watch is off.
func (app *Application) Watcher() *plugin.Watcher { return app.watcher }

// MetricsAddr returns the address the metrics server listens on, or ""
// when it is not running.
func (app *Application) MetricsAddr() string {
	if app.server == nil {
		return ""
	}
	return app.server.Addr
}

// Start discovers plugins, loads every discovered plugin and activates the
// loaded ones. Per-plugin failures are logged and returned; they do not
// stop the others.
func (app *Application) Start(ctx context.Context) map[string]error {
	failures := make(map[string]error)

	if _, err := app.manager.Discover(); err != nil {
		app.logger.Warn("discovery: %v", err)
	}
	for dir, err := range app.manager.Loader().Errors() {
		app.logger.Warn("skipping %s: %v", dir, err)
	}

	for id, err := range app.manager.LoadAll(ctx) {
		failures[id] = err
	}
	for id, err := range app.manager.ActivateAll(ctx) {
		failures[id] = err
	}

	app.logger.Info("%d plugins loaded, %d active", len(app.manager.Loaded()), len(app.manager.Active()))
	return failures
}

// Run starts the application and blocks until ctx is cancelled or the
// metrics server fails, then shuts down.
func (app *Application) Run(ctx context.Context) error {
	if app.closed.Load() {
		return ErrClosed
	}
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	for id, err := range app.Start(ctx) {
		app.logger.Error("plugin %s: %v", id, err)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case <-app.done:
	case err := <-app.serverErr:
		runErr = fmt.Errorf("metrics server: %w", err)
	}

	app.Shutdown()
	return runErr
}

// Shutdown deactivates and unloads every plugin, then releases components
// in reverse construction order. It is safe to call more than once.
func (app *Application) Shutdown() {
	app.once.Do(func() {
		app.closed.Store(true)
		close(app.done)

		ctx, cancel := context.WithTimeout(context.Background(), app.opts.ShutdownTimeout)
		defer cancel()

		if app.manager != nil {
			for id, err := range app.manager.UnloadAll(ctx) {
				app.logger.Warn("unload %s: %v", id, err)
			}
		}
		newBootstrapper(app).cleanupAll(ctx)
	})
}

// listen starts the metrics server in the background.
func (app *Application) listen() error {
	ln, err := net.Listen("tcp", app.cfg.MetricsAddr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	app.server = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	app.serverErr = make(chan error, 1)
	go func() {
		if err := app.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.serverErr <- err
		}
	}()
	app.logger.Info("serving metrics on http://%s/metrics", app.server.Addr)
	return nil
}
