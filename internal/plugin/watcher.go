package plugin

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/plughost/internal/logging"
)

// DefaultReloadDelay is how long a plugin directory must stay quiet before
// the plugin is reloaded.
const DefaultReloadDelay = 250 * time.Millisecond

// Watcher reloads loaded plugins when files in their directories change.
type Watcher struct {
	mu sync.Mutex

	manager *Manager
	watcher *fsnotify.Watcher
	logger  *logging.Logger
	delay   time.Duration

	// Watched plugin directories
	dirs map[string]string // dir -> plugin ID
	ids  map[string]string // plugin ID -> dir

	// Debounce timers by plugin ID
	pending map[string]*time.Timer

	unsubscribe func()

	// Lifecycle
	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup

	// reload is swapped in tests
	reload func(ctx context.Context, id string) error
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithReloadDelay sets the debounce delay.
func WithReloadDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.delay = d
	}
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(l *logging.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l
	}
}

// NewWatcher watches every loaded plugin and follows the manager's load
// and unload events.
func NewWatcher(m *Manager, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		manager: m,
		watcher: fsw,
		logger:  logging.Nop(),
		delay:   DefaultReloadDelay,
		dirs:    make(map[string]string),
		ids:     make(map[string]string),
		pending: make(map[string]*time.Timer),
		closeCh: make(chan struct{}),
		reload:  m.Reload,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.WithComponent("watcher")

	for _, id := range m.Loaded() {
		w.track(id)
	}
	w.unsubscribe = m.Subscribe(w.handleManagerEvent)

	w.closedWg.Add(1)
	go w.processLoop()

	return w, nil
}

// handleManagerEvent keeps the watch list in step with loaded plugins. A
// plugin unloaded by a reload stays watched, so a failed reload is retried
// on the next change.
func (w *Watcher) handleManagerEvent(ev ManagerEvent) {
	switch ev.Type {
	case EventPluginLoaded:
		w.track(ev.Plugin)
	case EventPluginUnloaded:
		if !ev.Reloading {
			w.untrack(ev.Plugin)
		}
	}
}

// track starts watching id's directory.
func (w *Watcher) track(id string) {
	d, ok := w.manager.Descriptor(id)
	if !ok || d.Dir == "" {
		return
	}
	dir, err := filepath.Abs(d.Dir)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, watching := w.dirs[dir]; watching {
		w.ids[id] = dir
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		w.logger.Warn("watch %s: %v", dir, err)
		return
	}
	w.dirs[dir] = id
	w.ids[id] = dir
}

// untrack stops watching id's directory.
func (w *Watcher) untrack(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir, ok := w.ids[id]
	if !ok || w.closed {
		return
	}
	delete(w.ids, id)
	delete(w.dirs, dir)
	_ = w.watcher.Remove(dir)
}

// WatchedPlugins returns the IDs of watched plugins.
func (w *Watcher) WatchedPlugins() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.ids))
	for id := range w.ids {
		ids = append(ids, id)
	}
	return ids
}

// processLoop handles incoming fsnotify events.
func (w *Watcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ev)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error: %v", err)
		}
	}
}

// handleFSEvent schedules a reload of the plugin owning the changed file.
func (w *Watcher) handleFSEvent(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}

	// Editors write swap and backup files next to the source
	base := filepath.Base(ev.Name)
	if base == "" || base[0] == '.' || base[len(base)-1] == '~' {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	id, ok := w.dirs[filepath.Dir(ev.Name)]
	if !ok || w.closed {
		return
	}

	// Coalesce bursts into one reload
	if t, exists := w.pending[id]; exists {
		t.Reset(w.delay)
		return
	}
	w.pending[id] = time.AfterFunc(w.delay, func() {
		w.fire(id)
	})
}

// fire reloads id once its directory has settled.
func (w *Watcher) fire(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	closed, reload := w.closed, w.reload
	w.mu.Unlock()
	if closed {
		return
	}

	w.logger.Info("reloading %s", id)
	if err := reload(context.Background(), id); err != nil {
		w.logger.Error("reload %s: %v", id, err)
	}
}

// Close stops the watcher. Pending reloads are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	for id, t := range w.pending {
		t.Stop()
		delete(w.pending, id)
	}
	w.mu.Unlock()

	if w.unsubscribe != nil {
		w.unsubscribe()
	}

	// Wait for processLoop to finish
	w.closedWg.Wait()

	return w.watcher.Close()
}
