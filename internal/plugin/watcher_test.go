package plugin

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestWatcherReloadsChangedPlugin(t *testing.T) {
	root := t.TempDir()
	dir := addLuaPlugin(t, root, "a", "return true")

	m, tr := newTestManager(t, root)
	ctx := context.Background()
	if err := m.Load(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(m, WithReloadDelay(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	if got := w.WatchedPlugins(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("WatchedPlugins() = %v", got)
	}

	reloaded := make(chan struct{}, 1)
	m.Subscribe(func(ev ManagerEvent) {
		if ev.Type == EventPluginReloaded {
			select {
			case reloaded <- struct{}{}:
			default:
			}
		}
	})

	if err := os.WriteFile(filepath.Join(dir, "main.lua"), []byte(luaPlugin("a-edited", "return true")), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("plugin was not reloaded")
	}

	marks := tr.list()
	if marks[len(marks)-1] != "a-edited" {
		t.Errorf("marks = %v, want edited code last", marks)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatcherRecoversFromBrokenEdit(t *testing.T) {
	root := t.TempDir()
	dir := addLuaPlugin(t, root, "hot", "return true")

	m, tr := newTestManager(t, root)
	ctx := context.Background()
	if err := m.Load(ctx, "hot"); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(m, WithReloadDelay(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	main := filepath.Join(dir, "main.lua")
	if err := os.WriteFile(main, []byte("local = broken"), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "failed reload", func() bool { return m.State("hot") == StateError })

	if got := w.WatchedPlugins(); !reflect.DeepEqual(got, []string{"hot"}) {
		t.Fatalf("WatchedPlugins() after broken edit = %v", got)
	}

	if err := os.WriteFile(main, []byte(luaPlugin("hot-fixed", "return true")), 0644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reload after fix", func() bool { return m.IsLoaded("hot") })

	marks := tr.list()
	if marks[len(marks)-1] != "hot-fixed" {
		t.Errorf("marks = %v, want fixed code last", marks)
	}
}

func TestWatcherCoalescesBursts(t *testing.T) {
	root := t.TempDir()
	dir := addLuaPlugin(t, root, "a", "return true")

	m, _ := newTestManager(t, root)
	if err := m.Load(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}

	w, err := NewWatcher(m, WithReloadDelay(200*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	calls := make(chan string, 10)
	w.mu.Lock()
	w.reload = func(_ context.Context, id string) error {
		calls <- id
		return nil
	}
	w.mu.Unlock()

	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(dir, "main.lua"), []byte(luaPlugin("a", "return true")), 0644); err != nil {
			t.Fatal(err)
		}
	}
	// Ignored: hidden and backup files
	if err := os.WriteFile(filepath.Join(dir, ".main.lua.swp"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-calls:
		if id != "a" {
			t.Errorf("reloaded %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}

	select {
	case id := <-calls:
		t.Errorf("burst caused a second reload of %q", id)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcherFollowsUnload(t *testing.T) {
	root := t.TempDir()
	addLuaPlugin(t, root, "a", "return true")

	m, _ := newTestManager(t, root)
	ctx := context.Background()

	w, err := NewWatcher(m)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if len(w.WatchedPlugins()) != 0 {
		t.Fatalf("WatchedPlugins() = %v before load", w.WatchedPlugins())
	}
	if err := m.Load(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if got := w.WatchedPlugins(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("WatchedPlugins() after load = %v", got)
	}
	if err := m.Unload(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if len(w.WatchedPlugins()) != 0 {
		t.Errorf("WatchedPlugins() after unload = %v", w.WatchedPlugins())
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
