package js

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plughost/internal/plugin/engine"
	"github.com/dshills/plughost/internal/plugin/security"
)

func writePlugin(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.js")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func load(t *testing.T, src string, guard *security.Guard) (engine.Instance, error) {
	t.Helper()
	if guard == nil {
		guard = security.NewGuard("demo", security.DefaultBudget())
	}
	inst, err := New().Load(context.Background(), engine.LoadSpec{
		PluginID: "demo",
		Path:     writePlugin(t, src),
		Guard:    guard,
	})
	if inst != nil {
		t.Cleanup(func() { inst.Close() })
	}
	return inst, err
}

func TestEngineRegisterClass(t *testing.T) {
	inst, err := load(t, `
		class Demo {
			constructor() { this.app = null; }
			activate(app) { this.app = app; return app !== undefined && app.Name === "host"; }
			deactivate() { this.app = null; return true; }
		}
		plugin.register(Demo);
	`, nil)
	require.NoError(t, err)
	assert.True(t, inst.HasDeactivate())

	type app struct{ Name string }
	ok, err := inst.Activate(context.Background(), &app{Name: "host"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = inst.Deactivate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngineRegisterObject(t *testing.T) {
	inst, err := load(t, `plugin.register({ activate() { return false; } });`, nil)
	require.NoError(t, err)

	ok, err := inst.Activate(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.False(t, inst.HasDeactivate())
	ok, err = inst.Deactivate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngineModuleExports(t *testing.T) {
	inst, err := load(t, `module.exports = function() { return { activate: () => plugin.id === "demo" }; };`, nil)
	require.NoError(t, err)

	ok, err := inst.Activate(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngineDynamicCodeRemoved(t *testing.T) {
	inst, err := load(t, `
		function throws(fn) {
			try { fn(); return false; } catch (e) { return true; }
		}
		var results = [
			typeof eval === "undefined",
			typeof Function === "undefined",
			throws(function () { return eval("1"); }),
			throws(function () { return (function () {}).constructor("return 1")(); }),
			throws(function () { return (function* () {}).constructor("yield 1"); }),
			throws(function () { return (async function () {}).constructor("return 1"); }),
			throws(function () { return (() => 0).constructor.call(null, "return 1"); }),
		];
		plugin.register({ activate: () => results.every(Boolean) });
	`, nil)
	require.NoError(t, err)

	ok, err := inst.Activate(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok, "guest could still compile code at run time")
}

func TestEngineEvalFailsLoad(t *testing.T) {
	_, err := load(t, `var x = eval("6*7"); plugin.register({ activate: () => x === 42 });`, nil)
	assert.Error(t, err)
}

func TestEngineNoRegistration(t *testing.T) {
	_, err := load(t, `var x = 1;`, nil)
	assert.ErrorIs(t, err, engine.ErrNoRegistration)
}

func TestEngineNoActivate(t *testing.T) {
	_, err := load(t, `plugin.register({ name: "x" });`, nil)
	assert.ErrorIs(t, err, engine.ErrNoActivate)
}

func TestEngineDoubleRegister(t *testing.T) {
	_, err := load(t, `
		const p = { activate() { return true; } };
		plugin.register(p);
		plugin.register(p);
	`, nil)
	var guestErr *engine.GuestError
	require.ErrorAs(t, err, &guestErr)
	assert.Equal(t, "load", guestErr.Phase)
}

func TestEngineActivateThrows(t *testing.T) {
	inst, err := load(t, `plugin.register({ activate() { throw new Error("nope"); } });`, nil)
	require.NoError(t, err)

	ok, err := inst.Activate(context.Background(), nil)
	assert.False(t, ok)
	var guestErr *engine.GuestError
	require.ErrorAs(t, err, &guestErr)
	assert.Equal(t, "activate", guestErr.Phase)
}

func TestEngineActivateDeadline(t *testing.T) {
	inst, err := load(t, `plugin.register({ activate() { for (;;) {} } });`, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	ok, err := inst.Activate(ctx, nil)
	assert.False(t, ok)
	assert.ErrorIs(t, err, engine.ErrDeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The runtime is usable again once the interrupt is cleared.
	ok, err = inst.Deactivate(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngineLoadDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New().Load(ctx, engine.LoadSpec{
		PluginID: "demo",
		Path:     writePlugin(t, `while (true) {}`),
		Guard:    security.NewGuard("demo", security.DefaultBudget()),
	})
	assert.ErrorIs(t, err, engine.ErrDeadlineExceeded)
}

func TestEngineRequire(t *testing.T) {
	inst, err := load(t, `
		const json = require("json");
		const util = require("util");
		const ns = require("plugins.demo");
		const ok = json.__name__ === "json" &&
			json.encode({ a: 1 }) === '{"a":1}' &&
			util.trim("  x ") === "x" &&
			ns.id === "demo" &&
			require("math") === Math;
		plugin.register({ activate() { return ok; } });
	`, nil)
	require.NoError(t, err)

	ok, err := inst.Activate(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngineRequireDenied(t *testing.T) {
	_, err := load(t, `require("os"); plugin.register({ activate() { return true; } });`, nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "os"))

	guard := security.NewGuard("demo", security.DefaultBudget())
	guard.AllowModule("os")
	_, err = load(t, `require("os"); plugin.register({ activate() { return true; } });`, guard)
	assert.NoError(t, err)
}

func TestEngineOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\n"), 0o644))

	src := `
		const f = open(` + "`" + filepath.ToSlash(path) + "`" + `);
		const first = f.readLine();
		const rest = f.read();
		f.close();
		plugin.register({ activate() { return first === "one" && rest === "two\n"; } });
	`

	_, err := load(t, src, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, security.ErrPermissionDenied) || strings.Contains(err.Error(), "file_read"))

	guard := security.NewGuard("demo", security.DefaultBudget())
	guard.Grant(security.PermFileRead)
	inst, err := load(t, src, guard)
	require.NoError(t, err)

	ok, err := inst.Activate(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, guard.OpenHandles())
}

func TestEngineCloseReleasesHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	guard := security.NewGuard("demo", security.DefaultBudget())
	guard.Grant(security.PermFileRead)
	inst, err := load(t, `
		const f = open(`+"`"+filepath.ToSlash(path)+"`"+`, "r");
		plugin.register({ activate() { return true; } });
	`, guard)
	require.NoError(t, err)
	assert.Equal(t, 1, guard.OpenHandles())

	require.NoError(t, inst.Close())
	assert.Equal(t, 0, guard.OpenHandles())

	_, err = inst.Activate(context.Background(), nil)
	assert.ErrorIs(t, err, engine.ErrClosed)
}
