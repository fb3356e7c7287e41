package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/plughost/internal/plugin/security"
)

func call(t *testing.T, mod Module, fn string, args ...any) any {
	t.Helper()
	f, ok := mod.Funcs[fn]
	require.True(t, ok, "function %s.%s missing", mod.Name, fn)
	out, err := f(args)
	require.NoError(t, err)
	return out
}

func TestDefaultModulesList(t *testing.T) {
	r := DefaultModules()
	assert.Equal(t, []string{"base64", "json", "log", "os", "re", "time", "util", "uuid"}, r.List())
	assert.True(t, r.Has("json"))
	assert.False(t, r.Has("socket"))

	_, ok := r.Open("socket", LoadSpec{})
	assert.False(t, ok)

	assert.Error(t, r.Register("json", jsonModule))
}

func TestJSONModule(t *testing.T) {
	mod, ok := DefaultModules().Open("json", LoadSpec{})
	require.True(t, ok)
	assert.Equal(t, "json", mod.Name)

	decoded := call(t, mod, "decode", `{"name":"alpha","n":3,"ratio":0.5,"tags":["a","b"]}`)
	m, ok := decoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "alpha", m["name"])
	assert.Equal(t, int64(3), m["n"])
	assert.Equal(t, 0.5, m["ratio"])
	assert.Equal(t, []any{"a", "b"}, m["tags"])

	assert.Equal(t, `{"a":1}`, call(t, mod, "encode", map[string]any{"a": int64(1)}))
	assert.Equal(t, "b", call(t, mod, "get", `{"tags":["a","b"]}`, "tags.1"))
	assert.Nil(t, call(t, mod, "get", `{}`, "missing"))
	assert.Equal(t, false, call(t, mod, "valid", `{`))
	assert.Equal(t, `{"a":1,"b":"x"}`, call(t, mod, "set", `{"a":1}`, "b", "x"))
	assert.Equal(t, `{"a":1}`, call(t, mod, "delete", `{"a":1,"b":2}`, "b"))

	_, err := mod.Funcs["decode"]([]any{"{"})
	assert.Error(t, err)
}

func TestUtilModule(t *testing.T) {
	mod, _ := DefaultModules().Open("util", LoadSpec{})

	assert.Equal(t, []any{"a", "b", "c"}, call(t, mod, "split", "a,b,c", ","))
	assert.Equal(t, "x", call(t, mod, "trim", "  x \n"))
	assert.Equal(t, true, call(t, mod, "starts_with", "plughost", "plug"))
	assert.Equal(t, false, call(t, mod, "ends_with", "plughost", "plug"))
	assert.Equal(t, []any{"one", "two"}, call(t, mod, "lines", "one\r\ntwo"))
	assert.Equal(t, "a-b", call(t, mod, "join", []any{"a", "b"}, "-"))
	assert.Equal(t, []any{"x", "y"}, call(t, mod, "keys", map[string]any{"y": 1, "x": 2}))

	_, err := mod.Funcs["trim"]([]any{int64(4)})
	assert.Error(t, err)
}

func TestOSModuleGetenvNeedsSystem(t *testing.T) {
	t.Setenv("PLUGHOST_TEST_VAR", "visible")

	g := security.NewGuard("envy", security.DefaultBudget())
	mod, _ := DefaultModules().Open("os", LoadSpec{PluginID: "envy", Guard: g})

	_, err := mod.Funcs["getenv"]([]any{"PLUGHOST_TEST_VAR"})
	assert.True(t, errors.Is(err, security.ErrPermissionDenied))

	g.Grant(security.PermSystem)
	assert.Equal(t, "visible", call(t, mod, "getenv", "PLUGHOST_TEST_VAR"))
	assert.Nil(t, call(t, mod, "getenv", "PLUGHOST_TEST_UNSET_VAR"))
}

func TestBase64AndUUIDModules(t *testing.T) {
	r := DefaultModules()
	b64, _ := r.Open("base64", LoadSpec{})
	enc := call(t, b64, "encode", "hello")
	assert.Equal(t, "aGVsbG8=", enc)
	assert.Equal(t, "hello", call(t, b64, "decode", enc))

	u, _ := r.Open("uuid", LoadSpec{})
	id := call(t, u, "new")
	assert.Equal(t, true, call(t, u, "valid", id))
	assert.Equal(t, false, call(t, u, "valid", "nope"))
}

func TestTimeModule(t *testing.T) {
	mod, _ := DefaultModules().Open("time", LoadSpec{})
	assert.Equal(t, "1970-01-01T00:00:10Z", call(t, mod, "format", int64(10)))
	assert.Equal(t, int64(10), call(t, mod, "parse", "1970-01-01T00:00:10Z"))
}

func TestReModule(t *testing.T) {
	mod, _ := DefaultModules().Open("re", LoadSpec{})
	assert.Equal(t, true, call(t, mod, "match", `^v\d+$`, "v12"))
	assert.Equal(t, []any{"key=val", "key", "val"}, call(t, mod, "find", `(\w+)=(\w+)`, "a key=val b"))
	assert.Nil(t, call(t, mod, "find", `\d`, "none"))
	assert.Equal(t, []any{"1", "22"}, call(t, mod, "find_all", `\d+`, "a1b22"))
	assert.Equal(t, "x-y", call(t, mod, "replace", `(\w)_(\w)`, "x_y", "$1-$2"))
	assert.Equal(t, []any{"a", "b", "c"}, call(t, mod, "split", `\s*,\s*`, "a , b,c"))
	assert.Equal(t, true, call(t, mod, "glob", "*.lua", "main.lua"))

	_, err := mod.Funcs["match"]([]any{"(", "x"})
	assert.Error(t, err)
}
