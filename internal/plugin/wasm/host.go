package wasm

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/dshills/plughost/internal/plugin/engine"
)

// hostEnv implements the host functions against one plugin's guard.
type hostEnv struct {
	spec    engine.LoadSpec
	modules *engine.ModuleRegistry
}

func (h *hostEnv) log(msg string) {
	if h.spec.Logger != nil {
		h.spec.Logger.WithPlugin(h.spec.PluginID).Info("%s", msg)
	}
}

// require checks name against the allow-list and reports whether the host
// can serve it.
func (h *hostEnv) require(name string) error {
	if err := h.spec.Guard.CheckImport(name); err != nil {
		return err
	}
	if name == h.spec.Namespace() || h.modules.Has(name) {
		return nil
	}
	return fmt.Errorf("module %q not found", name)
}

// call invokes module.fn with a JSON array of arguments and returns the
// JSON-encoded result.
func (h *hostEnv) call(module, fn, args string) (string, error) {
	if err := h.require(module); err != nil {
		return "", err
	}
	m, ok := h.modules.Open(module, h.spec)
	if !ok {
		return "", fmt.Errorf("module %q not found", module)
	}
	f, ok := m.Funcs[fn]
	if !ok {
		return "", fmt.Errorf("module %q has no function %q", module, fn)
	}

	var goArgs []any
	if args != "" {
		if !gjson.Valid(args) {
			return "", fmt.Errorf("arguments are not valid JSON")
		}
		parsed := gjson.Parse(args)
		if !parsed.IsArray() {
			return "", fmt.Errorf("arguments must be a JSON array")
		}
		for _, a := range parsed.Array() {
			goArgs = append(goArgs, jsonValue(a))
		}
	}

	result, err := f(goArgs)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// jsonValue converts a gjson result, keeping integral numbers as int64.
func jsonValue(r gjson.Result) any {
	switch {
	case r.Type == gjson.Number && r.Num == float64(int64(r.Num)):
		return r.Int()
	case r.IsArray():
		var out []any
		for _, item := range r.Array() {
			out = append(out, jsonValue(item))
		}
		return out
	case r.IsObject():
		out := make(map[string]any)
		r.ForEach(func(k, v gjson.Result) bool {
			out[k.String()] = jsonValue(v)
			return true
		})
		return out
	default:
		return r.Value()
	}
}

func (h *hostEnv) readFile(path string) (string, error) {
	f, err := h.spec.Guard.Open(path, "r")
	if err != nil {
		return "", err
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *hostEnv) writeFile(path, data string) error {
	f, err := h.spec.Guard.Open(path, "w")
	if err != nil {
		return err
	}
	if _, err := io.WriteString(f, data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// activated interprets activate's output. Empty output means success.
func activated(output []byte) bool {
	switch string(output) {
	case "false", "0":
		return false
	default:
		return true
	}
}

// appInput returns the bytes handed to activate for app.
func appInput(app any) []byte {
	switch v := app.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return nil
	}
}

type reply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// encodeReply wraps a JSON result or an error for the guest.
func encodeReply(result string, err error) string {
	r := reply{}
	if err != nil {
		r.Error = err.Error()
	} else if result != "" {
		r.Result = json.RawMessage(result)
	}
	b, _ := json.Marshal(r)
	return string(b)
}

// quote encodes s as a JSON string.
func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
