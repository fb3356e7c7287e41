package js

import (
	"bufio"
	"io"
	"strings"

	"github.com/dop251/goja"

	"github.com/dshills/plughost/internal/plugin/security"
)

// newFile wraps a guarded handle as a JavaScript object with read,
// readLine, write and close methods.
func newFile(vm *goja.Runtime, h *security.Handle) *goja.Object {
	rd := bufio.NewReader(h)
	obj := vm.NewObject()

	_ = obj.Set("path", h.Path())
	_ = obj.Set("mode", h.Mode())

	_ = obj.Set("read", func(goja.FunctionCall) goja.Value {
		b, err := io.ReadAll(rd)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(string(b))
	})

	_ = obj.Set("readLine", func(goja.FunctionCall) goja.Value {
		line, err := rd.ReadString('\n')
		if err != nil && line == "" {
			return goja.Null()
		}
		return vm.ToValue(strings.TrimRight(line, "\r\n"))
	})

	_ = obj.Set("write", func(call goja.FunctionCall) goja.Value {
		n := 0
		for _, a := range call.Arguments {
			w, err := io.WriteString(h, a.String())
			n += w
			if err != nil {
				panic(vm.NewGoError(err))
			}
		}
		return vm.ToValue(n)
	})

	_ = obj.Set("close", func(goja.FunctionCall) goja.Value {
		if err := h.Close(); err != nil {
			panic(vm.NewGoError(err))
		}
		return goja.Undefined()
	})

	return obj
}
