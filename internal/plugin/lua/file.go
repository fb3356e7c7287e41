package lua

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/plughost/internal/plugin/security"
)

const fileTypeName = "plughost.file"

// file is the userdata behind a guest file handle.
type file struct {
	h  *security.Handle
	rd *bufio.Reader
}

func registerFileType(L *lua.LState) {
	mt := L.NewTypeMetatable(fileTypeName)
	methods := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"read":  fileRead,
		"write": fileWrite,
		"lines": fileLines,
		"close": fileClose,
	})
	L.SetField(mt, "__index", methods)
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		f := checkFile(L)
		L.Push(lua.LString("file (" + f.h.Path() + ")"))
		return 1
	}))
}

func newFile(L *lua.LState, h *security.Handle) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = &file{h: h, rd: bufio.NewReader(h)}
	L.SetMetatable(ud, L.GetTypeMetatable(fileTypeName))
	return ud
}

func checkFile(L *lua.LState) *file {
	ud := L.CheckUserData(1)
	f, ok := ud.Value.(*file)
	if !ok {
		L.ArgError(1, "file expected")
		return nil
	}
	return f
}

// fileRead implements f:read(fmt). Supported formats are "a" (rest of the
// file), "l" (next line, the default) and "n" (a number), with or without
// the leading '*'.
func fileRead(L *lua.LState) int {
	f := checkFile(L)
	format := strings.TrimPrefix(L.OptString(2, "l"), "*")

	switch format {
	case "a":
		b, err := io.ReadAll(f.rd)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(lua.LString(b))
	case "l":
		line, ok := readLine(f.rd)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(line))
	case "n":
		line, ok := readLine(f.rd)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if err != nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(n))
	default:
		L.ArgError(2, "invalid format")
		return 0
	}
	return 1
}

func readLine(rd *bufio.Reader) (string, bool) {
	line, err := rd.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

// fileWrite implements f:write(...), returning the file.
func fileWrite(L *lua.LState) int {
	f := checkFile(L)
	for i := 2; i <= L.GetTop(); i++ {
		if _, err := io.WriteString(f.h, L.ToStringMeta(L.Get(i)).String()); err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
	}
	L.Push(L.Get(1))
	return 1
}

// fileLines implements f:lines(), an iterator over the remaining lines.
func fileLines(L *lua.LState) int {
	f := checkFile(L)
	L.Push(L.NewFunction(func(L *lua.LState) int {
		line, ok := readLine(f.rd)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(line))
		return 1
	}))
	return 1
}

func fileClose(L *lua.LState) int {
	f := checkFile(L)
	if err := f.h.Close(); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}
