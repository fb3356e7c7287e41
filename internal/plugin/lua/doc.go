// Package lua runs Lua plugins on gopher-lua.
//
// Each plugin gets a private LState opened with only the base, table,
// string and math libraries. Code loading primitives (dofile, loadfile,
// load, loadstring, module) and environment access (getfenv, setfenv) are
// removed, print is routed to the plugin logger, and require and open are
// replaced with gated versions backed by the plugin's security.Guard.
//
// # Entry point
//
// The entry point registers its plugin object explicitly:
//
//	local json = require("json")
//
//	local P = {}
//	P.__index = P
//
//	function P.new()
//	    return setmetatable({ started = false }, P)
//	end
//
//	function P:activate(app)
//	    self.started = true
//	    return true
//	end
//
//	function P:deactivate()
//	    return true
//	end
//
//	plugin.register(P)
//
// A registered table with a new function is treated as a class and
// instantiated with no arguments; any other table is used as the object.
// When register is never called, a table returned by the chunk is used.
// Methods are invoked with colon syntax, so activate receives self first.
//
// # Execution
//
// gopher-lua's LState is not goroutine-safe, so every call is funneled
// through an Executor goroutine. Calls carry a context that is installed on
// the state for the duration of the call, which stops the VM at the next
// instruction once the deadline passes.
package lua
