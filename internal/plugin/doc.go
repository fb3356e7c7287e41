// Package plugin discovers, resolves and manages sandboxed plugins.
//
// A plugin is a directory holding a manifest and an entry point written in
// Lua, JavaScript or WebAssembly. The manager resolves its declared
// dependencies, gives it an isolated runtime scoped by permissions and a
// resource budget, and drives it through activation and deactivation.
//
// # Quick Start
//
//	mgr := plugin.NewManager(plugin.DefaultManagerConfig(),
//	    plugin.WithRegistry(sandbox.NewRegistry(sandbox.WithEngines(engines))),
//	    plugin.WithApp(app),
//	)
//	if _, err := mgr.Discover(); err != nil {
//	    log.Fatal(err)
//	}
//	if err := mgr.Load(ctx, "greeter"); err != nil {
//	    log.Fatal(err)
//	}
//	if err := mgr.Activate(ctx, "greeter"); err != nil {
//	    log.Printf("greeter refused activation: %v", err)
//	}
//	defer mgr.UnloadAll(context.Background())
//
// # Plugin Structure
//
//	~/.plughost/plugins/greeter/
//	├── plugin.json      # Manifest (plugin.yaml also accepted)
//	└── main.lua         # Entry point (main.js or main.wasm also accepted)
//
// # Manifest
//
//	{
//	  "plugin_id": "greeter",
//	  "name": "Greeter",
//	  "version": "1.0.0",
//	  "dependencies": ["text-utils"],
//	  "permissions": ["file_read", "ui"],
//	  "min_app_version": "0.1.0",
//	  "main": "main.lua"
//	}
//
// plugin_id, name and version are required. Unknown permission names are
// logged and ignored.
//
// # Dependencies
//
// Load walks the dependency closure, rejects missing dependencies and
// cycles before any plugin code runs, and loads the closure in
// topological order so a dependency's entry point always runs before its
// dependents'.
//
// # Plugin Lifecycle
//
//	StateDiscovered -> Load() -> StateLoaded
//	StateLoaded -> Activate() -> StateActive
//	StateActive -> Deactivate() -> StateLoaded
//	StateLoaded -> Unload() -> StateUnloaded
//
// A failed load leaves the plugin in StateError with its descriptor still
// available through Info.
//
// # Example Plugin
//
//	-- main.lua
//	local json = require("json")
//
//	local Greeter = {}
//	Greeter.__index = Greeter
//
//	function Greeter.new()
//	    return setmetatable({}, Greeter)
//	end
//
//	function Greeter:activate(app)
//	    print("hello " .. json.encode(app))
//	    return true
//	end
//
//	function Greeter:deactivate()
//	    return true
//	end
//
//	plugin.register(Greeter)
package plugin
