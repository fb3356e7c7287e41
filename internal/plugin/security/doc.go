// Package security provides the capability and resource gates that every
// plugin sandbox enforces.
//
// # Permissions
//
// Permissions are named capability tokens drawn from a closed catalog:
//
//   - file_read, file_write: file system access through the gated open
//   - network: outbound network access (host allow-list for WASM guests)
//   - process: spawning or inspecting processes
//   - ui: creating or modifying host UI elements
//   - system: host system information
//   - plugin: interacting with other plugins
//
// A Permission is identified by its name alone. Names outside the catalog
// are dropped by ResolveAll with a log line instead of failing the whole
// permission set.
//
// # Budgets
//
// ResourceBudget declares per-plugin ceilings. File handles are counted by
// the Guard and CPU time is applied as a deadline by the sandbox. Memory is
// only bounded for WASM guests and network connections are not measured.
//
// # Guard
//
// Guard combines a permission set, a budget, and a module allow-list for
// one plugin. Engines route every restricted import and file open through
// it:
//
//	g := security.NewGuard("my-plugin", security.DefaultBudget())
//	g.Grant(security.PermFileRead)
//
//	h, err := g.Open("/tmp/notes.txt", "r")
//	if errors.Is(err, security.ErrPermissionDenied) {
//	    // not granted
//	}
//	defer h.Close()
package security
