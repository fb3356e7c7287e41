// Package sandbox runs each plugin in its own isolated runtime.
//
// A Sandbox pairs a security.Guard with the engine.Instance created from
// the plugin's entry point. Every guest call runs under the budget's CPU
// time deadline and is preempted when it expires. Failures raised by guest
// code are logged and reported as refusals; only host-side problems and
// deadline expiry surface as errors.
//
// The Registry holds per-plugin configuration (permissions, budget and
// module allow-list) and the live sandboxes. Configuration changes are
// written to both, so a running sandbox always enforces the registry's
// current view.
package sandbox
