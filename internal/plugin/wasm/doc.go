// Package wasm runs WebAssembly plugins on Extism.
//
// The entry point is a .wasm module exporting activate and, optionally,
// deactivate. activate receives the app handle as input when it is a
// string or byte slice and signals failure through a non-zero return code
// or an output of "false" or "0".
//
// The guest reaches the host only through functions in the
// extism:host/user namespace:
//
//	plughost_log(msg)                   log a line at info level
//	plughost_require(name) -> reply     check a module against the allow-list
//	plughost_call(module, fn, args) -> reply
//	plughost_read_file(path) -> reply   read a file through the guard
//	plughost_write_file(path, data) -> reply
//
// Arguments and replies are strings in Extism memory. args is a JSON array
// and a reply is {"result": ...} or {"error": "..."}. Network access is granted through the manifest's allowed hosts and
// memory is capped at the budget's page count.
package wasm
