// Package js runs JavaScript plugins on goja.
//
// Each plugin gets a private goja.Runtime. Only ECMAScript built-ins are
// present; the host adds a gated require, a gated open, a console routed to
// the plugin logger, and a plugin object used for registration:
//
//	const json = require("json");
//
//	class Greeter {
//	    activate(app) { return true; }
//	    deactivate() { return true; }
//	}
//
//	plugin.register(Greeter);
//
// A registered constructor is instantiated with no arguments. An object
// with an activate method is used as is. When register is never called,
// module.exports is consulted the same way.
//
// Calls into a runtime are serialized. A call whose context ends is
// interrupted, which unwinds the script at its next instruction.
package js
