package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states.
const (
	// StateUnknown - Plugin has not been seen.
	StateUnknown State = iota

	// StateDiscovered - Plugin was found on disk but not loaded.
	StateDiscovered

	// StateLoaded - Plugin code ran and registered an object.
	StateLoaded

	// StateActive - Plugin accepted activate.
	StateActive

	// StateUnloaded - Plugin was loaded once and has been unloaded.
	StateUnloaded

	// StateError - Plugin failed to load.
	StateError
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateUnloaded:
		return "unloaded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsUsable returns true if the plugin can be used (loaded or active).
func (s State) IsUsable() bool {
	return s == StateLoaded || s == StateActive
}
