package sandbox

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	// ErrNotRegistered is returned for a plugin ID the registry has no
	// configuration for.
	ErrNotRegistered = errors.New("plugin not registered")

	// ErrNotLoaded is returned when a plugin has no loaded sandbox.
	ErrNotLoaded = errors.New("plugin not loaded")

	// ErrSandbox is the sentinel every SandboxError matches.
	ErrSandbox = errors.New("sandbox error")
)

// SandboxError reports a failure to load or run a plugin inside its
// sandbox.
type SandboxError struct {
	PluginID string
	Op       string
	Err      error
}

// Error implements the error interface.
func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %q %s: %v", e.PluginID, e.Op, e.Err)
}

// Unwrap exposes both ErrSandbox and the cause.
func (e *SandboxError) Unwrap() []error {
	return []error{ErrSandbox, e.Err}
}

func notRegistered(id string) error {
	return fmt.Errorf("plugin %q: %w", id, ErrNotRegistered)
}

func notLoaded(id string) error {
	return fmt.Errorf("plugin %q: %w", id, ErrNotLoaded)
}
