package plugin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/plughost/internal/plugin/engine"
	"github.com/dshills/plughost/internal/plugin/sandbox"
)

// Plugin system errors.
var (
	// ErrValidation is returned when a descriptor is missing a required
	// field or carries an invalid value.
	ErrValidation = errors.New("invalid plugin descriptor")

	// ErrPluginNotFound is returned when a plugin cannot be located.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNoEntryPoint is returned when a plugin directory has no entry point.
	ErrNoEntryPoint = errors.New("plugin has no entry point")

	// ErrDependencyNotFound is returned when a required dependency is missing.
	ErrDependencyNotFound = errors.New("plugin dependency not found")

	// ErrCyclicDependency is returned when plugins have circular dependencies.
	ErrCyclicDependency = errors.New("cyclic plugin dependency detected")

	// ErrNotLoaded is returned when attempting to use an unloaded plugin.
	ErrNotLoaded = sandbox.ErrNotLoaded

	// ErrActivationFailed is returned when a plugin refuses activation.
	ErrActivationFailed = errors.New("plugin activation failed")

	// ErrDeactivationFailed is returned when a plugin fails to deactivate.
	ErrDeactivationFailed = errors.New("plugin deactivation failed")

	// ErrHasDependents is returned when unloading a plugin other loaded
	// plugins depend on.
	ErrHasDependents = errors.New("plugin has loaded dependents")

	// ErrIncompatibleVersion is returned when the host version falls
	// outside a plugin's supported range.
	ErrIncompatibleVersion = errors.New("plugin does not support this host version")

	// ErrDeadlineExceeded is returned when plugin code outlives its CPU
	// time budget.
	ErrDeadlineExceeded = engine.ErrDeadlineExceeded
)

// ValidationError names the descriptor field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest field %q: %s", e.Field, e.Message)
}

// Unwrap returns ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// CycleError reports a dependency cycle. Path starts and ends with the
// same plugin.
type CycleError struct {
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCyclicDependency, strings.Join(e.Path, " -> "))
}

// Unwrap returns ErrCyclicDependency.
func (e *CycleError) Unwrap() error {
	return ErrCyclicDependency
}
