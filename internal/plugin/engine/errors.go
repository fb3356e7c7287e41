package engine

import (
	"context"
	"errors"
	"fmt"
)

// Engine errors.
var (
	// ErrNoRegistration is returned when an entry point finishes without
	// registering a plugin object.
	ErrNoRegistration = errors.New("no plugin type found")

	// ErrAlreadyRegistered is raised in the guest on a second registration.
	ErrAlreadyRegistered = errors.New("plugin already registered")

	// ErrNoActivate is returned when the registered object lacks activate.
	ErrNoActivate = errors.New("registered plugin has no activate method")

	// ErrDeadlineExceeded is returned when guest code outlives its deadline.
	ErrDeadlineExceeded = errors.New("plugin deadline exceeded")

	// ErrClosed is returned when calling into a closed instance.
	ErrClosed = errors.New("plugin runtime is closed")
)

// GuestError wraps a failure raised by plugin code.
type GuestError struct {
	PluginID string
	Phase    string
	Err      error
}

// Error implements the error interface.
func (e *GuestError) Error() string {
	return fmt.Sprintf("plugin %q %s: %v", e.PluginID, e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *GuestError) Unwrap() error {
	return e.Err
}

// GuestFailure classifies err from a guest call. When ctx has expired the
// result wraps ErrDeadlineExceeded; otherwise err is wrapped in a
// GuestError for phase.
func GuestFailure(ctx context.Context, pluginID, phase string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("plugin %q %s: %w: %w", pluginID, phase, ErrDeadlineExceeded, ctxErr)
	}
	return &GuestError{PluginID: pluginID, Phase: phase, Err: err}
}
