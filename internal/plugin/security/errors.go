package security

import (
	"errors"
	"fmt"
)

// Gate errors.
var (
	// ErrPermissionDenied is returned when a capability check fails.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrResourceExhausted is returned when a budget ceiling has been reached.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvalidMode is returned for file modes the gate does not understand.
	ErrInvalidMode = errors.New("invalid file mode")

	// ErrInvalidBudget is returned when a budget has a negative ceiling.
	ErrInvalidBudget = errors.New("invalid resource budget")
)

// PermissionError describes a failed capability check.
type PermissionError struct {
	PluginID   string
	Operation  string
	Target     string
	Permission string
	Message    string
}

// Error implements the error interface.
func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("plugin %q: %s %q denied", e.PluginID, e.Operation, e.Target)
	if e.Permission != "" {
		msg += fmt.Sprintf(": permission %q not granted", e.Permission)
	} else if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Unwrap returns ErrPermissionDenied.
func (e *PermissionError) Unwrap() error {
	return ErrPermissionDenied
}

// ResourceError describes a budget ceiling that was reached.
type ResourceError struct {
	PluginID string
	Resource string
	Limit    int
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	return fmt.Sprintf("plugin %q: %s limit of %d reached", e.PluginID, e.Resource, e.Limit)
}

// Unwrap returns ErrResourceExhausted.
func (e *ResourceError) Unwrap() error {
	return ErrResourceExhausted
}
