package security

import (
	"fmt"
	"time"
)

// ResourceBudget defines the resource ceilings for one plugin.
type ResourceBudget struct {
	// MaxMemoryMB bounds guest memory. Only WASM guests are held to it.
	MaxMemoryMB int

	// MaxCPUTime is the deadline applied to module execution, activate
	// and deactivate calls.
	MaxCPUTime time.Duration

	// MaxFileHandles bounds the number of files open at once.
	MaxFileHandles int

	// MaxNetworkConnections is declared but not measured.
	MaxNetworkConnections int
}

// DefaultBudget returns the default ceilings: 100 MB, 10 s, 10 handles,
// 5 connections.
func DefaultBudget() ResourceBudget {
	return ResourceBudget{
		MaxMemoryMB:           100,
		MaxCPUTime:            10 * time.Second,
		MaxFileHandles:        10,
		MaxNetworkConnections: 5,
	}
}

// StrictBudget returns tighter ceilings for untrusted plugins.
func StrictBudget() ResourceBudget {
	return ResourceBudget{
		MaxMemoryMB:           16,
		MaxCPUTime:            2 * time.Second,
		MaxFileHandles:        2,
		MaxNetworkConnections: 0,
	}
}

// RelaxedBudget returns generous ceilings for trusted plugins.
func RelaxedBudget() ResourceBudget {
	return ResourceBudget{
		MaxMemoryMB:           512,
		MaxCPUTime:            60 * time.Second,
		MaxFileHandles:        64,
		MaxNetworkConnections: 32,
	}
}

// BudgetByName returns a named preset ("default", "strict", "relaxed").
func BudgetByName(name string) (ResourceBudget, bool) {
	switch name {
	case "", "default":
		return DefaultBudget(), true
	case "strict":
		return StrictBudget(), true
	case "relaxed":
		return RelaxedBudget(), true
	default:
		return ResourceBudget{}, false
	}
}

// Validate checks that no ceiling is negative.
func (b ResourceBudget) Validate() error {
	switch {
	case b.MaxMemoryMB < 0:
		return fmt.Errorf("%w: max memory %d MB", ErrInvalidBudget, b.MaxMemoryMB)
	case b.MaxCPUTime < 0:
		return fmt.Errorf("%w: max cpu time %s", ErrInvalidBudget, b.MaxCPUTime)
	case b.MaxFileHandles < 0:
		return fmt.Errorf("%w: max file handles %d", ErrInvalidBudget, b.MaxFileHandles)
	case b.MaxNetworkConnections < 0:
		return fmt.Errorf("%w: max network connections %d", ErrInvalidBudget, b.MaxNetworkConnections)
	}
	return nil
}

// MemoryPages converts MaxMemoryMB into 64 KiB WASM pages.
// Zero means unbounded.
func (b ResourceBudget) MemoryPages() uint32 {
	if b.MaxMemoryMB <= 0 {
		return 0
	}
	return uint32(b.MaxMemoryMB) * 16
}

// Deadline returns the CPU time ceiling, or zero when unbounded.
func (b ResourceBudget) Deadline() time.Duration {
	if b.MaxCPUTime <= 0 {
		return 0
	}
	return b.MaxCPUTime
}
