package security

import (
	"errors"
	"testing"
	"time"
)

func TestDefaultBudget(t *testing.T) {
	b := DefaultBudget()
	if b.MaxMemoryMB != 100 || b.MaxCPUTime != 10*time.Second || b.MaxFileHandles != 10 || b.MaxNetworkConnections != 5 {
		t.Errorf("unexpected default budget: %+v", b)
	}
	if err := b.Validate(); err != nil {
		t.Errorf("default budget should validate: %v", err)
	}
}

func TestBudgetValidate(t *testing.T) {
	tests := []struct {
		name   string
		budget ResourceBudget
	}{
		{"memory", ResourceBudget{MaxMemoryMB: -1}},
		{"cpu", ResourceBudget{MaxCPUTime: -time.Second}},
		{"handles", ResourceBudget{MaxFileHandles: -1}},
		{"network", ResourceBudget{MaxNetworkConnections: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.budget.Validate(); !errors.Is(err, ErrInvalidBudget) {
				t.Errorf("Validate() = %v, want ErrInvalidBudget", err)
			}
		})
	}
}

func TestBudgetByName(t *testing.T) {
	for _, name := range []string{"", "default", "strict", "relaxed"} {
		if _, ok := BudgetByName(name); !ok {
			t.Errorf("BudgetByName(%q) not found", name)
		}
	}
	if _, ok := BudgetByName("lavish"); ok {
		t.Error("unknown preset should not resolve")
	}
	if StrictBudget().MaxCPUTime >= DefaultBudget().MaxCPUTime {
		t.Error("strict budget should be tighter than default")
	}
}

func TestMemoryPages(t *testing.T) {
	if got := DefaultBudget().MemoryPages(); got != 1600 {
		t.Errorf("MemoryPages() = %d, want 1600", got)
	}
	if got := (ResourceBudget{}).MemoryPages(); got != 0 {
		t.Errorf("zero budget MemoryPages() = %d, want 0", got)
	}
	if got := (ResourceBudget{}).Deadline(); got != 0 {
		t.Errorf("zero budget Deadline() = %v, want 0", got)
	}
}
