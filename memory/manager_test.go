package memory

import (
	"testing"

	"github.com/pkg/errors"
)

func TestMemoryManagerAccounting(t *testing.T) {
	mm := NewMemoryManager(1024)

	a, err := mm.Allocate(400)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	b, err := mm.Allocate(600)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	stats := mm.Stats()
	if stats.InUse != 1000 || stats.Peak != 1000 || stats.Live != 2 {
		t.Errorf("Unexpected stats after allocation: %s", stats)
	}

	a.Release()
	a.Release() // double release must not double count
	stats = mm.Stats()
	if stats.InUse != 600 {
		t.Errorf("Expected 600 bytes in use, got %d", stats.InUse)
	}
	if stats.Peak != 1000 {
		t.Errorf("Expected peak to stay at 1000, got %d", stats.Peak)
	}

	b.Release()
	if mm.Stats().InUse != 0 {
		t.Errorf("Expected nothing in use, got %d", mm.Stats().InUse)
	}
	if mm.Stats().Allocations != 2 {
		t.Errorf("Expected 2 allocations, got %d", mm.Stats().Allocations)
	}
}

func TestMemoryManagerBudget(t *testing.T) {
	mm := NewMemoryManager(100)

	buf, err := mm.Allocate(80)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	_, err = mm.Allocate(30)
	if err == nil {
		t.Fatal("Expected budget error")
	}
	if errors.Cause(err) != ErrBudgetExceeded {
		t.Errorf("Expected ErrBudgetExceeded, got %v", err)
	}

	buf.Release()
	if _, err := mm.Allocate(30); err != nil {
		t.Errorf("Allocation after release failed: %v", err)
	}
}

func TestMemoryManagerUnlimited(t *testing.T) {
	mm := NewMemoryManager(0)
	if _, err := mm.Allocate(1 << 30); err != nil {
		t.Errorf("Unlimited manager refused allocation: %v", err)
	}
}

func TestResetPeak(t *testing.T) {
	mm := NewMemoryManager(0)
	buf, _ := mm.Allocate(50)
	buf.Release()
	mm.ResetPeak()
	if mm.Stats().Peak != 0 {
		t.Errorf("Expected peak 0 after reset, got %d", mm.Stats().Peak)
	}
}
