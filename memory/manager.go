package memory

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// ErrBudgetExceeded is returned when an allocation would push accelerator
// residency past the configured budget.
var ErrBudgetExceeded = errors.New("accelerator memory budget exceeded")

// Buffer is a block of accelerator memory accounted against a MemoryManager
type Buffer struct {
	manager  *MemoryManager
	size     int
	id       int
	released bool
}

// Size returns the buffer size in bytes
func (b *Buffer) Size() int {
	return b.size
}

// Manager returns the manager the buffer was allocated from
func (b *Buffer) Manager() *MemoryManager {
	return b.manager
}

// Release returns the buffer to its manager. Releasing twice is a no-op.
func (b *Buffer) Release() {
	if b == nil || b.released {
		return
	}
	b.manager.release(b)
}

// Stats is a point-in-time view of accelerator residency
type Stats struct {
	Budget      int64
	InUse       int64
	Peak        int64
	Allocations int
	Live        int
}

func (s Stats) String() string {
	return fmt.Sprintf("in use %d / %d bytes (peak %d), %d live buffers, %d allocations",
		s.InUse, s.Budget, s.Peak, s.Live, s.Allocations)
}

// MemoryManager tracks accelerator memory residency under a fixed byte budget.
// Every device-resident tensor holds a Buffer from exactly one manager.
type MemoryManager struct {
	mutex       sync.Mutex
	budget      int64
	inUse       int64
	peak        int64
	allocations int
	live        map[int]int // buffer id -> size
	nextID      int
}

// NewMemoryManager creates a manager with the given budget in bytes.
// A budget <= 0 means unlimited.
func NewMemoryManager(budget int64) *MemoryManager {
	return &MemoryManager{
		budget: budget,
		live:   make(map[int]int),
		nextID: 1,
	}
}

// Allocate reserves size bytes of accelerator memory
func (mm *MemoryManager) Allocate(size int) (*Buffer, error) {
	if size < 0 {
		return nil, errors.Errorf("invalid allocation size %d", size)
	}

	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	if mm.budget > 0 && mm.inUse+int64(size) > mm.budget {
		return nil, errors.Wrapf(ErrBudgetExceeded, "requested %d bytes with %d of %d in use",
			size, mm.inUse, mm.budget)
	}

	id := mm.nextID
	mm.nextID++
	mm.live[id] = size
	mm.inUse += int64(size)
	mm.allocations++
	if mm.inUse > mm.peak {
		mm.peak = mm.inUse
	}

	return &Buffer{manager: mm, size: size, id: id}, nil
}

func (mm *MemoryManager) release(b *Buffer) {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()

	if _, ok := mm.live[b.id]; !ok {
		return
	}
	delete(mm.live, b.id)
	mm.inUse -= int64(b.size)
	b.released = true
}

// Stats returns current residency statistics
func (mm *MemoryManager) Stats() Stats {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()
	return Stats{
		Budget:      mm.budget,
		InUse:       mm.inUse,
		Peak:        mm.peak,
		Allocations: mm.allocations,
		Live:        len(mm.live),
	}
}

// ResetPeak sets the peak watermark to the current residency
func (mm *MemoryManager) ResetPeak() {
	mm.mutex.Lock()
	defer mm.mutex.Unlock()
	mm.peak = mm.inUse
}
