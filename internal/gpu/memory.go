//go:build !nogpu

package gpu

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Memory accounting errors.
var (
	// ErrMemoryBudgetExceeded is returned when an allocation would exceed budget.
	ErrMemoryBudgetExceeded = errors.New("gpu: memory budget exceeded")

	// ErrMemoryManagerClosed is returned when operating on a closed manager.
	ErrMemoryManagerClosed = errors.New("gpu: memory manager closed")
)

// Memory limits.
const (
	// MinMemoryMB is the smallest budget accepted by SetBudget. Zero still
	// means unlimited.
	MinMemoryMB = 16

	// DefaultWarnThreshold is the utilization above which allocations log a
	// warning.
	DefaultWarnThreshold = 0.8
)

// MemoryStats contains GPU memory usage statistics for the buffer set.
type MemoryStats struct {
	// TotalBytes is the memory budget in bytes. Zero means unlimited.
	TotalBytes uint64

	// UsedBytes is the currently allocated memory in bytes.
	UsedBytes uint64

	// PeakBytes is the highest UsedBytes seen.
	PeakBytes uint64

	// AllocationCount is the number of live allocations.
	AllocationCount int

	// Allocations lists live allocations by label, sorted by label.
	Allocations []Allocation

	// Utilization is the percentage of budget used (0.0 to 1.0), or zero
	// when unlimited.
	Utilization float64
}

// Allocation is one tracked GPU allocation.
type Allocation struct {
	Label string
	Bytes uint64
}

// String returns a human-readable string of memory stats.
func (s MemoryStats) String() string {
	if s.TotalBytes == 0 {
		return fmt.Sprintf("Memory[%d KB used, %d KB peak, %d allocations]",
			s.UsedBytes/1024, s.PeakBytes/1024, s.AllocationCount)
	}
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d MB, %d KB peak, %d allocations]",
		s.Utilization*100,
		s.UsedBytes/(1024*1024),
		s.TotalBytes/(1024*1024),
		s.PeakBytes/1024,
		s.AllocationCount)
}

// MemoryManager accounts GPU memory held by the buffer set and enforces an
// optional budget. Buffer set images cannot be evicted, so an allocation
// that does not fit fails instead of triggering eviction.
//
// MemoryManager is safe for concurrent use.
type MemoryManager struct {
	mu sync.RWMutex

	budgetBytes uint64
	usedBytes   uint64
	peakBytes   uint64

	allocations map[uint64]Allocation
	nextID      uint64

	closed bool
}

// NewMemoryManager creates a manager with a budget in megabytes. A budget of
// zero or less means unlimited.
func NewMemoryManager(budgetMB int) *MemoryManager {
	m := &MemoryManager{allocations: make(map[uint64]Allocation)}
	if budgetMB > 0 {
		//nolint:gosec // G115: positive int
		m.budgetBytes = uint64(budgetMB) * 1024 * 1024
	}
	return m
}

// CanFit reports whether bytes more can be allocated without exceeding the
// budget.
func (m *MemoryManager) CanFit(bytes uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMemoryManagerClosed
	}
	return m.canFitLocked(bytes)
}

func (m *MemoryManager) canFitLocked(bytes uint64) error {
	if m.budgetBytes == 0 {
		return nil
	}
	if m.usedBytes+bytes > m.budgetBytes {
		return fmt.Errorf("%w: need %d bytes, have %d bytes available",
			ErrMemoryBudgetExceeded, bytes, m.budgetBytes-m.usedBytes)
	}
	return nil
}

// Reserve records an allocation and returns its id for Release.
func (m *MemoryManager) Reserve(label string, bytes uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrMemoryManagerClosed
	}
	if err := m.canFitLocked(bytes); err != nil {
		return 0, err
	}

	m.nextID++
	id := m.nextID
	m.allocations[id] = Allocation{Label: label, Bytes: bytes}
	m.usedBytes += bytes
	if m.usedBytes > m.peakBytes {
		m.peakBytes = m.usedBytes
	}

	if m.budgetBytes > 0 && float64(m.usedBytes) > float64(m.budgetBytes)*DefaultWarnThreshold {
		slogger().Warn("gpu: memory budget nearly exhausted",
			"used", m.usedBytes, "budget", m.budgetBytes)
	}
	return id, nil
}

// Swap releases old and reserves allocs in one step. The budget is checked
// against usage with old already released; on failure nothing changes.
// The returned ids are in allocs order.
func (m *MemoryManager) Swap(old []uint64, allocs []Allocation) ([]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrMemoryManagerClosed
	}

	var released, need uint64
	for _, id := range old {
		released += m.allocations[id].Bytes
	}
	for _, a := range allocs {
		need += a.Bytes
	}
	if m.budgetBytes > 0 && m.usedBytes-released+need > m.budgetBytes {
		return nil, fmt.Errorf("%w: need %d bytes, have %d bytes available",
			ErrMemoryBudgetExceeded, need, m.budgetBytes-(m.usedBytes-released))
	}

	for _, id := range old {
		if a, ok := m.allocations[id]; ok {
			delete(m.allocations, id)
			m.usedBytes -= a.Bytes
		}
	}
	ids := make([]uint64, len(allocs))
	for i, a := range allocs {
		m.nextID++
		ids[i] = m.nextID
		m.allocations[m.nextID] = a
		m.usedBytes += a.Bytes
	}
	if m.usedBytes > m.peakBytes {
		m.peakBytes = m.usedBytes
	}
	return ids, nil
}

// Release forgets an allocation. Unknown ids are ignored.
func (m *MemoryManager) Release(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.allocations[id]
	if !ok {
		return
	}
	delete(m.allocations, id)
	m.usedBytes -= a.Bytes
}

// Stats returns current memory usage statistics.
func (m *MemoryManager) Stats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var utilization float64
	if m.budgetBytes > 0 {
		utilization = float64(m.usedBytes) / float64(m.budgetBytes)
	}

	allocs := make([]Allocation, 0, len(m.allocations))
	for _, a := range m.allocations {
		allocs = append(allocs, a)
	}
	sort.Slice(allocs, func(i, j int) bool { return allocs[i].Label < allocs[j].Label })

	return MemoryStats{
		TotalBytes:      m.budgetBytes,
		UsedBytes:       m.usedBytes,
		PeakBytes:       m.peakBytes,
		AllocationCount: len(m.allocations),
		Allocations:     allocs,
		Utilization:     utilization,
	}
}

// SetBudget updates the memory budget. Budgets below MinMemoryMB are raised
// to it; zero disables the budget. Lowering the budget below current usage
// fails with ErrMemoryBudgetExceeded and leaves the budget unchanged.
func (m *MemoryManager) SetBudget(megabytes int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrMemoryManagerClosed
	}
	if megabytes == 0 {
		m.budgetBytes = 0
		return nil
	}
	if megabytes < MinMemoryMB {
		megabytes = MinMemoryMB
	}

	//nolint:gosec // G115: megabytes bounded by MinMemoryMB minimum
	budget := uint64(megabytes) * 1024 * 1024
	if m.usedBytes > budget {
		return fmt.Errorf("%w: %d bytes in use, budget %d bytes",
			ErrMemoryBudgetExceeded, m.usedBytes, budget)
	}
	m.budgetBytes = budget
	return nil
}

// Close drops all accounting. The manager should not be used after Close.
func (m *MemoryManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.allocations = nil
	m.usedBytes = 0
	m.closed = true
}
