//go:build !nogpu

package gpu

import (
	"errors"
	"strings"
	"testing"
)

const mb = 1024 * 1024

// TestMemoryManagerBasic tests reserve and release accounting.
func TestMemoryManagerBasic(t *testing.T) {
	mm := NewMemoryManager(16)
	defer mm.Close()

	stats := mm.Stats()
	if stats.UsedBytes != 0 || stats.AllocationCount != 0 {
		t.Errorf("initial stats = %+v, want empty", stats)
	}
	if stats.TotalBytes != 16*mb {
		t.Errorf("TotalBytes = %d, want %d", stats.TotalBytes, 16*mb)
	}

	id, err := mm.Reserve("Albedo", 4*mb)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	stats = mm.Stats()
	if stats.UsedBytes != 4*mb {
		t.Errorf("UsedBytes = %d, want %d", stats.UsedBytes, 4*mb)
	}
	if stats.AllocationCount != 1 || stats.Allocations[0].Label != "Albedo" {
		t.Errorf("Allocations = %+v, want [Albedo]", stats.Allocations)
	}
	if stats.Utilization != 0.25 {
		t.Errorf("Utilization = %v, want 0.25", stats.Utilization)
	}

	mm.Release(id)
	mm.Release(id) // unknown ids are ignored
	stats = mm.Stats()
	if stats.UsedBytes != 0 || stats.AllocationCount != 0 {
		t.Errorf("stats after release = %+v, want empty", stats)
	}
	if stats.PeakBytes != 4*mb {
		t.Errorf("PeakBytes = %d, want %d", stats.PeakBytes, 4*mb)
	}
}

// TestMemoryManagerBudget tests that reservations past the budget fail.
func TestMemoryManagerBudget(t *testing.T) {
	mm := NewMemoryManager(16)
	defer mm.Close()

	if _, err := mm.Reserve("a", 10*mb); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := mm.CanFit(6 * mb); err != nil {
		t.Errorf("CanFit(6MB) = %v, want nil", err)
	}
	if err := mm.CanFit(6*mb + 1); !errors.Is(err, ErrMemoryBudgetExceeded) {
		t.Errorf("CanFit(6MB+1) = %v, want ErrMemoryBudgetExceeded", err)
	}
	if _, err := mm.Reserve("b", 7*mb); !errors.Is(err, ErrMemoryBudgetExceeded) {
		t.Errorf("Reserve() error = %v, want ErrMemoryBudgetExceeded", err)
	}
	if got := mm.Stats().UsedBytes; got != 10*mb {
		t.Errorf("UsedBytes after failed reserve = %d, want %d", got, 10*mb)
	}
}

// TestMemoryManagerUnlimited tests that a zero budget accepts anything.
func TestMemoryManagerUnlimited(t *testing.T) {
	mm := NewMemoryManager(0)
	defer mm.Close()

	if _, err := mm.Reserve("huge", 1<<40); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	stats := mm.Stats()
	if stats.TotalBytes != 0 || stats.Utilization != 0 {
		t.Errorf("stats = %+v, want no budget", stats)
	}
}

// TestMemoryManagerSwap tests that a swap only needs budget for the
// difference between the old and new allocations.
func TestMemoryManagerSwap(t *testing.T) {
	mm := NewMemoryManager(16)
	defer mm.Close()

	ids, err := mm.Swap(nil, []Allocation{{"a", 6 * mb}, {"b", 6 * mb}})
	if err != nil {
		t.Fatalf("Swap() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("Swap() returned %d ids, want 2", len(ids))
	}

	// 12 MB live; replacing it with 14 MB fits because the old 12 MB is released.
	ids2, err := mm.Swap(ids, []Allocation{{"a", 7 * mb}, {"b", 7 * mb}})
	if err != nil {
		t.Fatalf("Swap() error = %v", err)
	}
	stats := mm.Stats()
	if stats.UsedBytes != 14*mb || stats.AllocationCount != 2 {
		t.Errorf("stats = %+v, want 14MB in 2 allocations", stats)
	}
	if stats.PeakBytes != 14*mb {
		t.Errorf("PeakBytes = %d, want %d", stats.PeakBytes, 14*mb)
	}

	// Too large: nothing changes.
	if _, err := mm.Swap(ids2, []Allocation{{"a", 17 * mb}}); !errors.Is(err, ErrMemoryBudgetExceeded) {
		t.Fatalf("Swap() error = %v, want ErrMemoryBudgetExceeded", err)
	}
	if got := mm.Stats(); got.UsedBytes != 14*mb || got.AllocationCount != 2 {
		t.Errorf("stats after failed swap = %+v, want unchanged", got)
	}

	// Release only.
	if _, err := mm.Swap(ids2, nil); err != nil {
		t.Fatalf("Swap() release error = %v", err)
	}
	if got := mm.Stats().UsedBytes; got != 0 {
		t.Errorf("UsedBytes = %d, want 0", got)
	}
}

// TestMemoryManagerSetBudget tests budget changes.
func TestMemoryManagerSetBudget(t *testing.T) {
	mm := NewMemoryManager(64)
	defer mm.Close()

	if _, err := mm.Reserve("a", 20*mb); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := mm.SetBudget(16); !errors.Is(err, ErrMemoryBudgetExceeded) {
		t.Errorf("SetBudget(16) = %v, want ErrMemoryBudgetExceeded", err)
	}
	if got := mm.Stats().TotalBytes; got != 64*mb {
		t.Errorf("TotalBytes = %d, want unchanged %d", got, 64*mb)
	}
	if err := mm.SetBudget(32); err != nil {
		t.Errorf("SetBudget(32) = %v", err)
	}
	if err := mm.SetBudget(0); err != nil {
		t.Errorf("SetBudget(0) = %v", err)
	}
	if got := mm.Stats().TotalBytes; got != 0 {
		t.Errorf("TotalBytes = %d, want 0 (unlimited)", got)
	}

	// Small budgets are raised to the minimum.
	mm2 := NewMemoryManager(0)
	if err := mm2.SetBudget(1); err != nil {
		t.Fatalf("SetBudget(1) = %v", err)
	}
	if got := mm2.Stats().TotalBytes; got != MinMemoryMB*mb {
		t.Errorf("TotalBytes = %d, want %d", got, MinMemoryMB*mb)
	}
}

// TestMemoryManagerClose tests manager closure.
func TestMemoryManagerClose(t *testing.T) {
	mm := NewMemoryManager(16)
	id, err := mm.Reserve("a", mb)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	mm.Close()
	mm.Close() // Should not panic
	mm.Release(id)

	if _, err := mm.Reserve("b", mb); !errors.Is(err, ErrMemoryManagerClosed) {
		t.Errorf("Reserve() after close error = %v, want %v", err, ErrMemoryManagerClosed)
	}
	if _, err := mm.Swap(nil, []Allocation{{"c", mb}}); !errors.Is(err, ErrMemoryManagerClosed) {
		t.Errorf("Swap() after close error = %v, want %v", err, ErrMemoryManagerClosed)
	}
	if err := mm.CanFit(1); !errors.Is(err, ErrMemoryManagerClosed) {
		t.Errorf("CanFit() after close error = %v, want %v", err, ErrMemoryManagerClosed)
	}
}

// TestMemoryStats tests MemoryStats string formatting.
func TestMemoryStats(t *testing.T) {
	limited := MemoryStats{
		TotalBytes:      256 * mb,
		UsedBytes:       128 * mb,
		PeakBytes:       192 * mb,
		AllocationCount: 11,
		Utilization:     0.5,
	}
	if s := limited.String(); !strings.Contains(s, "50.0% used") || !strings.Contains(s, "128/256 MB") {
		t.Errorf("String() = %q", s)
	}

	unlimited := MemoryStats{UsedBytes: 2048, AllocationCount: 1}
	if s := unlimited.String(); !strings.Contains(s, "2 KB used") {
		t.Errorf("String() = %q", s)
	}
}

// TestImageAllocations tests the per-image byte accounting.
func TestImageAllocations(t *testing.T) {
	allocs := imageAllocations(100, 10)
	if len(allocs) != imageCount {
		t.Fatalf("got %d allocations, want %d", len(allocs), imageCount)
	}
	want := map[string]uint64{
		"Output":       4000,
		"Albedo":       8000,
		"Ssao":         2000,
		"FilteredSsao": 2000,
		"MatParams":    8000,
		"Depth":        4000,
		"Intermediate": 4000,
	}
	var total uint64
	for _, a := range allocs {
		total += a.Bytes
		if w, ok := want[a.Label]; ok && a.Bytes != w {
			t.Errorf("%s = %d bytes, want %d", a.Label, a.Bytes, w)
		}
	}
	// 4 + 6*8 + 2*2 + 4 + 4 bytes per pixel.
	if total != 64*1000 {
		t.Errorf("total = %d bytes, want %d", total, 64*1000)
	}
}
