//go:build !nogpu

package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Pass errors.
var (
	// ErrStaleBindings is returned when a pass is launched after the buffer
	// set was reallocated and before UpdateBindings rebuilt its bind groups.
	ErrStaleBindings = errors.New("gpu: pass bindings are stale, call UpdateBindings")

	// ErrNilDevice is returned when a constructor receives a nil device.
	ErrNilDevice = errors.New("gpu: device is nil")

	// ErrNilQueue is returned when a constructor receives a nil queue.
	ErrNilQueue = errors.New("gpu: queue is nil")

	// ErrNilBufferSet is returned when a pass is built without a buffer set.
	ErrNilBufferSet = errors.New("gpu: buffer set is nil")

	// ErrInvalidSize is returned for zero or negative dimensions.
	ErrInvalidSize = errors.New("gpu: width and height must be positive")

	// ErrWorkgroupCountZero is returned when any workgroup dimension is zero.
	ErrWorkgroupCountZero = errors.New("gpu: workgroup count must be greater than zero")

	// ErrWorkgroupCountExceedsLimit is returned when a grid cannot be folded
	// under the device limit.
	ErrWorkgroupCountExceedsLimit = errors.New("gpu: workgroup count exceeds device limit")

	// ErrMissingShader is returned when a pass is built from a ShaderSet that
	// lacks one of its programs.
	ErrMissingShader = errors.New("gpu: shader program missing from set")
)

// Workgroup geometry shared with the WGSL sources.
const (
	// TileSize is the edge of the 2D workgroups used by lighting and blur.
	TileSize = 8

	// LinearGroupSize is the size of the 1D occlusion estimation workgroups.
	LinearGroupSize = TileSize * TileSize
)

// BindingState tracks whether a pass's bind groups match the buffer set.
type BindingState int

const (
	// BindingStateReady means the bind groups reference live buffers.
	BindingStateReady BindingState = iota

	// BindingStateStale means the buffers were reallocated after the bind
	// groups were built.
	BindingStateStale
)

// String returns the string representation of BindingState.
func (s BindingState) String() string {
	switch s {
	case BindingStateReady:
		return "Ready"
	case BindingStateStale:
		return "Stale"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// DispatchGrid is a compute dispatch size in workgroups.
type DispatchGrid struct {
	X, Y, Z uint32
}

// String returns "XxYxZ".
func (g DispatchGrid) String() string {
	return fmt.Sprintf("%dx%dx%d", g.X, g.Y, g.Z)
}

// validate checks g against the per-dimension workgroup limit.
func (g DispatchGrid) validate(limit uint32) error {
	if g.X == 0 || g.Y == 0 || g.Z == 0 {
		return fmt.Errorf("%w: %s", ErrWorkgroupCountZero, g)
	}
	if limit > 0 && (g.X > limit || g.Y > limit || g.Z > limit) {
		return fmt.Errorf("%w: %s > %d", ErrWorkgroupCountExceedsLimit, g, limit)
	}
	return nil
}

// dispatch records g on pass.
func (g DispatchGrid) dispatch(pass hal.ComputePassEncoder) {
	pass.Dispatch(g.X, g.Y, g.Z)
}

// divCeil returns ceil(n / d) for positive d.
func divCeil(n, d uint64) uint64 {
	return (n + d - 1) / d
}

// TileGrid returns the 8x8 tile grid covering width x height:
// (ceil(w/8), ceil(h/8), 1).
func TileGrid(width, height uint32) DispatchGrid {
	return DispatchGrid{
		X: uint32(divCeil(uint64(width), TileSize)),  //nolint:gosec // bounded by width
		Y: uint32(divCeil(uint64(height), TileSize)), //nolint:gosec // bounded by height
		Z: 1,
	}
}

// LinearGroupCount returns ceil(w*h/64), the number of 1D workgroups the
// occlusion estimate needs.
func LinearGroupCount(width, height uint32) uint64 {
	return divCeil(uint64(width)*uint64(height), LinearGroupSize)
}

// LinearGrid returns the estimation grid for width x height. Up to limit
// groups the grid is (n, 1, 1); above it, the groups are folded into rows of
// limit groups. The shader linearizes with num_workgroups, so both shapes
// cover the same invocations. A zero limit disables folding.
func LinearGrid(width, height, limit uint32) DispatchGrid {
	n := LinearGroupCount(width, height)
	if limit == 0 || n <= uint64(limit) {
		return DispatchGrid{X: uint32(n), Y: 1, Z: 1} //nolint:gosec // n <= limit or unlimited
	}
	return DispatchGrid{
		X: limit,
		Y: uint32(divCeil(n, uint64(limit))), //nolint:gosec // checked by validate
		Z: 1,
	}
}

// WorkgroupLimit returns the per-dimension dispatch limit of limits, or the
// WebGPU default when it is unset.
func WorkgroupLimit(limits gputypes.Limits) uint32 {
	if limits.MaxComputeWorkgroupsPerDimension == 0 {
		return gputypes.DefaultLimits().MaxComputeWorkgroupsPerDimension
	}
	return limits.MaxComputeWorkgroupsPerDimension
}

// bindingTracker is embedded by every pass. It remembers which buffer set
// generation the current bind groups were built against.
type bindingTracker struct {
	buffers   *BufferSet
	boundGen  uint64
	lightsGen uint64
	lights    *LightBufferGroup
}

// markBound records the generations the bind groups now reference.
func (t *bindingTracker) markBound(bs *BufferSet, lights *LightBufferGroup) {
	t.buffers = bs
	t.boundGen = bs.Generation()
	t.lights = lights
	if lights != nil {
		t.lightsGen = lights.Generation()
	}
}

// state reports Ready only when no referenced resource was reallocated.
func (t *bindingTracker) state() BindingState {
	if t.buffers == nil || t.buffers.Generation() != t.boundGen {
		return BindingStateStale
	}
	if t.lights != nil && t.lights.Generation() != t.lightsGen {
		return BindingStateStale
	}
	return BindingStateReady
}
