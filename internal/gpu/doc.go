//go:build !nogpu

// Package gpu implements the passes of the deferred frame on a WebGPU HAL
// device.
//
// # Architecture Overview
//
// BufferSet owns the nine role images (Output, Albedo, Normal, GBuffer,
// Radiance, ScreenSpace, Ssao, FilteredSsao, MatParams) plus a depth image
// and an intermediate image, all at the render size. The passes read and
// write those images through bind groups:
//
//	LightingPass          8x8 tiles       -> Radiance
//	AmbientOcclusionPass  64-wide groups  -> Ssao
//	                      8x8 blur H      -> FilteredSsao
//	                      8x8 blur V      -> Ssao
//	CompositePass         6 vertices      -> Output
//	QuadPass              6 vertices      -> any target
//	BufferSet.DebugBlit   6 vertices      -> display target
//
// # Binding State
//
// Every pass records the generation of the images its bind groups were
// built against. BufferSet.Resize always reallocates, which advances the
// generation and leaves every pass BindingStateStale. A Stale pass returns
// ErrStaleBindings from Launch or Render without recording anything.
// UpdateBindings is the only way back to BindingStateReady.
//
// # Memory
//
// MemoryManager accounts the bytes held by the images and can enforce a
// budget. Create and Resize check the budget before touching the device.
//
// # Submission
//
// FrameEncoder records a frame into one command buffer. Submit hands the
// buffer to an InFlight list, which frees it once the queue reports the
// submission complete or after the device went idle.
//
// # Shaders
//
// The WGSL programs are embedded and compiled to SPIR-V with naga on a
// worker pool. The passes take SPIR-V through a ShaderSet, so precompiled
// programs can be supplied instead.
//
// # Thread Safety
//
// Passes and BufferSet are not safe for concurrent use. The deferred
// package serializes access to them. MemoryManager is safe for concurrent
// use.
package gpu
