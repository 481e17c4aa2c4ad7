// Package deferred renders a deferred-shading frame on a WebGPU HAL device.
//
// # Overview
//
// A frame starts from a filled G-buffer (albedo, normals, world positions,
// screen-space depth and material parameters) and runs three passes over it:
//
//   - lighting: an 8x8 tiled compute pass writing Radiance
//   - ambient occlusion: a 64-wide estimate into Ssao followed by a
//     separable blur, horizontal into FilteredSsao then vertical back
//     into Ssao
//   - composite: a fullscreen draw combining albedo, radiance and occlusion
//     into Output
//
// The frame ends by blitting one of the nine role images into the caller's
// target, which makes every intermediate image viewable for debugging.
//
// # Quick Start
//
//	p, err := deferred.New(device, queue, 1280, 720)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	p.SetView(gpu.ViewRadiance)
//	if err := p.RenderFrame(targetView); err != nil {
//	    return err
//	}
//
// # Resizing
//
// Resize reallocates every image, even at an unchanged size, and rebuilds
// the bindings of every pass. A pass whose bindings were built against
// released images reports BindingStateStale and refuses to record until its
// bindings are rebuilt. Host applications can forward window events with
// WatchResize.
//
// # Configuration
//
// Options are functional (WithView, WithMemoryBudgetMB, ...). The same
// settings load from TOML or YAML files with LoadConfig and apply with
// WithConfig.
package deferred
