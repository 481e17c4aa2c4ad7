//go:build !nogpu

package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// LightingPass shades every pixel from the G-buffer and writes Radiance.
// It dispatches 8x8 tiles over the render resolution.
//
// Bind groups:
//   - 0: camera uniform, material table, Radiance (read-write)
//   - 1: Albedo, Normal, GBuffer, MatParams (read-only)
//   - 2: light arrays, shadow sampler, shadow maps, light infos
type LightingPass struct {
	bindingTracker

	device   hal.Device
	res      passResources
	layouts  [3]hal.BindGroupLayout
	pipeline hal.ComputePipeline
	groups   [3]hal.BindGroup
	limit    uint32
}

// NewLightingPass builds the lighting pipeline and its bind groups. The pass
// starts Ready.
func NewLightingPass(device hal.Device, shaders *ShaderSet, buffers *BufferSet, camera *Camera, materials *MaterialBuffer, lights *LightBufferGroup) (*LightingPass, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if buffers == nil {
		return nil, ErrNilBufferSet
	}
	if shaders == nil {
		return nil, fmt.Errorf("lighting: %w: nil shader set", ErrMissingShader)
	}
	if err := shaders.require("lighting", shaders.Lighting); err != nil {
		return nil, fmt.Errorf("lighting: %w", err)
	}

	p := &LightingPass{
		device: device,
		res:    passResources{device: device},
		limit:  gputypes.DefaultLimits().MaxComputeWorkgroupsPerDimension,
	}
	if err := p.createPipeline(shaders, buffers); err != nil {
		p.res.destroy()
		return nil, fmt.Errorf("lighting: %w", err)
	}
	if err := p.UpdateBindings(buffers, camera, materials, lights); err != nil {
		p.res.destroy()
		return nil, err
	}
	return p, nil
}

func (p *LightingPass) createPipeline(shaders *ShaderSet, buffers *BufferSet) error {
	vis := gputypes.ShaderStageCompute
	var err error
	p.layouts[0], err = p.res.layout("lighting_frame",
		uniformEntry(0, vis, CameraUniformSize),
		gputypes.BindGroupLayoutEntry{
			Binding:    1,
			Visibility: vis,
			Buffer: &gputypes.BufferBindingLayout{
				Type:           gputypes.BufferBindingTypeReadOnlyStorage,
				MinBindingSize: MaterialSize,
			},
		},
		buffers.StorageEntry(2, vis, ViewRadiance, false),
	)
	if err != nil {
		return err
	}
	p.layouts[1], err = p.res.layout("lighting_gbuffer",
		buffers.StorageEntry(0, vis, ViewAlbedo, true),
		buffers.StorageEntry(1, vis, ViewNormal, true),
		buffers.StorageEntry(2, vis, ViewGBuffer, true),
		buffers.StorageEntry(3, vis, ViewMatParams, true),
	)
	if err != nil {
		return err
	}
	p.layouts[2], err = p.res.layout("lighting_lights", lightLayoutEntries()...)
	if err != nil {
		return err
	}

	pl, err := p.res.pipelineLayout("lighting", p.layouts[:]...)
	if err != nil {
		return err
	}
	module, err := p.res.module("lighting", shaders.Lighting)
	if err != nil {
		return err
	}
	p.pipeline, err = p.res.computePipeline("lighting", pl, module)
	return err
}

// UpdateBindings rebuilds all three bind groups against the current
// resources and makes the pass Ready. On error the previous groups are kept
// and the state is unchanged.
func (p *LightingPass) UpdateBindings(buffers *BufferSet, camera *Camera, materials *MaterialBuffer, lights *LightBufferGroup) error {
	switch {
	case buffers == nil:
		return fmt.Errorf("lighting: %w", ErrNilBufferSet)
	case camera == nil:
		return fmt.Errorf("lighting: camera is nil")
	case materials == nil:
		return fmt.Errorf("lighting: material buffer is nil")
	case lights == nil:
		return fmt.Errorf("lighting: light buffer group is nil")
	}

	var groups [3]hal.BindGroup
	var err error
	groups[0], err = createBindGroup(p.device, "lighting_frame", p.layouts[0],
		bufferBinding(0, camera.Buffer(), CameraUniformSize),
		bufferBinding(1, materials.Buffer(), materials.Size()),
		buffers.Binding(2, ViewRadiance),
	)
	if err == nil {
		groups[1], err = createBindGroup(p.device, "lighting_gbuffer", p.layouts[1],
			buffers.Binding(0, ViewAlbedo),
			buffers.Binding(1, ViewNormal),
			buffers.Binding(2, ViewGBuffer),
			buffers.Binding(3, ViewMatParams),
		)
	}
	if err == nil {
		groups[2], err = createBindGroup(p.device, "lighting_lights", p.layouts[2], lights.bindGroupEntries()...)
	}
	if err != nil {
		destroyBindGroups(p.device, groups[:])
		return fmt.Errorf("lighting: %w", err)
	}

	destroyBindGroups(p.device, p.groups[:])
	p.groups = groups
	p.markBound(buffers, lights)
	return nil
}

// SetWorkgroupLimit sets the per-dimension dispatch limit of the device.
func (p *LightingPass) SetWorkgroupLimit(limit uint32) {
	p.limit = limit
}

// State reports whether the bind groups match the current buffers.
func (p *LightingPass) State() BindingState {
	return p.state()
}

// Grid returns the dispatch grid Launch records for width x height.
func (p *LightingPass) Grid(width, height uint32) DispatchGrid {
	return TileGrid(width, height)
}

// Launch records the lighting dispatch. A Stale pass records nothing and
// returns ErrStaleBindings.
func (p *LightingPass) Launch(enc hal.CommandEncoder, width, height uint32) error {
	if p.state() != BindingStateReady {
		return fmt.Errorf("lighting: %w", ErrStaleBindings)
	}
	grid := p.Grid(width, height)
	if err := grid.validate(p.limit); err != nil {
		return fmt.Errorf("lighting: %w", err)
	}

	pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "lighting"})
	pass.SetPipeline(p.pipeline)
	for i, g := range p.groups {
		pass.SetBindGroup(uint32(i), g, nil) //nolint:gosec // i < 3
	}
	grid.dispatch(pass)
	pass.End()

	slogger().Debug("lighting: dispatched", "grid", grid.String())
	return nil
}

// Destroy releases the pipeline and bind groups.
func (p *LightingPass) Destroy() {
	destroyBindGroups(p.device, p.groups[:])
	p.res.destroy()
	p.buffers = nil
}
