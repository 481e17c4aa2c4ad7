//go:build !nogpu

package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// CompositePass combines Albedo, Radiance and Ssao into one image. It draws
// the six-vertex fullscreen quad without vertex or index buffers and
// replaces the target contents.
type CompositePass struct {
	bindingTracker

	device   hal.Device
	res      passResources
	layout   hal.BindGroupLayout
	pipeline hal.RenderPipeline
	group    hal.BindGroup
	format   gputypes.TextureFormat
}

// NewCompositePass builds the composite pipeline for targets of the given
// format. A zero format means OutputFormat.
func NewCompositePass(device hal.Device, shaders *ShaderSet, buffers *BufferSet, format gputypes.TextureFormat) (*CompositePass, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if buffers == nil {
		return nil, ErrNilBufferSet
	}
	if shaders == nil {
		return nil, fmt.Errorf("composite: %w: nil shader set", ErrMissingShader)
	}
	if err := shaders.require("composite", shaders.Composite); err != nil {
		return nil, fmt.Errorf("composite: %w", err)
	}
	if format == gputypes.TextureFormatUndefined {
		format = OutputFormat
	}

	p := &CompositePass{
		device: device,
		res:    passResources{device: device},
		format: format,
	}
	if err := p.createPipeline(shaders, buffers); err != nil {
		p.res.destroy()
		return nil, fmt.Errorf("composite: %w", err)
	}
	if err := p.UpdateBindings(buffers); err != nil {
		p.res.destroy()
		return nil, err
	}
	return p, nil
}

func (p *CompositePass) createPipeline(shaders *ShaderSet, buffers *BufferSet) error {
	vis := gputypes.ShaderStageFragment
	var err error
	p.layout, err = p.res.layout("composite",
		buffers.StorageEntry(0, vis, ViewAlbedo, true),
		buffers.StorageEntry(1, vis, ViewRadiance, true),
		buffers.StorageEntry(2, vis, ViewSsao, true),
	)
	if err != nil {
		return err
	}
	pl, err := p.res.pipelineLayout("composite", p.layout)
	if err != nil {
		return err
	}
	module, err := p.res.module("composite", shaders.Composite)
	if err != nil {
		return err
	}
	p.pipeline, err = p.res.fullscreenPipeline("composite", pl, module, p.format)
	return err
}

// UpdateBindings rebuilds the bind group against the current buffers and
// makes the pass Ready.
func (p *CompositePass) UpdateBindings(buffers *BufferSet) error {
	if buffers == nil {
		return fmt.Errorf("composite: %w", ErrNilBufferSet)
	}
	g, err := createBindGroup(p.device, "composite", p.layout,
		buffers.Binding(0, ViewAlbedo),
		buffers.Binding(1, ViewRadiance),
		buffers.Binding(2, ViewSsao),
	)
	if err != nil {
		return fmt.Errorf("composite: %w", err)
	}
	if p.group != nil {
		p.device.DestroyBindGroup(p.group)
	}
	p.group = g
	p.markBound(buffers, nil)
	return nil
}

// State reports whether the bind group matches the current buffers.
func (p *CompositePass) State() BindingState {
	return p.state()
}

// Format returns the target format the pipeline was built for.
func (p *CompositePass) Format() gputypes.TextureFormat {
	return p.format
}

// Render records one render pass drawing into target. A Stale pass records
// nothing and returns ErrStaleBindings.
func (p *CompositePass) Render(enc hal.CommandEncoder, target hal.TextureView) error {
	if p.state() != BindingStateReady {
		return fmt.Errorf("composite: %w", ErrStaleBindings)
	}
	if target == nil {
		return fmt.Errorf("composite: target view is nil")
	}

	pass := enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label:            "composite",
		ColorAttachments: []hal.RenderPassColorAttachment{clearAttachment(target)},
	})
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, p.group, nil)
	pass.Draw(6, 1, 0, 0)
	pass.End()
	return nil
}

// Destroy releases the pipeline and bind group.
func (p *CompositePass) Destroy() {
	if p.group != nil {
		p.device.DestroyBindGroup(p.group)
		p.group = nil
	}
	p.res.destroy()
	p.buffers = nil
}
