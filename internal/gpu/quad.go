//go:build !nogpu

package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// QuadPass draws Output into another image through a linear sampler. The
// pipeline uses the Intermediate image to resolve Output before the debug
// blit, but any target of the configured format works.
type QuadPass struct {
	bindingTracker

	device   hal.Device
	res      passResources
	layout   hal.BindGroupLayout
	pipeline hal.RenderPipeline
	sampler  hal.Sampler
	group    hal.BindGroup
	format   gputypes.TextureFormat
}

// NewQuadPass builds the quad pipeline with the blit program. A zero format
// means OutputFormat.
func NewQuadPass(device hal.Device, shaders *ShaderSet, buffers *BufferSet, format gputypes.TextureFormat) (*QuadPass, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if buffers == nil {
		return nil, ErrNilBufferSet
	}
	if shaders == nil {
		return nil, fmt.Errorf("quad: %w: nil shader set", ErrMissingShader)
	}
	if err := shaders.require("blit", shaders.Blit); err != nil {
		return nil, fmt.Errorf("quad: %w", err)
	}
	if format == gputypes.TextureFormatUndefined {
		format = OutputFormat
	}

	p := &QuadPass{
		device: device,
		res:    passResources{device: device},
		format: format,
	}
	if err := p.createPipeline(shaders, buffers); err != nil {
		p.res.destroy()
		return nil, fmt.Errorf("quad: %w", err)
	}
	if err := p.UpdateBindings(buffers); err != nil {
		p.res.destroy()
		return nil, err
	}
	return p, nil
}

func (p *QuadPass) createPipeline(shaders *ShaderSet, buffers *BufferSet) error {
	vis := gputypes.ShaderStageFragment
	var err error
	p.sampler, err = p.res.sampler("quad", gputypes.FilterModeLinear)
	if err != nil {
		return err
	}
	p.layout, err = p.res.layout("quad",
		buffers.SampledEntry(0, vis, ViewOutput),
		samplerEntry(1, vis, gputypes.SamplerBindingTypeFiltering),
	)
	if err != nil {
		return err
	}
	pl, err := p.res.pipelineLayout("quad", p.layout)
	if err != nil {
		return err
	}
	module, err := p.res.module("quad", shaders.Blit)
	if err != nil {
		return err
	}
	p.pipeline, err = p.res.fullscreenPipeline("quad", pl, module, p.format)
	return err
}

// UpdateBindings rebinds the current Output view and makes the pass Ready.
func (p *QuadPass) UpdateBindings(buffers *BufferSet) error {
	if buffers == nil {
		return fmt.Errorf("quad: %w", ErrNilBufferSet)
	}
	g, err := createBindGroup(p.device, "quad", p.layout,
		buffers.Binding(0, ViewOutput),
		samplerBinding(1, p.sampler),
	)
	if err != nil {
		return fmt.Errorf("quad: %w", err)
	}
	if p.group != nil {
		p.device.DestroyBindGroup(p.group)
	}
	p.group = g
	p.markBound(buffers, nil)
	return nil
}

// State reports whether the bind group matches the current buffers.
func (p *QuadPass) State() BindingState {
	return p.state()
}

// Render records one render pass drawing Output into target.
func (p *QuadPass) Render(enc hal.CommandEncoder, target hal.TextureView) error {
	if p.state() != BindingStateReady {
		return fmt.Errorf("quad: %w", ErrStaleBindings)
	}
	if target == nil {
		return fmt.Errorf("quad: target view is nil")
	}

	pass := enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label:            "quad",
		ColorAttachments: []hal.RenderPassColorAttachment{clearAttachment(target)},
	})
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, p.group, nil)
	pass.Draw(6, 1, 0, 0)
	pass.End()
	return nil
}

// Destroy releases the pipeline, sampler and bind group.
func (p *QuadPass) Destroy() {
	if p.group != nil {
		p.device.DestroyBindGroup(p.group)
		p.group = nil
	}
	p.res.destroy()
	p.buffers = nil
}
