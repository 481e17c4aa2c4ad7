//go:build !nogpu

package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// passResources collects the long-lived objects of a pass so that partial
// construction and Destroy share one cleanup path.
type passResources struct {
	device          hal.Device
	modules         []hal.ShaderModule
	layouts         []hal.BindGroupLayout
	pipelineLayouts []hal.PipelineLayout
	compute         []hal.ComputePipeline
	render          []hal.RenderPipeline
	buffers         []hal.Buffer
	samplers        []hal.Sampler
}

// module creates a shader module and records it for cleanup.
func (r *passResources) module(label string, words []uint32) (hal.ShaderModule, error) {
	m, err := createShaderModule(r.device, label, words)
	if err != nil {
		return nil, err
	}
	r.modules = append(r.modules, m)
	return m, nil
}

// layout creates a bind group layout and records it for cleanup.
func (r *passResources) layout(label string, entries ...gputypes.BindGroupLayoutEntry) (hal.BindGroupLayout, error) {
	l, err := r.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   label,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s layout: %w", label, err)
	}
	r.layouts = append(r.layouts, l)
	return l, nil
}

// pipelineLayout creates a pipeline layout and records it for cleanup.
func (r *passResources) pipelineLayout(label string, groups ...hal.BindGroupLayout) (hal.PipelineLayout, error) {
	l, err := r.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            label,
		BindGroupLayouts: groups,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s pipeline layout: %w", label, err)
	}
	r.pipelineLayouts = append(r.pipelineLayouts, l)
	return l, nil
}

// computePipeline creates a compute pipeline with the "main" entry point.
func (r *passResources) computePipeline(label string, layout hal.PipelineLayout, module hal.ShaderModule) (hal.ComputePipeline, error) {
	p, err := r.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  label,
		Layout: layout,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: computeEntryPoint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create %s pipeline: %w", label, err)
	}
	r.compute = append(r.compute, p)
	return p, nil
}

// fullscreenPipeline creates a render pipeline that draws the six-vertex
// fullscreen quad into one color target with replace blending.
func (r *passResources) fullscreenPipeline(label string, layout hal.PipelineLayout, module hal.ShaderModule, format gputypes.TextureFormat) (hal.RenderPipeline, error) {
	blend := gputypes.BlendStateReplace()
	p, err := r.device.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  label,
		Layout: layout,
		Vertex: hal.VertexState{
			Module:     module,
			EntryPoint: vertexEntryPoint,
		},
		Fragment: &hal.FragmentState{
			Module:     module,
			EntryPoint: fragmentEntryPoint,
			Targets: []gputypes.ColorTargetState{
				{
					Format:    format,
					Blend:     &blend,
					WriteMask: gputypes.ColorWriteMaskAll,
				},
			},
		},
		Primitive: gputypes.PrimitiveState{
			Topology: gputypes.PrimitiveTopologyTriangleList,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.DefaultMultisampleState(),
	})
	if err != nil {
		return nil, fmt.Errorf("create %s pipeline: %w", label, err)
	}
	r.render = append(r.render, p)
	return p, nil
}

// buffer creates a GPU buffer and records it for cleanup.
func (r *passResources) buffer(label string, size uint64, usage gputypes.BufferUsage) (hal.Buffer, error) {
	b, err := r.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s buffer: %w", label, err)
	}
	r.buffers = append(r.buffers, b)
	return b, nil
}

// sampler creates a clamp-to-edge sampler with the given filter and records
// it for cleanup.
func (r *passResources) sampler(label string, filter gputypes.FilterMode) (hal.Sampler, error) {
	s, err := r.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        label,
		AddressModeU: gputypes.AddressModeClampToEdge,
		AddressModeV: gputypes.AddressModeClampToEdge,
		AddressModeW: gputypes.AddressModeClampToEdge,
		MagFilter:    filter,
		MinFilter:    filter,
		MipmapFilter: gputypes.FilterModeNearest,
		LodMinClamp:  0,
		LodMaxClamp:  0,
		Compare:      gputypes.CompareFunctionUndefined,
		Anisotropy:   1,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s sampler: %w", label, err)
	}
	r.samplers = append(r.samplers, s)
	return s, nil
}

// destroy releases everything in reverse dependency order: pipelines, then
// pipeline layouts, then bind group layouts, then modules, buffers and
// samplers.
func (r *passResources) destroy() {
	if r.device == nil {
		return
	}
	for _, p := range r.compute {
		r.device.DestroyComputePipeline(p)
	}
	for _, p := range r.render {
		r.device.DestroyRenderPipeline(p)
	}
	for _, l := range r.pipelineLayouts {
		r.device.DestroyPipelineLayout(l)
	}
	for _, l := range r.layouts {
		r.device.DestroyBindGroupLayout(l)
	}
	for _, m := range r.modules {
		r.device.DestroyShaderModule(m)
	}
	for _, b := range r.buffers {
		r.device.DestroyBuffer(b)
	}
	for _, s := range r.samplers {
		r.device.DestroySampler(s)
	}
	*r = passResources{device: r.device}
}

// destroyBindGroups releases groups and clears the slice entries.
func destroyBindGroups(device hal.Device, groups []hal.BindGroup) {
	for i, g := range groups {
		if g != nil {
			device.DestroyBindGroup(g)
			groups[i] = nil
		}
	}
}

// createBindGroup wraps device.CreateBindGroup with a labeled error.
func createBindGroup(device hal.Device, label string, layout hal.BindGroupLayout, entries ...gputypes.BindGroupEntry) (hal.BindGroup, error) {
	g, err := device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   label,
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bind group: %w", label, err)
	}
	return g, nil
}

// uniformEntry returns a uniform buffer layout entry.
func uniformEntry(binding uint32, vis gputypes.ShaderStages, minSize uint64) gputypes.BindGroupLayoutEntry {
	return gputypes.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: vis,
		Buffer: &gputypes.BufferBindingLayout{
			Type:           gputypes.BufferBindingTypeUniform,
			MinBindingSize: minSize,
		},
	}
}

// samplerEntry returns a sampler layout entry.
func samplerEntry(binding uint32, vis gputypes.ShaderStages, typ gputypes.SamplerBindingType) gputypes.BindGroupLayoutEntry {
	return gputypes.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: vis,
		Sampler:    &gputypes.SamplerBindingLayout{Type: typ},
	}
}

// bufferBinding binds size bytes of buf at offset zero.
func bufferBinding(binding uint32, buf hal.Buffer, size uint64) gputypes.BindGroupEntry {
	return gputypes.BindGroupEntry{
		Binding:  binding,
		Resource: gputypes.BufferBinding{Buffer: buf.NativeHandle(), Offset: 0, Size: size},
	}
}

// samplerBinding binds a sampler.
func samplerBinding(binding uint32, s hal.Sampler) gputypes.BindGroupEntry {
	return gputypes.BindGroupEntry{
		Binding:  binding,
		Resource: gputypes.SamplerBinding{Sampler: s.NativeHandle()},
	}
}

// viewBinding binds a texture view.
func viewBinding(binding uint32, v hal.TextureView) gputypes.BindGroupEntry {
	return gputypes.BindGroupEntry{
		Binding:  binding,
		Resource: gputypes.TextureViewBinding{TextureView: v.NativeHandle()},
	}
}
