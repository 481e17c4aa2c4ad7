//go:build !nogpu

package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"

	"github.com/chewxy/math32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Occlusion kernel limits shared with ssao_estimate.wgsl.
const (
	// MaxSsaoSamples is the size of the kernel array in the uniform.
	MaxSsaoSamples = 64

	ssaoKernelSize     = MaxSsaoSamples*16 + 16
	filterDirectionLen = 8
)

// ErrInvalidSsaoParams is returned by SsaoParams.Validate.
var ErrInvalidSsaoParams = errors.New("gpu: invalid ambient occlusion parameters")

// FilterDirection is the blur axis uploaded to the filter uniform.
type FilterDirection [2]int32

var (
	// FilterHorizontal blurs along x.
	FilterHorizontal = FilterDirection{1, 0}
	// FilterVertical blurs along y.
	FilterVertical = FilterDirection{0, 1}
)

// Bytes encodes d as two little-endian int32.
func (d FilterDirection) Bytes() []byte {
	buf := make([]byte, 0, filterDirectionLen)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(d[0])) //nolint:gosec // bit pattern
	buf = binary.LittleEndian.AppendUint32(buf, uint32(d[1])) //nolint:gosec // bit pattern
	return buf
}

// SsaoParams controls the occlusion estimate.
type SsaoParams struct {
	// Radius is the sampling hemisphere radius in view units.
	Radius float32
	// Bias avoids self-occlusion on flat surfaces.
	Bias float32
	// Intensity scales the occlusion term.
	Intensity float32
	// Samples is the kernel size, 1 to MaxSsaoSamples.
	Samples int
	// Seed makes the kernel reproducible.
	Seed int64
}

// DefaultSsaoParams returns the parameters used when none are given.
func DefaultSsaoParams() SsaoParams {
	return SsaoParams{
		Radius:    0.5,
		Bias:      0.025,
		Intensity: 1,
		Samples:   MaxSsaoSamples,
		Seed:      42,
	}
}

// Validate checks the parameter ranges.
func (p SsaoParams) Validate() error {
	switch {
	case p.Radius <= 0:
		return fmt.Errorf("%w: radius %v must be positive", ErrInvalidSsaoParams, p.Radius)
	case p.Bias < 0:
		return fmt.Errorf("%w: bias %v must not be negative", ErrInvalidSsaoParams, p.Bias)
	case p.Intensity < 0:
		return fmt.Errorf("%w: intensity %v must not be negative", ErrInvalidSsaoParams, p.Intensity)
	case p.Samples < 1 || p.Samples > MaxSsaoSamples:
		return fmt.Errorf("%w: samples %d outside 1..%d", ErrInvalidSsaoParams, p.Samples, MaxSsaoSamples)
	}
	return nil
}

// SsaoKernel returns Samples hemisphere vectors around +Z, scaled so that
// more samples fall near the origin.
func SsaoKernel(p SsaoParams) [][3]float32 {
	rng := rand.New(rand.NewSource(p.Seed)) //nolint:gosec // deterministic kernel
	kernel := make([][3]float32, p.Samples)
	for i := range kernel {
		x := rng.Float32()*2 - 1
		y := rng.Float32()*2 - 1
		z := rng.Float32()
		l := math32.Sqrt(x*x + y*y + z*z)
		if l == 0 {
			z, l = 1, 1
		}
		t := float32(i) / float32(p.Samples)
		scale := 0.1 + 0.9*t*t
		kernel[i] = [3]float32{x / l * scale, y / l * scale, z / l * scale}
	}
	return kernel
}

// kernelBytes encodes the kernel uniform: MaxSsaoSamples vec4 samples, then
// (radius, bias, intensity, count).
func kernelBytes(p SsaoParams) []byte {
	buf := make([]byte, 0, ssaoKernelSize)
	kernel := SsaoKernel(p)
	for i := range MaxSsaoSamples {
		var s [3]float32
		if i < len(kernel) {
			s = kernel[i]
		}
		buf = appendFloat32(buf, s[0])
		buf = appendFloat32(buf, s[1])
		buf = appendFloat32(buf, s[2])
		buf = appendFloat32(buf, 0)
	}
	buf = appendFloat32(buf, p.Radius)
	buf = appendFloat32(buf, p.Bias)
	buf = appendFloat32(buf, p.Intensity)
	buf = appendFloat32(buf, float32(p.Samples))
	return buf
}

// AmbientOcclusionPass estimates occlusion into Ssao and blurs it with a
// separable filter. The horizontal blur writes FilteredSsao from Ssao and
// the vertical blur writes Ssao back from FilteredSsao, so Ssao holds the
// result after every launch.
//
// The blur axis lives in an 8-byte uniform that is filled by copying from
// one of two constant buffers. Those three buffers do not depend on the
// resolution and survive every resize.
type AmbientOcclusionPass struct {
	bindingTracker

	device hal.Device
	queue  hal.Queue
	res    passResources

	estimateLayout   hal.BindGroupLayout
	filterLayout     hal.BindGroupLayout
	estimatePipeline hal.ComputePipeline
	filterPipeline   hal.ComputePipeline

	horizontal hal.Buffer
	vertical   hal.Buffer
	direction  hal.Buffer
	kernel     hal.Buffer

	estimateGroup hal.BindGroup
	filterGroups  [2]hal.BindGroup

	params SsaoParams
	limit  uint32
}

// NewAmbientOcclusionPass builds the estimation and filter pipelines. The
// estimation pipeline layout is [cameraLayout, estimation layout].
func NewAmbientOcclusionPass(device hal.Device, queue hal.Queue, shaders *ShaderSet, buffers *BufferSet, cameraLayout hal.BindGroupLayout, params SsaoParams) (*AmbientOcclusionPass, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if queue == nil {
		return nil, ErrNilQueue
	}
	if buffers == nil {
		return nil, ErrNilBufferSet
	}
	if shaders == nil {
		return nil, fmt.Errorf("ssao: %w: nil shader set", ErrMissingShader)
	}
	if err := errorsFirst(
		shaders.require("ssao estimate", shaders.SsaoEstimate),
		shaders.require("ssao filter", shaders.SsaoFilter),
	); err != nil {
		return nil, fmt.Errorf("ssao: %w", err)
	}
	if cameraLayout == nil {
		return nil, fmt.Errorf("ssao: camera layout is nil")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("ssao: %w", err)
	}

	p := &AmbientOcclusionPass{
		device: device,
		queue:  queue,
		res:    passResources{device: device},
		params: params,
		limit:  gputypes.DefaultLimits().MaxComputeWorkgroupsPerDimension,
	}
	if err := p.createPipelines(shaders, buffers, cameraLayout); err != nil {
		p.res.destroy()
		return nil, fmt.Errorf("ssao: %w", err)
	}
	if err := p.createBuffers(); err != nil {
		p.res.destroy()
		return nil, fmt.Errorf("ssao: %w", err)
	}
	if err := p.UpdateBindings(buffers); err != nil {
		p.res.destroy()
		return nil, err
	}
	return p, nil
}

func (p *AmbientOcclusionPass) createPipelines(shaders *ShaderSet, buffers *BufferSet, cameraLayout hal.BindGroupLayout) error {
	vis := gputypes.ShaderStageCompute
	var err error
	p.estimateLayout, err = p.res.layout("ssao_estimate",
		buffers.StorageEntry(0, vis, ViewSsao, false),
		samplerEntry(1, vis, gputypes.SamplerBindingTypeNonFiltering),
		buffers.SampledEntry(2, vis, ViewScreenSpace),
		buffers.SampledEntry(3, vis, ViewNormal),
		uniformEntry(4, vis, ssaoKernelSize),
	)
	if err != nil {
		return err
	}
	p.filterLayout, err = p.res.layout("ssao_filter",
		buffers.StorageEntry(0, vis, ViewSsao, false),
		buffers.StorageEntry(1, vis, ViewFilteredSsao, true),
		uniformEntry(2, vis, filterDirectionLen),
	)
	if err != nil {
		return err
	}

	estimatePL, err := p.res.pipelineLayout("ssao_estimate", cameraLayout, p.estimateLayout)
	if err != nil {
		return err
	}
	filterPL, err := p.res.pipelineLayout("ssao_filter", p.filterLayout)
	if err != nil {
		return err
	}
	estimateModule, err := p.res.module("ssao_estimate", shaders.SsaoEstimate)
	if err != nil {
		return err
	}
	filterModule, err := p.res.module("ssao_filter", shaders.SsaoFilter)
	if err != nil {
		return err
	}
	p.estimatePipeline, err = p.res.computePipeline("ssao_estimate", estimatePL, estimateModule)
	if err != nil {
		return err
	}
	p.filterPipeline, err = p.res.computePipeline("ssao_filter", filterPL, filterModule)
	return err
}

func (p *AmbientOcclusionPass) createBuffers() error {
	var err error
	constant := gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if p.horizontal, err = p.res.buffer("ssao_direction_h", filterDirectionLen, constant); err != nil {
		return err
	}
	if p.vertical, err = p.res.buffer("ssao_direction_v", filterDirectionLen, constant); err != nil {
		return err
	}
	if p.direction, err = p.res.buffer("ssao_direction", filterDirectionLen,
		gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst); err != nil {
		return err
	}
	if p.kernel, err = p.res.buffer("ssao_kernel", ssaoKernelSize,
		gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst); err != nil {
		return err
	}

	if err := p.queue.WriteBuffer(p.horizontal, 0, FilterHorizontal.Bytes()); err != nil {
		return fmt.Errorf("write horizontal direction: %w", err)
	}
	if err := p.queue.WriteBuffer(p.vertical, 0, FilterVertical.Bytes()); err != nil {
		return fmt.Errorf("write vertical direction: %w", err)
	}
	return p.writeKernel()
}

func (p *AmbientOcclusionPass) writeKernel() error {
	if err := p.queue.WriteBuffer(p.kernel, 0, kernelBytes(p.params)); err != nil {
		return fmt.Errorf("write kernel: %w", err)
	}
	return nil
}

// SetParams validates params and rewrites the kernel uniform.
func (p *AmbientOcclusionPass) SetParams(params SsaoParams) error {
	if err := params.Validate(); err != nil {
		return fmt.Errorf("ssao: %w", err)
	}
	old := p.params
	p.params = params
	if err := p.writeKernel(); err != nil {
		p.params = old
		return fmt.Errorf("ssao: %w", err)
	}
	return nil
}

// Params returns the active parameters.
func (p *AmbientOcclusionPass) Params() SsaoParams {
	return p.params
}

// UpdateBindings rebuilds the estimation group and both filter groups
// against the current buffers and makes the pass Ready. On error the
// previous groups are kept.
func (p *AmbientOcclusionPass) UpdateBindings(buffers *BufferSet) error {
	if buffers == nil {
		return fmt.Errorf("ssao: %w", ErrNilBufferSet)
	}

	estimate, err := createBindGroup(p.device, "ssao_estimate", p.estimateLayout,
		buffers.Binding(0, ViewSsao),
		samplerBinding(1, buffers.Sampler()),
		buffers.Binding(2, ViewScreenSpace),
		buffers.Binding(3, ViewNormal),
		bufferBinding(4, p.kernel, ssaoKernelSize),
	)
	if err != nil {
		return fmt.Errorf("ssao: %w", err)
	}

	var filters [2]hal.BindGroup
	filters[0], err = createBindGroup(p.device, "ssao_filter_h", p.filterLayout,
		buffers.Binding(0, ViewFilteredSsao),
		buffers.Binding(1, ViewSsao),
		bufferBinding(2, p.direction, filterDirectionLen),
	)
	if err == nil {
		filters[1], err = createBindGroup(p.device, "ssao_filter_v", p.filterLayout,
			buffers.Binding(0, ViewSsao),
			buffers.Binding(1, ViewFilteredSsao),
			bufferBinding(2, p.direction, filterDirectionLen),
		)
	}
	if err != nil {
		p.device.DestroyBindGroup(estimate)
		destroyBindGroups(p.device, filters[:])
		return fmt.Errorf("ssao: %w", err)
	}

	if p.estimateGroup != nil {
		p.device.DestroyBindGroup(p.estimateGroup)
	}
	destroyBindGroups(p.device, p.filterGroups[:])
	p.estimateGroup = estimate
	p.filterGroups = filters
	p.markBound(buffers, nil)
	return nil
}

// SetWorkgroupLimit sets the per-dimension dispatch limit. Estimation grids
// above it are folded into rows.
func (p *AmbientOcclusionPass) SetWorkgroupLimit(limit uint32) {
	p.limit = limit
}

// State reports whether the bind groups match the current buffers.
func (p *AmbientOcclusionPass) State() BindingState {
	return p.state()
}

// EstimateGrid returns the estimation dispatch for width x height.
func (p *AmbientOcclusionPass) EstimateGrid(width, height uint32) DispatchGrid {
	return LinearGrid(width, height, p.limit)
}

// FilterGrid returns the dispatch of each blur axis for width x height.
func (p *AmbientOcclusionPass) FilterGrid(width, height uint32) DispatchGrid {
	return TileGrid(width, height)
}

// Launch records, in order: the horizontal direction copy, the estimate,
// the horizontal blur into FilteredSsao, the vertical direction copy and the
// vertical blur back into Ssao. cameraGroup is bound at group 0 of the
// estimate. A Stale pass records nothing and returns ErrStaleBindings.
func (p *AmbientOcclusionPass) Launch(enc hal.CommandEncoder, width, height uint32, cameraGroup hal.BindGroup) error {
	if p.state() != BindingStateReady {
		return fmt.Errorf("ssao: %w", ErrStaleBindings)
	}
	if cameraGroup == nil {
		return fmt.Errorf("ssao: camera bind group is nil")
	}
	estimate := p.EstimateGrid(width, height)
	if err := estimate.validate(p.limit); err != nil {
		return fmt.Errorf("ssao: estimate: %w", err)
	}
	filter := p.FilterGrid(width, height)
	if err := filter.validate(p.limit); err != nil {
		return fmt.Errorf("ssao: filter: %w", err)
	}

	p.copyDirection(enc, p.horizontal)

	pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: "ssao_estimate"})
	pass.SetPipeline(p.estimatePipeline)
	pass.SetBindGroup(0, cameraGroup, nil)
	pass.SetBindGroup(1, p.estimateGroup, nil)
	estimate.dispatch(pass)
	pass.End()

	p.blur(enc, "ssao_blur_h", p.filterGroups[0], filter)
	p.copyDirection(enc, p.vertical)
	p.blur(enc, "ssao_blur_v", p.filterGroups[1], filter)

	slogger().Debug("ssao: dispatched", "estimate", estimate.String(), "filter", filter.String())
	return nil
}

func (p *AmbientOcclusionPass) copyDirection(enc hal.CommandEncoder, src hal.Buffer) {
	enc.CopyBufferToBuffer(src, p.direction, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: filterDirectionLen},
	})
}

func (p *AmbientOcclusionPass) blur(enc hal.CommandEncoder, label string, group hal.BindGroup, grid DispatchGrid) {
	pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: label})
	pass.SetPipeline(p.filterPipeline)
	pass.SetBindGroup(0, group, nil)
	grid.dispatch(pass)
	pass.End()
}

// Destroy releases pipelines, buffers and bind groups.
func (p *AmbientOcclusionPass) Destroy() {
	if p.estimateGroup != nil {
		p.device.DestroyBindGroup(p.estimateGroup)
		p.estimateGroup = nil
	}
	destroyBindGroups(p.device, p.filterGroups[:])
	p.res.destroy()
	p.buffers = nil
}
