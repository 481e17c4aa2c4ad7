//go:build !nogpu

package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// BufferSetOption configures a BufferSet.
type BufferSetOption func(*bufferSetOptions)

type bufferSetOptions struct {
	memory       *MemoryManager
	targetFormat gputypes.TextureFormat
	label        string
}

// WithMemoryManager accounts the set's images against m. Allocations that
// would exceed m's budget fail before any device call.
func WithMemoryManager(m *MemoryManager) BufferSetOption {
	return func(o *bufferSetOptions) {
		o.memory = m
	}
}

// WithTargetFormat sets the format of the display target DebugBlit draws
// into. Defaults to OutputFormat.
func WithTargetFormat(f gputypes.TextureFormat) BufferSetOption {
	return func(o *bufferSetOptions) {
		o.targetFormat = f
	}
}

// WithLabel sets the prefix of GPU debug labels.
func WithLabel(label string) BufferSetOption {
	return func(o *bufferSetOptions) {
		o.label = label
	}
}

// BufferSet owns every image of the deferred pipeline at the render
// resolution: the nine role images, depth and intermediate. It also hosts
// the debug blit that shows any role on a display target.
//
// Every Resize reallocates all images and bumps Generation. Passes that
// built bind groups against an older generation report BindingStateStale
// until their UpdateBindings runs.
//
// BufferSet is not safe for concurrent use.
type BufferSet struct {
	device hal.Device
	opts   bufferSetOptions

	images   *imageSet
	allocIDs []uint64

	generation uint64

	res            passResources
	sampler        hal.Sampler
	outputLayout   hal.BindGroupLayout
	debugLayout    hal.BindGroupLayout
	outputPipeline hal.RenderPipeline
	debugPipeline  hal.RenderPipeline
	debugGroups    [ViewCount]hal.BindGroup

	destroyed bool
}

// NewBufferSet allocates every image at width x height, the sampler, the
// blit pipelines and one debug bind group per role.
func NewBufferSet(device hal.Device, shaders *ShaderSet, width, height uint32, opts ...BufferSetOption) (*BufferSet, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("buffers: %w: %dx%d", ErrInvalidSize, width, height)
	}
	if shaders == nil {
		return nil, fmt.Errorf("buffers: %w: nil shader set", ErrMissingShader)
	}
	if err := errorsFirst(shaders.require("blit", shaders.Blit), shaders.require("blit debug", shaders.BlitDebug)); err != nil {
		return nil, fmt.Errorf("buffers: %w", err)
	}

	b := &BufferSet{
		device: device,
		opts: bufferSetOptions{
			targetFormat: OutputFormat,
			label:        "deferred",
		},
		res: passResources{device: device},
	}
	for _, opt := range opts {
		opt(&b.opts)
	}
	if b.opts.memory == nil {
		b.opts.memory = NewMemoryManager(0)
	}

	if err := b.createBlitResources(shaders); err != nil {
		b.res.destroy()
		return nil, fmt.Errorf("buffers: %w", err)
	}

	images, ids, err := b.allocate(width, height, nil)
	if err != nil {
		b.res.destroy()
		return nil, fmt.Errorf("buffers: %w", err)
	}
	groups, err := b.createDebugGroups(images)
	if err != nil {
		images.destroy(device)
		b.opts.memory.Swap(ids, nil) //nolint:errcheck // release only
		b.res.destroy()
		return nil, fmt.Errorf("buffers: %w", err)
	}

	b.images = images
	b.allocIDs = ids
	b.debugGroups = groups
	b.generation = 1

	slogger().Info("buffers: created", "width", width, "height", height)
	return b, nil
}

// errorsFirst returns the first non-nil error.
func errorsFirst(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *BufferSet) createBlitResources(shaders *ShaderSet) error {
	var err error
	b.sampler, err = b.res.sampler(b.opts.label+"_sampler", gputypes.FilterModeNearest)
	if err != nil {
		return err
	}

	b.outputLayout, err = b.res.layout("blit_output",
		b.SampledEntry(0, gputypes.ShaderStageFragment, ViewOutput),
		samplerEntry(1, gputypes.ShaderStageFragment, gputypes.SamplerBindingTypeNonFiltering),
	)
	if err != nil {
		return err
	}
	// The float formats of the other roles are bound unfilterable.
	b.debugLayout, err = b.res.layout("blit_debug",
		gputypes.BindGroupLayoutEntry{
			Binding:    0,
			Visibility: gputypes.ShaderStageFragment,
			Texture: &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeUnfilterableFloat,
				ViewDimension: gputypes.TextureViewDimension2D,
			},
		},
		samplerEntry(1, gputypes.ShaderStageFragment, gputypes.SamplerBindingTypeNonFiltering),
	)
	if err != nil {
		return err
	}

	outputPL, err := b.res.pipelineLayout("blit_output", b.outputLayout)
	if err != nil {
		return err
	}
	debugPL, err := b.res.pipelineLayout("blit_debug", b.debugLayout)
	if err != nil {
		return err
	}
	blitModule, err := b.res.module("blit", shaders.Blit)
	if err != nil {
		return err
	}
	debugModule, err := b.res.module("blit_debug", shaders.BlitDebug)
	if err != nil {
		return err
	}

	b.outputPipeline, err = b.res.fullscreenPipeline("blit_output", outputPL, blitModule, b.opts.targetFormat)
	if err != nil {
		return err
	}
	b.debugPipeline, err = b.res.fullscreenPipeline("blit_debug", debugPL, debugModule, b.opts.targetFormat)
	return err
}

// allocate reserves memory for a w x h set, replacing the old reservations,
// then creates the images. On failure the old reservations are restored.
func (b *BufferSet) allocate(w, h uint32, old []uint64) (*imageSet, []uint64, error) {
	var oldAllocs []Allocation
	if b.images != nil {
		oldAllocs = imageAllocations(b.images.width, b.images.height)
	}
	ids, err := b.opts.memory.Swap(old, imageAllocations(w, h))
	if err != nil {
		return nil, nil, err
	}
	images, err := createImageSet(b.device, w, h, b.opts.label)
	if err != nil {
		b.restoreAllocations(ids, oldAllocs)
		return nil, nil, err
	}
	return images, ids, nil
}

// restoreAllocations swaps the reservations in ids back to allocs. If the
// manager refuses, ids are released and the set holds no reservations.
func (b *BufferSet) restoreAllocations(ids []uint64, allocs []Allocation) {
	restored, err := b.opts.memory.Swap(ids, allocs)
	if err != nil {
		slogger().Warn("buffers: restoring memory accounting failed", "err", err)
		for _, id := range ids {
			b.opts.memory.Release(id)
		}
		restored = nil
	}
	b.allocIDs = restored
}

// createDebugGroups builds one bind group per role. Output uses the output
// layout, every other role the debug layout.
func (b *BufferSet) createDebugGroups(images *imageSet) ([ViewCount]hal.BindGroup, error) {
	var groups [ViewCount]hal.BindGroup
	for _, sel := range AllViews() {
		layout := b.debugLayout
		if sel == ViewOutput {
			layout = b.outputLayout
		}
		g, err := createBindGroup(b.device, "blit_"+sel.String(), layout,
			viewBinding(0, images.view(int(sel))),
			samplerBinding(1, b.sampler),
		)
		if err != nil {
			destroyBindGroups(b.device, groups[:])
			return groups, err
		}
		groups[sel] = g
	}
	return groups, nil
}

// Resize reallocates every image at width x height and rebuilds the debug
// bind groups. There is no same-size shortcut: the generation always
// advances and every pass must UpdateBindings before its next launch.
// On error the set keeps its previous images and generation.
func (b *BufferSet) Resize(width, height uint32) error {
	if b.destroyed {
		return fmt.Errorf("buffers: resize after destroy")
	}
	if width == 0 || height == 0 {
		return fmt.Errorf("buffers: %w: %dx%d", ErrInvalidSize, width, height)
	}

	images, ids, err := b.allocate(width, height, b.allocIDs)
	if err != nil {
		return fmt.Errorf("buffers: resize to %dx%d: %w", width, height, err)
	}
	groups, err := b.createDebugGroups(images)
	if err != nil {
		images.destroy(b.device)
		b.restoreAllocations(ids, imageAllocations(b.images.width, b.images.height))
		return fmt.Errorf("buffers: resize to %dx%d: %w", width, height, err)
	}

	old := b.images
	oldGroups := b.debugGroups
	b.images = images
	b.allocIDs = ids
	b.debugGroups = groups
	b.generation++

	destroyBindGroups(b.device, oldGroups[:])
	old.destroy(b.device)

	slogger().Debug("buffers: resized",
		"width", width, "height", height, "generation", b.generation)
	return nil
}

// Generation returns the allocation epoch. It changes on every Resize.
func (b *BufferSet) Generation() uint64 {
	return b.generation
}

// Size returns the current resolution.
func (b *BufferSet) Size() (width, height uint32) {
	if b.images == nil {
		return 0, 0
	}
	return b.images.width, b.images.height
}

// View returns the view of a role image. Out-of-range selectors resolve to
// Output.
func (b *BufferSet) View(sel ViewSelector) hal.TextureView {
	return b.images.view(int(sel.Normalize()))
}

// Texture returns the texture of a role image.
func (b *BufferSet) Texture(sel ViewSelector) hal.Texture {
	return b.images.images[sel.Normalize()].tex
}

// Format returns the format of a role image.
func (b *BufferSet) Format(sel ViewSelector) gputypes.TextureFormat {
	return sel.Format()
}

// Depth returns the depth view.
func (b *BufferSet) Depth() hal.TextureView {
	return b.images.view(depthImage)
}

// Intermediate returns the intermediate view.
func (b *BufferSet) Intermediate() hal.TextureView {
	return b.images.view(intermediateImage)
}

// Sampler returns the nearest, clamp-to-edge sampler shared by the blits.
func (b *BufferSet) Sampler() hal.Sampler {
	return b.sampler
}

// TargetFormat returns the display format the blit pipelines render into.
func (b *BufferSet) TargetFormat() gputypes.TextureFormat {
	return b.opts.targetFormat
}

// Stats reports the memory held by the images.
func (b *BufferSet) Stats() MemoryStats {
	return b.opts.memory.Stats()
}

// StorageEntry returns a storage image layout entry for sel with the role's
// format. Read-only entries use read access, the rest read-write.
func (b *BufferSet) StorageEntry(binding uint32, vis gputypes.ShaderStages, sel ViewSelector, readOnly bool) gputypes.BindGroupLayoutEntry {
	access := gputypes.StorageTextureAccessReadWrite
	if readOnly {
		access = gputypes.StorageTextureAccessReadOnly
	}
	return gputypes.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: vis,
		StorageTexture: &gputypes.StorageTextureBindingLayout{
			Access:        access,
			Format:        sel.Format(),
			ViewDimension: gputypes.TextureViewDimension2D,
		},
	}
}

// SampledEntry returns a filterable sampled texture layout entry for sel.
func (b *BufferSet) SampledEntry(binding uint32, vis gputypes.ShaderStages, sel ViewSelector) gputypes.BindGroupLayoutEntry {
	return gputypes.BindGroupLayoutEntry{
		Binding:    binding,
		Visibility: vis,
		Texture: &gputypes.TextureBindingLayout{
			SampleType:    gputypes.TextureSampleTypeFloat,
			ViewDimension: gputypes.TextureViewDimension2D,
		},
	}
}

// Binding returns a bind group entry for the current view of sel.
func (b *BufferSet) Binding(binding uint32, sel ViewSelector) gputypes.BindGroupEntry {
	return viewBinding(binding, b.View(sel))
}

// ColorAttachment returns an attachment for sel that clears to black and
// stores.
func (b *BufferSet) ColorAttachment(sel ViewSelector) hal.RenderPassColorAttachment {
	return clearAttachment(b.View(sel))
}

// DepthAttachment returns the depth attachment, cleared to 1.0 and stored.
func (b *BufferSet) DepthAttachment() *hal.RenderPassDepthStencilAttachment {
	return &hal.RenderPassDepthStencilAttachment{
		View:            b.Depth(),
		DepthLoadOp:     gputypes.LoadOpClear,
		DepthStoreOp:    gputypes.StoreOpStore,
		DepthClearValue: 1.0,
	}
}

// clearAttachment returns a clear-to-black, store attachment for view.
func clearAttachment(view hal.TextureView) hal.RenderPassColorAttachment {
	return hal.RenderPassColorAttachment{
		View:       view,
		LoadOp:     gputypes.LoadOpClear,
		StoreOp:    gputypes.StoreOpStore,
		ClearValue: gputypes.Color{R: 0, G: 0, B: 0, A: 1},
	}
}

// DebugBlit draws the selected role into target in one render pass. Output
// uses the output pipeline, every other role the debug pipeline.
// Out-of-range selectors show Output.
func (b *BufferSet) DebugBlit(enc hal.CommandEncoder, target hal.TextureView, sel ViewSelector) {
	sel = sel.Normalize()
	pipeline := b.debugPipeline
	if sel == ViewOutput {
		pipeline = b.outputPipeline
	}

	pass := enc.BeginRenderPass(&hal.RenderPassDescriptor{
		Label:            "debug_blit",
		ColorAttachments: []hal.RenderPassColorAttachment{clearAttachment(target)},
	})
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, b.debugGroups[sel], nil)
	pass.Draw(6, 1, 0, 0)
	pass.End()
}

// Destroy releases all images, bind groups and pipelines. Safe to call more
// than once.
func (b *BufferSet) Destroy() {
	if b.destroyed {
		return
	}
	b.destroyed = true

	destroyBindGroups(b.device, b.debugGroups[:])
	if b.images != nil {
		b.images.destroy(b.device)
	}
	if _, err := b.opts.memory.Swap(b.allocIDs, nil); err != nil {
		slogger().Warn("buffers: releasing memory accounting failed", "err", err)
	}
	b.allocIDs = nil
	b.res.destroy()
	b.sampler = nil
}
