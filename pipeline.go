package deferred

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/wgpu/hal"
	"golang.org/x/image/math/f32"

	"github.com/gogpu/deferred/internal/gpu"
)

// Pipeline errors.
var (
	// ErrNoHALDevice is returned by NewFromProvider when the provider does
	// not expose a hal.Device and hal.Queue.
	ErrNoHALDevice = errors.New("deferred: provider does not expose a HAL device")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("deferred: pipeline is closed")

	// ErrInvalidSize is returned for a width or height that is not positive.
	ErrInvalidSize = gpu.ErrInvalidSize

	// ErrStaleBindings is returned by RenderFrame when a pass was not
	// rebuilt after its buffers were reallocated.
	ErrStaleBindings = gpu.ErrStaleBindings

	// ErrNilTarget is returned by RenderFrame for a nil target view.
	ErrNilTarget = errors.New("deferred: render target is nil")
)

// Pipeline owns the buffer set and every pass of the deferred frame and
// records one frame per RenderFrame call:
//
//	lighting -> Radiance
//	ambient occlusion -> Ssao (estimate, horizontal blur, vertical blur)
//	composite -> Output
//	quad resolve -> Intermediate (optional)
//	debug blit of the selected view -> target
//
// Pipeline is safe for concurrent use. Resize and RenderFrame never
// interleave.
type Pipeline struct {
	mu sync.Mutex

	device hal.Device
	queue  hal.Queue
	opts   options

	shaders   *gpu.ShaderSet
	memory    *gpu.MemoryManager
	buffers   *gpu.BufferSet
	camera    *gpu.Camera
	materials *gpu.MaterialBuffer
	lights    *gpu.LightBufferGroup

	lighting  *gpu.LightingPass
	ssao      *gpu.AmbientOcclusionPass
	composite *gpu.CompositePass
	quad      *gpu.QuadPass

	// Submitted command buffers the GPU may still be executing.
	inflight *gpu.InFlight

	view          gpu.ViewSelector
	cameraUniform gpu.CameraUniform
	// Set once SetCamera replaced the default camera.
	customCamera  bool

	width, height uint32

	// A resize requested through WatchResize, applied by the next frame.
	pendingResize bool
	pendingWidth  int
	pendingHeight int

	frames         uint64
	lastSubmission uint64

	closed bool
}

// New creates a pipeline rendering at width x height on device. The embedded
// shaders are compiled unless WithShaderSet supplies a set.
func New(device hal.Device, queue hal.Queue, width, height int, opts ...Option) (*Pipeline, error) {
	if device == nil {
		return nil, fmt.Errorf("deferred: %w", gpu.ErrNilDevice)
	}
	if queue == nil {
		return nil, fmt.Errorf("deferred: %w", gpu.ErrNilQueue)
	}
	w, h, err := checkSize(width, height)
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.ssao.Validate(); err != nil {
		return nil, fmt.Errorf("deferred: %w", err)
	}

	p := &Pipeline{
		device:   device,
		queue:    queue,
		opts:     o,
		view:     o.view,
		width:    w,
		height:   h,
		inflight: gpu.NewInFlight(device),
	}
	if err := p.init(); err != nil {
		p.destroyLocked()
		return nil, err
	}

	Logger().Info("deferred: pipeline created",
		"width", w, "height", h, "view", p.view.String(),
		"memory", p.memory.Stats().String())
	return p, nil
}

// init compiles the shaders and creates every resource and pass.
func (p *Pipeline) init() error {
	o := &p.opts
	p.shaders = o.shaders
	if p.shaders == nil {
		set, err := gpu.CompileShaders(gpu.DefaultShaderSources(), o.compileWorkers)
		if err != nil {
			return fmt.Errorf("deferred: %w", err)
		}
		p.shaders = set
	}

	var err error
	p.memory = gpu.NewMemoryManager(o.memoryBudgetMB)
	p.buffers, err = gpu.NewBufferSet(p.device, p.shaders, p.width, p.height,
		gpu.WithMemoryManager(p.memory),
		gpu.WithTargetFormat(o.displayFormat),
	)
	if err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	if p.camera, err = gpu.NewCamera(p.device, p.queue); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	if p.materials, err = gpu.NewMaterialBuffer(p.device, p.queue, o.materialCapacity); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	if p.lights, err = gpu.NewLightBufferGroup(p.device, p.queue, o.lightLayers, o.shadowMapSize); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}

	p.cameraUniform = defaultCamera(p.width, p.height)
	if err := p.camera.Update(p.cameraUniform); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}

	if p.lighting, err = gpu.NewLightingPass(p.device, p.shaders, p.buffers, p.camera, p.materials, p.lights); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	if p.ssao, err = gpu.NewAmbientOcclusionPass(p.device, p.queue, p.shaders, p.buffers, p.camera.Layout(), o.ssao); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	if p.composite, err = gpu.NewCompositePass(p.device, p.shaders, p.buffers, gpu.OutputFormat); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	if p.quad, err = gpu.NewQuadPass(p.device, p.shaders, p.buffers, gpu.OutputFormat); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}

	limit := gpu.WorkgroupLimit(o.limits)
	p.lighting.SetWorkgroupLimit(limit)
	p.ssao.SetWorkgroupLimit(limit)
	return nil
}

// defaultCamera looks at the origin from +Z with a 60 degree field of view.
func defaultCamera(w, h uint32) gpu.CameraUniform {
	return gpu.NewCameraUniform(
		f32.Vec3{0, 0, 5}, f32.Vec3{0, 0, 0}, f32.Vec3{0, 1, 0},
		1.0471976, w, h, 0.1, 100,
	)
}

func checkSize(width, height int) (w, h uint32, err error) {
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("deferred: %w: %dx%d", ErrInvalidSize, width, height)
	}
	return uint32(width), uint32(height), nil //nolint:gosec // positive
}

// Resize reallocates every buffer at the new size and rebuilds the bindings
// of every pass. It waits for the device to go idle first. Resizing to the
// current size still reallocates.
func (p *Pipeline) Resize(width, height int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.resizeLocked(width, height)
}

func (p *Pipeline) resizeLocked(width, height int) error {
	w, h, err := checkSize(width, height)
	if err != nil {
		return err
	}
	if err := p.device.WaitIdle(); err != nil {
		return fmt.Errorf("deferred: wait idle: %w", err)
	}
	p.inflight.ReleaseAll()
	if err := p.buffers.Resize(w, h); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	p.width, p.height = w, h
	p.pendingResize = false

	if p.customCamera {
		p.cameraUniform.Width, p.cameraUniform.Height = float32(w), float32(h)
	} else {
		p.cameraUniform = defaultCamera(w, h)
	}
	if err := p.camera.Update(p.cameraUniform); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	if err := p.updateBindingsLocked(); err != nil {
		return err
	}

	Logger().Info("deferred: resized", "width", w, "height", h,
		"generation", p.buffers.Generation(), "memory", p.memory.Stats().String())
	return nil
}

// updateBindingsLocked rebuilds the bind groups of every pass against the
// current buffers.
func (p *Pipeline) updateBindingsLocked() error {
	if err := p.lighting.UpdateBindings(p.buffers, p.camera, p.materials, p.lights); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	if err := p.ssao.UpdateBindings(p.buffers); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	if err := p.composite.UpdateBindings(p.buffers); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	if err := p.quad.UpdateBindings(p.buffers); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	return nil
}

// RequestResize records a resize that the next RenderFrame applies before
// recording. Requests with a zero dimension, such as a minimized window, are
// ignored.
func (p *Pipeline) RequestResize(width, height int) {
	if width <= 0 || height <= 0 {
		Logger().Debug("deferred: ignoring resize request", "width", width, "height", height)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingResize = true
	p.pendingWidth, p.pendingHeight = width, height
}

// RenderFrame records one frame ending in a blit of the selected view into
// target, and submits it. A pending resize is applied first.
func (p *Pipeline) RenderFrame(target hal.TextureView) error {
	if target == nil {
		return ErrNilTarget
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.pendingResize {
		p.pendingResize = false
		if err := p.resizeLocked(p.pendingWidth, p.pendingHeight); err != nil {
			return err
		}
	}

	p.inflight.Reclaim(p.queue)
	frame, err := gpu.BeginFrame(p.device, "deferred_frame")
	if err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	if err := p.recordLocked(frame.Encoder(), target); err != nil {
		frame.Discard()
		return err
	}
	if err := frame.Finish(); err != nil {
		frame.Discard()
		return fmt.Errorf("deferred: %w", err)
	}
	index, err := frame.Submit(p.queue, p.inflight)
	if err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	p.lastSubmission = index
	p.frames++
	return nil
}

func (p *Pipeline) recordLocked(enc hal.CommandEncoder, target hal.TextureView) error {
	lighting := func() error {
		if err := p.lighting.Launch(enc, p.width, p.height); err != nil {
			return fmt.Errorf("deferred: lighting: %w", err)
		}
		return nil
	}
	occlusion := func() error {
		if err := p.ssao.Launch(enc, p.width, p.height, p.camera.BindGroup()); err != nil {
			return fmt.Errorf("deferred: ambient occlusion: %w", err)
		}
		return nil
	}

	first, second := lighting, occlusion
	if !p.opts.lightingFirst {
		first, second = occlusion, lighting
	}
	if err := first(); err != nil {
		return err
	}
	if err := second(); err != nil {
		return err
	}

	if err := p.composite.Render(enc, p.buffers.View(gpu.ViewOutput)); err != nil {
		return fmt.Errorf("deferred: composite: %w", err)
	}
	if p.opts.resolveIntermediate {
		if err := p.quad.Render(enc, p.buffers.Intermediate()); err != nil {
			return fmt.Errorf("deferred: resolve: %w", err)
		}
	}
	p.buffers.DebugBlit(enc, target, p.view)
	return nil
}

// SetView selects the image blitted to the target. Out-of-range selectors
// show Output.
func (p *Pipeline) SetView(sel gpu.ViewSelector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.view = sel.Normalize()
}

// View returns the selected view.
func (p *Pipeline) View() gpu.ViewSelector {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.view
}

// SetSsaoParams regenerates the ambient occlusion kernel.
func (p *Pipeline) SetSsaoParams(params gpu.SsaoParams) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.ssao.SetParams(params); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	return nil
}

// SetCamera uploads the camera uniform. The viewport is overwritten with the
// render size. Once called, Resize keeps the caller's projection and only
// updates the viewport; before that, the default camera is rebuilt for the
// new aspect ratio.
func (p *Pipeline) SetCamera(u gpu.CameraUniform) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	u.Width, u.Height = float32(p.width), float32(p.height)
	if err := p.camera.Update(u); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	p.cameraUniform = u
	p.customCamera = true
	return nil
}

// UploadMaterials replaces the material records.
func (p *Pipeline) UploadMaterials(materials []gpu.Material) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.materials.Upload(materials); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	return nil
}

// SetLights uploads the lights of one kind and their shadow projections.
// The shadow maps grow when a kind holds more lights than layers, and the
// lighting pass is rebuilt against them.
func (p *Pipeline) SetLights(kind gpu.LightKind, lights []gpu.Light, infos []gpu.LightInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if n := uint32(len(lights)); n > p.lights.Layers() && n <= gpu.MaxLights { //nolint:gosec // bounded by MaxLights
		if err := p.device.WaitIdle(); err != nil {
			return fmt.Errorf("deferred: wait idle: %w", err)
		}
		p.inflight.ReleaseAll()
		if err := p.lights.Grow(n); err != nil {
			return fmt.Errorf("deferred: %w", err)
		}
		if err := p.lighting.UpdateBindings(p.buffers, p.camera, p.materials, p.lights); err != nil {
			return fmt.Errorf("deferred: %w", err)
		}
	}
	if err := p.lights.SetLights(kind, lights, infos); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	return nil
}

// FrameStats describes the pipeline state and the dispatch plan of the next
// frame.
type FrameStats struct {
	Width, Height  uint32
	Generation     uint64
	Frames         uint64
	LastSubmission uint64
	InFlight       int
	View           gpu.ViewSelector

	Lighting     gpu.BindingState
	Occlusion    gpu.BindingState
	Composite    gpu.BindingState
	LightingGrid gpu.DispatchGrid
	EstimateGrid gpu.DispatchGrid
	FilterGrid   gpu.DispatchGrid

	Memory gpu.MemoryStats
}

// SetMemoryBudgetMB changes the memory budget. Zero disables it. A budget
// below current usage fails with gpu.ErrMemoryBudgetExceeded.
func (p *Pipeline) SetMemoryBudgetMB(mb int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if err := p.memory.SetBudget(mb); err != nil {
		return fmt.Errorf("deferred: %w", err)
	}
	p.opts.memoryBudgetMB = mb
	return nil
}

// Stats returns a snapshot of the pipeline state.
func (p *Pipeline) Stats() FrameStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := FrameStats{
		Width:          p.width,
		Height:         p.height,
		Frames:         p.frames,
		LastSubmission: p.lastSubmission,
		InFlight:       p.inflight.Len(),
		View:           p.view,
		Memory:         p.memory.Stats(),
	}
	if p.closed {
		return s
	}
	s.Generation = p.buffers.Generation()
	s.Lighting = p.lighting.State()
	s.Occlusion = p.ssao.State()
	s.Composite = p.composite.State()
	s.LightingGrid = p.lighting.Grid(p.width, p.height)
	s.EstimateGrid = p.ssao.EstimateGrid(p.width, p.height)
	s.FilterGrid = p.ssao.FilterGrid(p.width, p.height)
	return s
}

// Size returns the render size.
func (p *Pipeline) Size() (width, height int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.width), int(p.height)
}

// Buffers returns the buffer set. Its images are reallocated on every
// resize, so views must not be kept across Resize.
func (p *Pipeline) Buffers() *gpu.BufferSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffers
}

// Close waits for the device to go idle and releases every resource. It is
// safe to call more than once. The device and queue are not destroyed.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if err := p.device.WaitIdle(); err != nil {
		Logger().Warn("deferred: wait idle on close", "err", err)
	}
	p.inflight.ReleaseAll()
	p.destroyLocked()
	p.closed = true
	Logger().Info("deferred: pipeline closed", "frames", p.frames)
}

// destroyLocked releases whatever init created, in reverse order.
func (p *Pipeline) destroyLocked() {
	if p.quad != nil {
		p.quad.Destroy()
	}
	if p.composite != nil {
		p.composite.Destroy()
	}
	if p.ssao != nil {
		p.ssao.Destroy()
	}
	if p.lighting != nil {
		p.lighting.Destroy()
	}
	if p.lights != nil {
		p.lights.Destroy()
	}
	if p.materials != nil {
		p.materials.Destroy()
	}
	if p.camera != nil {
		p.camera.Destroy()
	}
	if p.buffers != nil {
		p.buffers.Destroy()
	}
	if p.memory != nil {
		p.memory.Close()
	}
}
