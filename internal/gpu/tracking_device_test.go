//go:build !nogpu

package gpu

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// createNoopDevice creates a noop device and queue for testing.
// Returns the device, queue, and a cleanup function.
func createNoopDevice(t *testing.T) (hal.Device, hal.Queue, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, openDev.Queue, cleanup
}

var errInjected = errors.New("injected failure")

// trackedView gives every view a unique native handle so bind group entries
// can be traced back to views. Noop views all report handle zero.
type trackedView struct {
	hal.TextureView
	id    uintptr
	label string
}

func (v *trackedView) NativeHandle() uintptr { return v.id }

// trackedGroup gives every bind group an identity and remembers the views
// it references.
type trackedGroup struct {
	hal.BindGroup
	id    int
	label string
	views []uintptr
}

// command is one recorded encoder operation.
type command struct {
	kind     string // "copy", "dispatch", "draw", "begin_render", "begin_compute"
	label    string
	grid     DispatchGrid
	src, dst hal.Buffer
	size     uint64
	vertices uint32
	groups   map[uint32]hal.BindGroup
	target   hal.TextureView
}

// trackingDevice wraps a noop device and acts as a validation layer: it
// records texture allocations, view destruction, bind group references and
// every command recorded through its encoders.
type trackingDevice struct {
	hal.Device

	mu         sync.Mutex
	nextView   uintptr
	nextGroup  int
	views      map[uintptr]*trackedView
	destroyed  map[uintptr]bool
	groups     []*trackedGroup
	dead       map[int]bool
	textures   []hal.TextureDescriptor
	texDestroy int
	commands   []command
	freedCmds  int

	failTexture   string
	failBindGroup string
	onBindGroup   func(label string)
}

func newTrackingDevice(t *testing.T) (*trackingDevice, hal.Queue) {
	t.Helper()
	device, queue, cleanup := createNoopDevice(t)
	t.Cleanup(cleanup)
	return &trackingDevice{
		Device:    device,
		views:     make(map[uintptr]*trackedView),
		destroyed: make(map[uintptr]bool),
		dead:      make(map[int]bool),
	}, queue
}

func (d *trackingDevice) CreateTexture(desc *hal.TextureDescriptor) (hal.Texture, error) {
	if d.failTexture != "" && strings.Contains(desc.Label, d.failTexture) {
		return nil, errInjected
	}
	d.mu.Lock()
	d.textures = append(d.textures, *desc)
	d.mu.Unlock()
	return d.Device.CreateTexture(desc)
}

func (d *trackingDevice) DestroyTexture(tex hal.Texture) {
	d.mu.Lock()
	d.texDestroy++
	d.mu.Unlock()
	d.Device.DestroyTexture(tex)
}

func (d *trackingDevice) CreateTextureView(tex hal.Texture, desc *hal.TextureViewDescriptor) (hal.TextureView, error) {
	inner, err := d.Device.CreateTextureView(tex, desc)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextView++
	v := &trackedView{TextureView: inner, id: d.nextView, label: desc.Label}
	d.views[v.id] = v
	return v, nil
}

func (d *trackingDevice) DestroyTextureView(view hal.TextureView) {
	if v, ok := view.(*trackedView); ok {
		d.mu.Lock()
		d.destroyed[v.id] = true
		d.mu.Unlock()
		d.Device.DestroyTextureView(v.TextureView)
		return
	}
	d.Device.DestroyTextureView(view)
}

func (d *trackingDevice) CreateBindGroup(desc *hal.BindGroupDescriptor) (hal.BindGroup, error) {
	if d.onBindGroup != nil {
		d.onBindGroup(desc.Label)
	}
	if d.failBindGroup != "" && strings.Contains(desc.Label, d.failBindGroup) {
		return nil, errInjected
	}
	inner, err := d.Device.CreateBindGroup(desc)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextGroup++
	g := &trackedGroup{BindGroup: inner, id: d.nextGroup, label: desc.Label}
	for _, e := range desc.Entries {
		if tv, ok := e.Resource.(gputypes.TextureViewBinding); ok {
			g.views = append(g.views, tv.TextureView)
		}
	}
	d.groups = append(d.groups, g)
	return g, nil
}

func (d *trackingDevice) DestroyBindGroup(group hal.BindGroup) {
	if g, ok := group.(*trackedGroup); ok {
		d.mu.Lock()
		d.dead[g.id] = true
		d.mu.Unlock()
		d.Device.DestroyBindGroup(g.BindGroup)
		return
	}
	d.Device.DestroyBindGroup(group)
}

func (d *trackingDevice) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	inner, err := d.Device.CreateCommandEncoder(desc)
	if err != nil {
		return nil, err
	}
	return &recordingEncoder{CommandEncoder: inner, device: d}, nil
}

func (d *trackingDevice) FreeCommandBuffer(cb hal.CommandBuffer) {
	d.mu.Lock()
	d.freedCmds++
	d.mu.Unlock()
	d.Device.FreeCommandBuffer(cb)
}

// freed returns the number of command buffers freed.
func (d *trackingDevice) freed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freedCmds
}

// heldQueue reports submissions complete only up to completed.
type heldQueue struct {
	hal.Queue
	completed uint64
}

func (q *heldQueue) PollCompleted() uint64 { return q.completed }

func (d *trackingDevice) record(c command) {
	d.mu.Lock()
	d.commands = append(d.commands, c)
	d.mu.Unlock()
}

// referencesDestroyed reports whether g binds any destroyed view.
func (d *trackingDevice) referencesDestroyed(g hal.BindGroup) bool {
	tg, ok := g.(*trackedGroup)
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range tg.views {
		if d.destroyed[id] {
			return true
		}
	}
	return false
}

// isDestroyed reports whether view was destroyed.
func (d *trackingDevice) isDestroyed(view hal.TextureView) bool {
	v, ok := view.(*trackedView)
	if !ok {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed[v.id]
}

// liveGroups counts bind groups not yet destroyed.
func (d *trackingDevice) liveGroups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.groups) - len(d.dead)
}

// takeCommands returns and clears the recorded commands.
func (d *trackingDevice) takeCommands() []command {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmds := d.commands
	d.commands = nil
	return cmds
}

// kinds returns the command kinds in order, skipping pass begins.
func kinds(cmds []command) []string {
	var out []string
	for _, c := range cmds {
		if strings.HasPrefix(c.kind, "begin_") {
			continue
		}
		out = append(out, c.kind)
	}
	return out
}

type recordingEncoder struct {
	hal.CommandEncoder
	device *trackingDevice
}

func (e *recordingEncoder) CopyBufferToBuffer(src, dst hal.Buffer, regions []hal.BufferCopy) {
	var size uint64
	for _, r := range regions {
		size += r.Size
	}
	e.device.record(command{kind: "copy", src: src, dst: dst, size: size})
	e.CommandEncoder.CopyBufferToBuffer(src, dst, regions)
}

func (e *recordingEncoder) BeginComputePass(desc *hal.ComputePassDescriptor) hal.ComputePassEncoder {
	e.device.record(command{kind: "begin_compute", label: desc.Label})
	return &recordingComputePass{
		ComputePassEncoder: e.CommandEncoder.BeginComputePass(desc),
		device:             e.device,
		label:              desc.Label,
		groups:             make(map[uint32]hal.BindGroup),
	}
}

func (e *recordingEncoder) BeginRenderPass(desc *hal.RenderPassDescriptor) hal.RenderPassEncoder {
	var target hal.TextureView
	if len(desc.ColorAttachments) > 0 {
		target = desc.ColorAttachments[0].View
	}
	e.device.record(command{kind: "begin_render", label: desc.Label, target: target})
	return &recordingRenderPass{
		RenderPassEncoder: e.CommandEncoder.BeginRenderPass(desc),
		device:            e.device,
		label:             desc.Label,
		target:            target,
		groups:            make(map[uint32]hal.BindGroup),
	}
}

type recordingComputePass struct {
	hal.ComputePassEncoder
	device *trackingDevice
	label  string
	groups map[uint32]hal.BindGroup
}

func (p *recordingComputePass) SetBindGroup(index uint32, group hal.BindGroup, offsets []uint32) {
	p.groups[index] = group
	p.ComputePassEncoder.SetBindGroup(index, group, offsets)
}

func (p *recordingComputePass) Dispatch(x, y, z uint32) {
	groups := make(map[uint32]hal.BindGroup, len(p.groups))
	for k, v := range p.groups {
		groups[k] = v
	}
	p.device.record(command{kind: "dispatch", label: p.label, grid: DispatchGrid{X: x, Y: y, Z: z}, groups: groups})
	p.ComputePassEncoder.Dispatch(x, y, z)
}

type recordingRenderPass struct {
	hal.RenderPassEncoder
	device *trackingDevice
	label  string
	target hal.TextureView
	groups map[uint32]hal.BindGroup
}

func (p *recordingRenderPass) SetBindGroup(index uint32, group hal.BindGroup, offsets []uint32) {
	p.groups[index] = group
	p.RenderPassEncoder.SetBindGroup(index, group, offsets)
}

func (p *recordingRenderPass) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) {
	groups := make(map[uint32]hal.BindGroup, len(p.groups))
	for k, v := range p.groups {
		groups[k] = v
	}
	p.device.record(command{
		kind:     "draw",
		label:    p.label,
		vertices: vertexCount * instanceCount,
		groups:   groups,
		target:   p.target,
	})
	p.RenderPassEncoder.Draw(vertexCount, instanceCount, firstVertex, firstInstance)
}

// fakeShaders returns a shader set whose programs are placeholder words.
// The noop device does not inspect SPIR-V.
func fakeShaders() *ShaderSet {
	words := []uint32{0x07230203, 0x00010000, 0, 1, 0}
	return &ShaderSet{
		Lighting:     words,
		SsaoEstimate: words,
		SsaoFilter:   words,
		Composite:    words,
		Blit:         words,
		BlitDebug:    words,
	}
}

// passFixture holds a buffer set and every pass built on a tracking device.
type passFixture struct {
	device    *trackingDevice
	queue     hal.Queue
	buffers   *BufferSet
	camera    *Camera
	materials *MaterialBuffer
	lights    *LightBufferGroup
}

func newPassFixture(t *testing.T, w, h uint32) *passFixture {
	t.Helper()
	device, queue := newTrackingDevice(t)
	buffers, err := NewBufferSet(device, fakeShaders(), w, h)
	if err != nil {
		t.Fatalf("NewBufferSet: %v", err)
	}
	camera, err := NewCamera(device, queue)
	if err != nil {
		t.Fatalf("NewCamera: %v", err)
	}
	materials, err := NewMaterialBuffer(device, queue, 4)
	if err != nil {
		t.Fatalf("NewMaterialBuffer: %v", err)
	}
	lights, err := NewLightBufferGroup(device, queue, 1, 16)
	if err != nil {
		t.Fatalf("NewLightBufferGroup: %v", err)
	}
	t.Cleanup(func() {
		lights.Destroy()
		materials.Destroy()
		camera.Destroy()
		buffers.Destroy()
	})
	return &passFixture{
		device:    device,
		queue:     queue,
		buffers:   buffers,
		camera:    camera,
		materials: materials,
		lights:    lights,
	}
}

// beginFrame starts a frame on the fixture's device.
func (f *passFixture) beginFrame(t *testing.T) *FrameEncoder {
	t.Helper()
	frame, err := BeginFrame(f.device, "test")
	if err != nil {
		t.Fatalf("BeginFrame: %v", err)
	}
	t.Cleanup(frame.Discard)
	return frame
}
