//go:build !nogpu

package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/image/math/f32"
)

// Light buffer geometry shared with lighting.wgsl.
const (
	// MaxLights is the number of lights of one kind the uniforms hold.
	MaxLights = 32

	lightSize       = 64
	lightArraySize  = 16 + MaxLights*lightSize
	LightInfoSize   = 256
	lightInfosSize  = MaxLights * LightInfoSize
	ShadowMapFormat = gputypes.TextureFormatR16Float

	// DefaultShadowMapSize is the edge of each shadow map layer.
	DefaultShadowMapSize = 1024
)

// ErrTooManyLights is returned when more than MaxLights lights of one kind
// are uploaded.
var ErrTooManyLights = errors.New("gpu: too many lights")

// LightKind selects one of the three light arrays.
type LightKind int

const (
	// LightArea is an emitting surface with an area term.
	LightArea LightKind = iota
	// LightSpot is a cone light.
	LightSpot
	// LightDirectional is a light at infinity.
	LightDirectional
)

// lightKindCount is the number of light kinds.
const lightKindCount = 3

// String returns the kind name.
func (k LightKind) String() string {
	switch k {
	case LightArea:
		return "area"
	case LightSpot:
		return "spot"
	case LightDirectional:
		return "directional"
	default:
		return fmt.Sprintf("LightKind(%d)", int(k))
	}
}

// Light is one entry of a light array uniform.
type Light struct {
	Position  f32.Vec3
	Range     float32
	Direction f32.Vec3
	// CosInner and CosOuter bound the spot cone.
	CosInner float32
	Radiance f32.Vec3
	CosOuter float32
	Area     float32
}

func (l *Light) appendTo(buf []byte) []byte {
	for _, v := range []float32{
		l.Position[0], l.Position[1], l.Position[2], l.Range,
		l.Direction[0], l.Direction[1], l.Direction[2], l.CosInner,
		l.Radiance[0], l.Radiance[1], l.Radiance[2], 0,
		l.CosOuter, l.Area, 0, 0,
	} {
		buf = appendFloat32(buf, v)
	}
	return buf
}

// LightInfo is the shadow projection of one light: 256 bytes, a projection
// matrix, the position and the range, then padding.
type LightInfo struct {
	PM       f32.Mat4
	Position f32.Vec3
	Range    float32
}

// Bytes encodes info in its 256-byte uniform layout.
func (info *LightInfo) Bytes() []byte {
	buf := make([]byte, 0, LightInfoSize)
	buf = appendMat4(buf, &info.PM)
	buf = appendFloat32(buf, info.Position[0])
	buf = appendFloat32(buf, info.Position[1])
	buf = appendFloat32(buf, info.Position[2])
	buf = appendFloat32(buf, info.Range)
	return buf[:LightInfoSize]
}

// SpotLightInfo returns the shadow projection of a spot light. The frustum
// covers the outer cone.
func SpotLightInfo(l Light, near float32) LightInfo {
	fov := 2 * math32.Acos(clamp(l.CosOuter, -1, 1))
	if fov <= 0 {
		fov = math32.Pi / 2
	}
	view := LookAt(l.Position, add(l.Position, l.Direction), upFor(l.Direction))
	return LightInfo{
		PM:       Mul(Perspective(fov, 1, near, l.Range), view),
		Position: l.Position,
		Range:    l.Range,
	}
}

// DirectionalLightInfo returns the shadow projection of a directional light
// covering a cube of the given half extent around center.
func DirectionalLightInfo(l Light, center f32.Vec3, extent float32) LightInfo {
	dir := normalize(l.Direction)
	eye := f32.Vec3{center[0] - dir[0]*extent, center[1] - dir[1]*extent, center[2] - dir[2]*extent}
	view := LookAt(eye, center, upFor(dir))
	return LightInfo{
		PM:       Mul(Orthographic(-extent, extent, -extent, extent, 0, 2*extent), view),
		Position: eye,
		Range:    2 * extent,
	}
}

func add(a, b f32.Vec3) f32.Vec3 { return f32.Vec3{a[0] + b[0], a[1] + b[1], a[2] + b[2]} }

func clamp(v, lo, hi float32) float32 {
	return math32.Max(lo, math32.Min(hi, v))
}

// upFor returns an up vector not parallel to dir.
func upFor(dir f32.Vec3) f32.Vec3 {
	d := normalize(dir)
	if math32.Abs(d[1]) > 0.99 {
		return f32.Vec3{0, 0, 1}
	}
	return f32.Vec3{0, 1, 0}
}

// lightBuffers is the GPU state of one light kind.
type lightBuffers struct {
	array  hal.Buffer
	infos  hal.Buffer
	shadow hal.Texture
	view   hal.TextureView
}

// LightBufferGroup owns the light uniforms and shadow map arrays read by
// the lighting pass. The uniform buffers have a fixed size; the shadow map
// arrays are reallocated by Grow, which advances Generation.
type LightBufferGroup struct {
	device hal.Device
	queue  hal.Queue
	res    passResources

	kinds      [lightKindCount]lightBuffers
	sampler    hal.Sampler
	layers     uint32
	mapSize    uint32
	generation uint64
}

// NewLightBufferGroup creates the light uniforms and shadow map arrays with
// room for layers shadow maps per kind.
func NewLightBufferGroup(device hal.Device, queue hal.Queue, layers, mapSize uint32) (*LightBufferGroup, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if queue == nil {
		return nil, ErrNilQueue
	}
	if mapSize == 0 {
		mapSize = DefaultShadowMapSize
	}
	g := &LightBufferGroup{
		device:  device,
		queue:   queue,
		res:     passResources{device: device},
		mapSize: mapSize,
	}

	var err error
	g.sampler, err = g.res.sampler("shadow", gputypes.FilterModeLinear)
	if err != nil {
		g.res.destroy()
		return nil, fmt.Errorf("lights: %w", err)
	}
	for k := range g.kinds {
		kind := LightKind(k)
		g.kinds[k].array, err = g.res.buffer(kind.String()+"_lights", lightArraySize,
			gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
		if err != nil {
			g.res.destroy()
			return nil, fmt.Errorf("lights: %w", err)
		}
		g.kinds[k].infos, err = g.res.buffer(kind.String()+"_light_infos", lightInfosSize,
			gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
		if err != nil {
			g.res.destroy()
			return nil, fmt.Errorf("lights: %w", err)
		}
	}
	if err := g.allocateShadows(max(layers, 1)); err != nil {
		g.res.destroy()
		return nil, fmt.Errorf("lights: %w", err)
	}
	return g, nil
}

// allocateShadows replaces every shadow map array with one of the given
// layer count. The old arrays are destroyed only after all new ones exist.
func (g *LightBufferGroup) allocateShadows(layers uint32) error {
	var fresh [lightKindCount]lightBuffers
	cleanup := func() {
		for _, kb := range fresh {
			if kb.view != nil {
				g.device.DestroyTextureView(kb.view)
			}
			if kb.shadow != nil {
				g.device.DestroyTexture(kb.shadow)
			}
		}
	}
	for k := range fresh {
		label := LightKind(k).String() + "_shadows"
		tex, err := g.device.CreateTexture(&hal.TextureDescriptor{
			Label:         label,
			Size:          hal.Extent3D{Width: g.mapSize, Height: g.mapSize, DepthOrArrayLayers: layers},
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     gputypes.TextureDimension2D,
			Format:        ShadowMapFormat,
			Usage: gputypes.TextureUsageRenderAttachment |
				gputypes.TextureUsageTextureBinding |
				gputypes.TextureUsageCopyDst,
		})
		if err != nil {
			cleanup()
			return fmt.Errorf("create %s texture: %w", label, err)
		}
		fresh[k].shadow = tex
		view, err := g.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
			Label:           label + "_view",
			Format:          ShadowMapFormat,
			Dimension:       gputypes.TextureViewDimension2DArray,
			Aspect:          gputypes.TextureAspectAll,
			MipLevelCount:   1,
			ArrayLayerCount: layers,
		})
		if err != nil {
			cleanup()
			return fmt.Errorf("create %s view: %w", label, err)
		}
		fresh[k].view = view
	}

	for k := range g.kinds {
		old := &g.kinds[k]
		if old.view != nil {
			g.device.DestroyTextureView(old.view)
		}
		if old.shadow != nil {
			g.device.DestroyTexture(old.shadow)
		}
		old.shadow = fresh[k].shadow
		old.view = fresh[k].view
	}
	g.layers = layers
	g.generation++
	return nil
}

// Grow makes room for at least layers shadow maps per kind. Growing
// reallocates the shadow map arrays and advances Generation; a request that
// already fits is a no-op.
func (g *LightBufferGroup) Grow(layers uint32) error {
	layers = min(layers, MaxLights)
	if layers <= g.layers {
		return nil
	}
	if err := g.allocateShadows(layers); err != nil {
		return fmt.Errorf("lights: grow to %d layers: %w", layers, err)
	}
	slogger().Debug("lights: shadow maps grown", "layers", layers, "generation", g.generation)
	return nil
}

// SetLights uploads the lights and shadow projections of one kind. infos
// may be shorter than lights; missing entries are zero.
func (g *LightBufferGroup) SetLights(kind LightKind, lights []Light, infos []LightInfo) error {
	if kind < 0 || int(kind) >= lightKindCount {
		return fmt.Errorf("lights: unknown kind %d", int(kind))
	}
	if len(lights) > MaxLights || len(infos) > MaxLights {
		return fmt.Errorf("lights: %w: %d %s lights, max %d", ErrTooManyLights, len(lights), kind, MaxLights)
	}

	array := make([]byte, 0, lightArraySize)
	array = binary.LittleEndian.AppendUint32(array, uint32(len(lights))) //nolint:gosec // <= MaxLights
	array = append(array, make([]byte, 12)...)
	for i := range lights {
		array = lights[i].appendTo(array)
	}
	array = append(array, make([]byte, lightArraySize-len(array))...)

	infoBytes := make([]byte, 0, lightInfosSize)
	for i := range infos {
		infoBytes = append(infoBytes, infos[i].Bytes()...)
	}
	infoBytes = append(infoBytes, make([]byte, lightInfosSize-len(infoBytes))...)

	kb := &g.kinds[kind]
	if err := g.queue.WriteBuffer(kb.array, 0, array); err != nil {
		return fmt.Errorf("lights: write %s array: %w", kind, err)
	}
	if err := g.queue.WriteBuffer(kb.infos, 0, infoBytes); err != nil {
		return fmt.Errorf("lights: write %s infos: %w", kind, err)
	}
	return nil
}

// Generation returns the allocation epoch of the shadow map arrays.
func (g *LightBufferGroup) Generation() uint64 { return g.generation }

// Layers returns the shadow map layer count per kind.
func (g *LightBufferGroup) Layers() uint32 { return g.layers }

// ShadowView returns the D2Array shadow map view of kind.
func (g *LightBufferGroup) ShadowView(kind LightKind) hal.TextureView { return g.kinds[kind].view }

// ShadowTexture returns the shadow map array of kind, for shadow rendering.
func (g *LightBufferGroup) ShadowTexture(kind LightKind) hal.Texture { return g.kinds[kind].shadow }

// lightLayoutEntries returns the light bindings of the lighting pass: arrays at
// 1-3, the sampler at 4, shadow maps at 6-8 and infos at 10-12.
func lightLayoutEntries() []gputypes.BindGroupLayoutEntry {
	vis := gputypes.ShaderStageCompute
	entries := make([]gputypes.BindGroupLayoutEntry, 0, 10)
	for k := range uint32(lightKindCount) {
		entries = append(entries, uniformEntry(1+k, vis, lightArraySize))
	}
	entries = append(entries, samplerEntry(4, vis, gputypes.SamplerBindingTypeFiltering))
	for k := range uint32(lightKindCount) {
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    6 + k,
			Visibility: vis,
			Texture: &gputypes.TextureBindingLayout{
				SampleType:    gputypes.TextureSampleTypeFloat,
				ViewDimension: gputypes.TextureViewDimension2DArray,
			},
		})
	}
	for k := range uint32(lightKindCount) {
		entries = append(entries, uniformEntry(10+k, vis, lightInfosSize))
	}
	return entries
}

// bindGroupEntries returns the entries matching lightLayoutEntries.
func (g *LightBufferGroup) bindGroupEntries() []gputypes.BindGroupEntry {
	entries := make([]gputypes.BindGroupEntry, 0, 10)
	for k := range g.kinds {
		entries = append(entries, bufferBinding(1+uint32(k), g.kinds[k].array, lightArraySize)) //nolint:gosec // k < 3
	}
	entries = append(entries, samplerBinding(4, g.sampler))
	for k := range g.kinds {
		entries = append(entries, viewBinding(6+uint32(k), g.kinds[k].view)) //nolint:gosec // k < 3
	}
	for k := range g.kinds {
		entries = append(entries, bufferBinding(10+uint32(k), g.kinds[k].infos, lightInfosSize)) //nolint:gosec // k < 3
	}
	return entries
}

// Destroy releases all buffers, shadow maps and the sampler.
func (g *LightBufferGroup) Destroy() {
	for k := range g.kinds {
		kb := &g.kinds[k]
		if kb.view != nil {
			g.device.DestroyTextureView(kb.view)
			kb.view = nil
		}
		if kb.shadow != nil {
			g.device.DestroyTexture(kb.shadow)
			kb.shadow = nil
		}
	}
	g.res.destroy()
}
