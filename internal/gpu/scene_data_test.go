//go:build !nogpu

package gpu

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/chewxy/math32"
	"golang.org/x/image/math/f32"
)

func approxEqual(a, b f32.Mat4, eps float32) bool {
	for i := range a {
		if math32.Abs(a[i]-b[i]) > eps {
			return false
		}
	}
	return true
}

func TestInverse(t *testing.T) {
	view := LookAt(f32.Vec3{3, 4, 5}, f32.Vec3{0, 0, 0}, f32.Vec3{0, 1, 0})
	proj := Perspective(math32.Pi/3, 16.0/9.0, 0.1, 100)
	for name, m := range map[string]f32.Mat4{"view": view, "projection": proj, "identity": Identity()} {
		if got := Mul(m, Inverse(m)); !approxEqual(got, Identity(), 1e-4) {
			t.Errorf("%s * Inverse(%s) = %v, want identity", name, name, got)
		}
	}
	if got := Inverse(f32.Mat4{}); got != Identity() {
		t.Errorf("Inverse(singular) = %v, want identity", got)
	}
}

// TestProjectionDepthRange checks that both projections map the near plane
// to depth 0 and the far plane to depth 1, the WebGPU clip range.
func TestProjectionDepthRange(t *testing.T) {
	const near, far = 0.5, 40
	projections := map[string]f32.Mat4{
		"perspective":  Perspective(math32.Pi/3, 1.5, near, far),
		"orthographic": Orthographic(-2, 2, -1, 1, near, far),
	}
	// Depth of the view-space point (0, 0, z) after the perspective divide.
	depth := func(m f32.Mat4, z float32) float32 {
		return (m[10]*z + m[11]) / (m[14]*z + m[15])
	}
	for name, m := range projections {
		if got := depth(m, -near); math32.Abs(got) > 1e-5 {
			t.Errorf("%s: near plane depth = %v, want 0", name, got)
		}
		if got := depth(m, -far); math32.Abs(got-1) > 1e-5 {
			t.Errorf("%s: far plane depth = %v, want 1", name, got)
		}
	}
}

func TestLookAtMapsEyeToOrigin(t *testing.T) {
	eye := f32.Vec3{1, 2, 3}
	view := LookAt(eye, f32.Vec3{1, 2, 0}, f32.Vec3{0, 1, 0})
	for row := range 3 {
		v := view[row*4]*eye[0] + view[row*4+1]*eye[1] + view[row*4+2]*eye[2] + view[row*4+3]
		if math32.Abs(v) > 1e-5 {
			t.Errorf("row %d maps eye to %v, want 0", row, v)
		}
	}
}

func TestCameraUniformBytes(t *testing.T) {
	u := NewCameraUniform(f32.Vec3{0, 0, 5}, f32.Vec3{}, f32.Vec3{0, 1, 0}, math32.Pi/4, 1920, 1080, 0.1, 100)
	buf := u.Bytes()
	if len(buf) != CameraUniformSize {
		t.Fatalf("uniform is %d bytes, want %d", len(buf), CameraUniformSize)
	}

	f := func(off int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])) }
	// View translation is in column 3, which starts at byte 48.
	if got := f(48 + 8); got != u.View[11] {
		t.Errorf("view[2][3] = %v, want %v (column-major)", got, u.View[11])
	}
	if got := f(4 * 64); got != 0 || f(4*64+8) != 5 {
		t.Errorf("position = (%v, _, %v), want (0, _, 5)", got, f(4*64+8))
	}
	if f(4*64+16) != 1920 || f(4*64+20) != 1080 || f(4*64+24) != 0.1 || f(4*64+28) != 100 {
		t.Error("viewport block mismatch")
	}
}

func TestCameraUpdate(t *testing.T) {
	device, queue := newTrackingDevice(t)
	c, err := NewCamera(device, queue)
	if err != nil {
		t.Fatalf("NewCamera: %v", err)
	}
	defer c.Destroy()

	u := NewCameraUniform(f32.Vec3{0, 0, 5}, f32.Vec3{}, f32.Vec3{0, 1, 0}, math32.Pi/4, 64, 64, 0.1, 100)
	if err := c.Update(u); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got := readBuffer(t, device, c.Buffer(), CameraUniformSize)
	want := u.Bytes()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}
	if c.Layout() == nil || c.BindGroup() == nil {
		t.Error("camera layout or bind group missing")
	}
}

func TestMaterialLayout(t *testing.T) {
	m := DefaultMaterial()
	buf := m.appendTo(nil)
	if len(buf) != MaterialSize {
		t.Fatalf("material is %d bytes, want %d", len(buf), MaterialSize)
	}
	// DiffuseMap follows color, absorption, specular, parameters and flags.
	if got := int32(binary.LittleEndian.Uint32(buf[68:])); got != NoTexture { //nolint:gosec // bit pattern
		t.Errorf("diffuse map = %d, want %d", got, NoTexture)
	}
}

func TestMaterialBuffer(t *testing.T) {
	device, queue := newTrackingDevice(t)
	mb, err := NewMaterialBuffer(device, queue, 2)
	if err != nil {
		t.Fatalf("NewMaterialBuffer: %v", err)
	}
	defer mb.Destroy()

	if mb.Count() != 1 {
		t.Errorf("Count() = %d, want 1 (default material)", mb.Count())
	}
	if mb.Size() != 2*MaterialSize {
		t.Errorf("Size() = %d, want %d", mb.Size(), 2*MaterialSize)
	}
	red := DefaultMaterial()
	red.Color = [4]float32{1, 0, 0, 1}
	if err := mb.Upload([]Material{DefaultMaterial(), red}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got := readBuffer(t, device, mb.Buffer(), mb.Size())
	if g := math.Float32frombits(binary.LittleEndian.Uint32(got[MaterialSize+4:])); g != 0 {
		t.Errorf("second material green = %v, want 0", g)
	}
	if err := mb.Upload(make([]Material, 3)); !errors.Is(err, ErrTooManyMaterials) {
		t.Errorf("Upload(3) = %v, want ErrTooManyMaterials", err)
	}
}

func TestLightLayouts(t *testing.T) {
	l := Light{Position: f32.Vec3{1, 2, 3}, Range: 10, CosOuter: 0.5, Area: 2}
	if got := len(l.appendTo(nil)); got != lightSize {
		t.Errorf("light is %d bytes, want %d", got, lightSize)
	}
	info := SpotLightInfo(l, 0.1)
	if got := len(info.Bytes()); got != LightInfoSize {
		t.Errorf("light info is %d bytes, want %d", got, LightInfoSize)
	}
	dir := DirectionalLightInfo(Light{Direction: f32.Vec3{0, -1, 0}}, f32.Vec3{}, 10)
	if dir.Position[1] != 10 {
		t.Errorf("directional eye = %v, want above the center", dir.Position)
	}
}

func TestLightBufferGroup(t *testing.T) {
	device, queue := newTrackingDevice(t)
	g, err := NewLightBufferGroup(device, queue, 0, 32)
	if err != nil {
		t.Fatalf("NewLightBufferGroup: %v", err)
	}
	defer g.Destroy()

	if g.Layers() != 1 || g.Generation() != 1 {
		t.Errorf("layers = %d generation = %d, want 1, 1", g.Layers(), g.Generation())
	}
	if len(lightLayoutEntries()) != len(g.bindGroupEntries()) {
		t.Error("layout and bind group entry counts differ")
	}

	old := g.ShadowView(LightSpot)
	if err := g.Grow(1); err != nil || g.Generation() != 1 {
		t.Errorf("Grow(1) changed generation or failed: %v", err)
	}
	if err := g.Grow(100); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if g.Layers() != MaxLights || g.Generation() != 2 {
		t.Errorf("layers = %d generation = %d, want %d, 2", g.Layers(), g.Generation(), MaxLights)
	}
	if !device.isDestroyed(old) {
		t.Error("old shadow view was not destroyed")
	}

	lights := []Light{{Range: 5}, {Range: 6}}
	if err := g.SetLights(LightArea, lights, nil); err != nil {
		t.Fatalf("SetLights: %v", err)
	}
	arr := readBuffer(t, device, g.kinds[LightArea].array, lightArraySize)
	if n := binary.LittleEndian.Uint32(arr); n != 2 {
		t.Errorf("light count = %d, want 2", n)
	}
	if err := g.SetLights(LightSpot, make([]Light, MaxLights+1), nil); !errors.Is(err, ErrTooManyLights) {
		t.Errorf("SetLights(33) = %v, want ErrTooManyLights", err)
	}
	if err := g.SetLights(LightKind(5), nil, nil); err == nil {
		t.Error("SetLights accepted an unknown kind")
	}
}
