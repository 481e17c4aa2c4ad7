//go:build !nogpu

package gpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/image/math/f32"
)

// CameraUniformSize is the size of the camera uniform in bytes: four
// matrices, the position and the viewport.
const CameraUniformSize = 4*64 + 16 + 16

// CameraUniform is the per-frame camera data shared by lighting and
// ambient occlusion. Matrices are row-major as in f32.Mat4 and are written
// column-major for WGSL.
type CameraUniform struct {
	View          f32.Mat4
	Projection    f32.Mat4
	InvView       f32.Mat4
	InvProjection f32.Mat4
	Position      f32.Vec4
	Width         float32
	Height        float32
	Near          float32
	Far           float32
}

// NewCameraUniform builds a uniform for a perspective camera at eye looking
// at center. fovY is in radians.
func NewCameraUniform(eye, center, up f32.Vec3, fovY float32, width, height uint32, near, far float32) CameraUniform {
	aspect := float32(1)
	if height > 0 {
		aspect = float32(width) / float32(height)
	}
	view := LookAt(eye, center, up)
	proj := Perspective(fovY, aspect, near, far)
	return CameraUniform{
		View:          view,
		Projection:    proj,
		InvView:       Inverse(view),
		InvProjection: Inverse(proj),
		Position:      f32.Vec4{eye[0], eye[1], eye[2], 1},
		Width:         float32(width),
		Height:        float32(height),
		Near:          near,
		Far:           far,
	}
}

// Bytes encodes u in the WGSL Camera layout.
func (u *CameraUniform) Bytes() []byte {
	buf := make([]byte, 0, CameraUniformSize)
	for _, m := range []*f32.Mat4{&u.View, &u.Projection, &u.InvView, &u.InvProjection} {
		buf = appendMat4(buf, m)
	}
	for _, v := range u.Position {
		buf = appendFloat32(buf, v)
	}
	for _, v := range []float32{u.Width, u.Height, u.Near, u.Far} {
		buf = appendFloat32(buf, v)
	}
	return buf
}

func appendFloat32(buf []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
}

// appendMat4 writes m column by column.
func appendMat4(buf []byte, m *f32.Mat4) []byte {
	for col := range 4 {
		for row := range 4 {
			buf = appendFloat32(buf, m[row*4+col])
		}
	}
	return buf
}

// Identity returns the 4x4 identity matrix.
func Identity() f32.Mat4 {
	return f32.Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Mul returns a*b.
func Mul(a, b f32.Mat4) f32.Mat4 {
	var m f32.Mat4
	for row := range 4 {
		for col := range 4 {
			var sum float32
			for k := range 4 {
				sum += a[row*4+k] * b[k*4+col]
			}
			m[row*4+col] = sum
		}
	}
	return m
}

// Perspective returns a right-handed projection with a [0, 1] depth range.
func Perspective(fovY, aspect, near, far float32) f32.Mat4 {
	f := 1 / math32.Tan(fovY/2)
	var m f32.Mat4
	m[0] = f / aspect
	m[5] = f
	m[10] = far / (near - far)
	m[11] = near * far / (near - far)
	m[14] = -1
	return m
}

// Orthographic returns a right-handed orthographic projection with a
// [0, 1] depth range.
func Orthographic(left, right, bottom, top, near, far float32) f32.Mat4 {
	m := Identity()
	m[0] = 2 / (right - left)
	m[5] = 2 / (top - bottom)
	m[10] = 1 / (near - far)
	m[3] = -(right + left) / (right - left)
	m[7] = -(top + bottom) / (top - bottom)
	m[11] = near / (near - far)
	return m
}

// LookAt returns a right-handed view matrix.
func LookAt(eye, center, up f32.Vec3) f32.Mat4 {
	z := normalize(sub(eye, center))
	x := normalize(cross(up, z))
	y := cross(z, x)
	return f32.Mat4{
		x[0], x[1], x[2], -dot(x, eye),
		y[0], y[1], y[2], -dot(y, eye),
		z[0], z[1], z[2], -dot(z, eye),
		0, 0, 0, 1,
	}
}

// Inverse returns the inverse of m, or the identity when m is singular.
func Inverse(m f32.Mat4) f32.Mat4 {
	var inv f32.Mat4
	inv[0] = m[5]*m[10]*m[15] - m[5]*m[11]*m[14] - m[9]*m[6]*m[15] + m[9]*m[7]*m[14] + m[13]*m[6]*m[11] - m[13]*m[7]*m[10]
	inv[4] = -m[4]*m[10]*m[15] + m[4]*m[11]*m[14] + m[8]*m[6]*m[15] - m[8]*m[7]*m[14] - m[12]*m[6]*m[11] + m[12]*m[7]*m[10]
	inv[8] = m[4]*m[9]*m[15] - m[4]*m[11]*m[13] - m[8]*m[5]*m[15] + m[8]*m[7]*m[13] + m[12]*m[5]*m[11] - m[12]*m[7]*m[9]
	inv[12] = -m[4]*m[9]*m[14] + m[4]*m[10]*m[13] + m[8]*m[5]*m[14] - m[8]*m[6]*m[13] - m[12]*m[5]*m[10] + m[12]*m[6]*m[9]
	inv[1] = -m[1]*m[10]*m[15] + m[1]*m[11]*m[14] + m[9]*m[2]*m[15] - m[9]*m[3]*m[14] - m[13]*m[2]*m[11] + m[13]*m[3]*m[10]
	inv[5] = m[0]*m[10]*m[15] - m[0]*m[11]*m[14] - m[8]*m[2]*m[15] + m[8]*m[3]*m[14] + m[12]*m[2]*m[11] - m[12]*m[3]*m[10]
	inv[9] = -m[0]*m[9]*m[15] + m[0]*m[11]*m[13] + m[8]*m[1]*m[15] - m[8]*m[3]*m[13] - m[12]*m[1]*m[11] + m[12]*m[3]*m[9]
	inv[13] = m[0]*m[9]*m[14] - m[0]*m[10]*m[13] - m[8]*m[1]*m[14] + m[8]*m[2]*m[13] + m[12]*m[1]*m[10] - m[12]*m[2]*m[9]
	inv[2] = m[1]*m[6]*m[15] - m[1]*m[7]*m[14] - m[5]*m[2]*m[15] + m[5]*m[3]*m[14] + m[13]*m[2]*m[7] - m[13]*m[3]*m[6]
	inv[6] = -m[0]*m[6]*m[15] + m[0]*m[7]*m[14] + m[4]*m[2]*m[15] - m[4]*m[3]*m[14] - m[12]*m[2]*m[7] + m[12]*m[3]*m[6]
	inv[10] = m[0]*m[5]*m[15] - m[0]*m[7]*m[13] - m[4]*m[1]*m[15] + m[4]*m[3]*m[13] + m[12]*m[1]*m[7] - m[12]*m[3]*m[5]
	inv[14] = -m[0]*m[5]*m[14] + m[0]*m[6]*m[13] + m[4]*m[1]*m[14] - m[4]*m[2]*m[13] - m[12]*m[1]*m[6] + m[12]*m[2]*m[5]
	inv[3] = -m[1]*m[6]*m[11] + m[1]*m[7]*m[10] + m[5]*m[2]*m[11] - m[5]*m[3]*m[10] - m[9]*m[2]*m[7] + m[9]*m[3]*m[6]
	inv[7] = m[0]*m[6]*m[11] - m[0]*m[7]*m[10] - m[4]*m[2]*m[11] + m[4]*m[3]*m[10] + m[8]*m[2]*m[7] - m[8]*m[3]*m[6]
	inv[11] = -m[0]*m[5]*m[11] + m[0]*m[7]*m[9] + m[4]*m[1]*m[11] - m[4]*m[3]*m[9] - m[8]*m[1]*m[7] + m[8]*m[3]*m[5]
	inv[15] = m[0]*m[5]*m[10] - m[0]*m[6]*m[9] - m[4]*m[1]*m[10] + m[4]*m[2]*m[9] + m[8]*m[1]*m[6] - m[8]*m[2]*m[5]

	det := m[0]*inv[0] + m[1]*inv[4] + m[2]*inv[8] + m[3]*inv[12]
	if det == 0 {
		return Identity()
	}
	det = 1 / det
	for i := range inv {
		inv[i] *= det
	}
	return inv
}

func sub(a, b f32.Vec3) f32.Vec3 { return f32.Vec3{a[0] - b[0], a[1] - b[1], a[2] - b[2]} }

func dot(a, b f32.Vec3) float32 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func cross(a, b f32.Vec3) f32.Vec3 {
	return f32.Vec3{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func normalize(v f32.Vec3) f32.Vec3 {
	l := math32.Sqrt(dot(v, v))
	if l == 0 {
		return v
	}
	return f32.Vec3{v[0] / l, v[1] / l, v[2] / l}
}

// Camera owns the camera uniform buffer, its layout and its bind group.
// The buffer is sized once and never reallocated, so the bind group stays
// valid across resizes.
type Camera struct {
	device hal.Device
	queue  hal.Queue
	res    passResources
	buffer hal.Buffer
	layout hal.BindGroupLayout
	group  hal.BindGroup
}

// NewCamera creates the camera uniform buffer and its bind group.
func NewCamera(device hal.Device, queue hal.Queue) (*Camera, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if queue == nil {
		return nil, ErrNilQueue
	}
	c := &Camera{device: device, queue: queue, res: passResources{device: device}}

	var err error
	c.buffer, err = c.res.buffer("camera", CameraUniformSize,
		gputypes.BufferUsageUniform|gputypes.BufferUsageCopyDst)
	if err != nil {
		c.res.destroy()
		return nil, fmt.Errorf("camera: %w", err)
	}
	c.layout, err = c.res.layout("camera",
		uniformEntry(0, gputypes.ShaderStageCompute|gputypes.ShaderStageFragment, CameraUniformSize))
	if err != nil {
		c.res.destroy()
		return nil, fmt.Errorf("camera: %w", err)
	}
	c.group, err = createBindGroup(device, "camera", c.layout, bufferBinding(0, c.buffer, CameraUniformSize))
	if err != nil {
		c.res.destroy()
		return nil, fmt.Errorf("camera: %w", err)
	}
	return c, nil
}

// Update uploads u.
func (c *Camera) Update(u CameraUniform) error {
	if err := c.queue.WriteBuffer(c.buffer, 0, u.Bytes()); err != nil {
		return fmt.Errorf("camera: write uniform: %w", err)
	}
	return nil
}

// Buffer returns the uniform buffer.
func (c *Camera) Buffer() hal.Buffer { return c.buffer }

// Layout returns the layout of the camera-only bind group.
func (c *Camera) Layout() hal.BindGroupLayout { return c.layout }

// BindGroup returns the camera-only bind group.
func (c *Camera) BindGroup() hal.BindGroup { return c.group }

// Destroy releases the buffer, layout and bind group.
func (c *Camera) Destroy() {
	if c.group != nil {
		c.device.DestroyBindGroup(c.group)
		c.group = nil
	}
	c.res.destroy()
}
