//go:build !nogpu

package gpu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// MaterialSize is the size of one material record in the storage buffer.
const MaterialSize = 96

// DefaultMaterialCapacity is the material count NewMaterialBuffer uses when
// given zero.
const DefaultMaterialCapacity = 256

// ErrTooManyMaterials is returned when an upload exceeds the capacity.
var ErrTooManyMaterials = errors.New("gpu: too many materials")

// Material map slots hold a texture index or -1 for none.
const NoTexture int32 = -1

// Material is one record of the material table indexed by the MatParams
// image.
type Material struct {
	Color      [4]float32
	Absorption [4]float32
	Specular   [4]float32
	Parameters [4]uint32
	Flags      uint32

	DiffuseMap           int32
	NormalMap            int32
	MetallicRoughnessMap int32
	EmissiveMap          int32
	SheenMap             int32
}

// DefaultMaterial returns a white dielectric without texture maps.
func DefaultMaterial() Material {
	return Material{
		Color:                [4]float32{1, 1, 1, 1},
		Specular:             [4]float32{0.04, 0.04, 0.04, 1},
		DiffuseMap:           NoTexture,
		NormalMap:            NoTexture,
		MetallicRoughnessMap: NoTexture,
		EmissiveMap:          NoTexture,
		SheenMap:             NoTexture,
	}
}

func (m *Material) appendTo(buf []byte) []byte {
	for _, v := range m.Color {
		buf = appendFloat32(buf, v)
	}
	for _, v := range m.Absorption {
		buf = appendFloat32(buf, v)
	}
	for _, v := range m.Specular {
		buf = appendFloat32(buf, v)
	}
	for _, v := range m.Parameters {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	buf = binary.LittleEndian.AppendUint32(buf, m.Flags)
	for _, v := range []int32{m.DiffuseMap, m.NormalMap, m.MetallicRoughnessMap, m.EmissiveMap, m.SheenMap, 0, 0} {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v)) //nolint:gosec // bit pattern
	}
	return buf
}

// MaterialBuffer is the read-only storage buffer of materials bound by the
// lighting pass. Its capacity is fixed at creation.
type MaterialBuffer struct {
	device   hal.Device
	queue    hal.Queue
	buffer   hal.Buffer
	capacity int
	count    int
}

// NewMaterialBuffer creates a material table with room for capacity
// records and uploads DefaultMaterial into slot zero.
func NewMaterialBuffer(device hal.Device, queue hal.Queue, capacity int) (*MaterialBuffer, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	if queue == nil {
		return nil, ErrNilQueue
	}
	if capacity <= 0 {
		capacity = DefaultMaterialCapacity
	}
	buf, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "materials",
		Size:  uint64(capacity) * MaterialSize, //nolint:gosec // positive
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("materials: create buffer: %w", err)
	}
	mb := &MaterialBuffer{device: device, queue: queue, buffer: buf, capacity: capacity}
	if err := mb.Upload([]Material{DefaultMaterial()}); err != nil {
		mb.Destroy()
		return nil, err
	}
	return mb, nil
}

// Upload replaces the table contents.
func (mb *MaterialBuffer) Upload(materials []Material) error {
	if len(materials) > mb.capacity {
		return fmt.Errorf("materials: %w: %d > %d", ErrTooManyMaterials, len(materials), mb.capacity)
	}
	if len(materials) == 0 {
		mb.count = 0
		return nil
	}
	data := make([]byte, 0, len(materials)*MaterialSize)
	for i := range materials {
		data = materials[i].appendTo(data)
	}
	if err := mb.queue.WriteBuffer(mb.buffer, 0, data); err != nil {
		return fmt.Errorf("materials: write: %w", err)
	}
	mb.count = len(materials)
	return nil
}

// Buffer returns the storage buffer.
func (mb *MaterialBuffer) Buffer() hal.Buffer { return mb.buffer }

// Size returns the buffer size in bytes.
func (mb *MaterialBuffer) Size() uint64 { return uint64(mb.capacity) * MaterialSize } //nolint:gosec // positive

// Count returns the number of uploaded materials.
func (mb *MaterialBuffer) Count() int { return mb.count }

// Destroy releases the buffer.
func (mb *MaterialBuffer) Destroy() {
	if mb.buffer != nil {
		mb.device.DestroyBuffer(mb.buffer)
		mb.buffer = nil
	}
}
