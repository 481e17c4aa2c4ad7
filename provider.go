package deferred

import (
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// halProvider is implemented by device providers that wrap a HAL device.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// HALFromProvider extracts the HAL device and queue of provider. Providers
// exposing HalDevice and HalQueue are preferred; otherwise Device and Queue
// must themselves be HAL types.
func HALFromProvider(provider gpucontext.DeviceProvider) (hal.Device, hal.Queue, error) {
	if provider == nil {
		return nil, nil, ErrNoHALDevice
	}

	var device, queue any
	if hp, ok := provider.(halProvider); ok {
		device, queue = hp.HalDevice(), hp.HalQueue()
	} else {
		device, queue = provider.Device(), provider.Queue()
	}

	d, ok := device.(hal.Device)
	if !ok || d == nil {
		return nil, nil, fmt.Errorf("%w: device is %T", ErrNoHALDevice, device)
	}
	q, ok := queue.(hal.Queue)
	if !ok || q == nil {
		return nil, nil, fmt.Errorf("%w: queue is %T", ErrNoHALDevice, queue)
	}
	return d, q, nil
}

// NewFromProvider creates a pipeline on the device of a host application.
// The surface format, when the provider has one, becomes the display format
// unless opts set another.
func NewFromProvider(provider gpucontext.DeviceProvider, width, height int, opts ...Option) (*Pipeline, error) {
	device, queue, err := HALFromProvider(provider)
	if err != nil {
		return nil, err
	}

	info := provider.AdapterInfo()
	Logger().Info("deferred: using provider device", "adapter", info.Name, "type", info.Type.String())
	if info.Type == gpucontext.AdapterTypeSoftware {
		Logger().Warn("deferred: software adapter, compute passes will be slow")
	}

	if f := provider.SurfaceFormat(); f != gputypes.TextureFormatUndefined {
		opts = append([]Option{WithDisplayFormat(f)}, opts...)
	}
	return New(device, queue, width, height, opts...)
}

// WatchResize subscribes to the resize events of src. Each event is recorded
// with RequestResize and applied by the next RenderFrame, so the callback
// never blocks on an in-flight frame.
func (p *Pipeline) WatchResize(src gpucontext.EventSource) {
	if src == nil {
		return
	}
	src.OnResize(p.RequestResize)
}
