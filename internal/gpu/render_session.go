//go:build !nogpu

package gpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/wgpu/hal"
)

// Frame encoder errors.
var (
	// ErrFrameNotRecording is returned when Finish or Encoder is used on a
	// frame that was never begun, was already finished or was discarded.
	ErrFrameNotRecording = errors.New("gpu: frame is not recording")

	// ErrFrameNotFinished is returned when Submit is called before Finish.
	ErrFrameNotFinished = errors.New("gpu: frame is not finished")

	// ErrNilInFlight is returned when Submit has no list to hand the
	// command buffer to.
	ErrNilInFlight = errors.New("gpu: in-flight list is nil")
)

// FrameState is the lifecycle of a FrameEncoder.
type FrameState int

const (
	// FrameStateRecording means commands may be recorded.
	FrameStateRecording FrameState = iota
	// FrameStateFinished means encoding ended and the frame can be submitted.
	FrameStateFinished
	// FrameStateSubmitted means the command buffer was handed to the queue.
	FrameStateSubmitted
	// FrameStateDiscarded means recording was abandoned.
	FrameStateDiscarded
)

// String returns the string representation of FrameState.
func (s FrameState) String() string {
	switch s {
	case FrameStateRecording:
		return "Recording"
	case FrameStateFinished:
		return "Finished"
	case FrameStateSubmitted:
		return "Submitted"
	case FrameStateDiscarded:
		return "Discarded"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// FrameEncoder records all passes of one frame into a single command
// buffer and submits it once.
//
// Usage:
//
//	frame, err := BeginFrame(device, "frame")
//	if err != nil { ... }
//	if err := lighting.Launch(frame.Encoder(), w, h); err != nil {
//		frame.Discard()
//		return err
//	}
//	if err := frame.Finish(); err != nil { ... }
//	index, err := frame.Submit(queue, inflight)
type FrameEncoder struct {
	device  hal.Device
	encoder hal.CommandEncoder
	cmdBuf  hal.CommandBuffer
	state   FrameState
	label   string
}

// BeginFrame creates a command encoder and begins recording. Callers
// holding an InFlight list reclaim completed command buffers first.
func BeginFrame(device hal.Device, label string) (*FrameEncoder, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	encoder, err := device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: label + "_encoder",
	})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}
	return &FrameEncoder{
		device:  device,
		encoder: encoder,
		state:   FrameStateRecording,
		label:   label,
	}, nil
}

// Encoder returns the command encoder passes record into.
func (f *FrameEncoder) Encoder() hal.CommandEncoder {
	return f.encoder
}

// State returns the lifecycle state.
func (f *FrameEncoder) State() FrameState {
	return f.state
}

// Finish ends encoding.
func (f *FrameEncoder) Finish() error {
	if f.state != FrameStateRecording {
		return fmt.Errorf("%w: %s", ErrFrameNotRecording, f.state)
	}
	cmdBuf, err := f.encoder.EndEncoding()
	if err != nil {
		f.state = FrameStateDiscarded
		return fmt.Errorf("end encoding: %w", err)
	}
	f.cmdBuf = cmdBuf
	f.state = FrameStateFinished
	return nil
}

// Submit hands the finished command buffer to queue and passes its
// ownership to inflight, which frees it once the GPU has completed the
// submission. It returns the submission index.
func (f *FrameEncoder) Submit(queue hal.Queue, inflight *InFlight) (uint64, error) {
	if f.state != FrameStateFinished {
		return 0, fmt.Errorf("%w: %s", ErrFrameNotFinished, f.state)
	}
	if queue == nil {
		return 0, ErrNilQueue
	}
	if inflight == nil {
		return 0, ErrNilInFlight
	}

	index, err := queue.Submit([]hal.CommandBuffer{f.cmdBuf})
	if err != nil {
		// The queue rejected the buffer, so the GPU never saw it.
		f.device.FreeCommandBuffer(f.cmdBuf)
		f.cmdBuf = nil
		f.state = FrameStateDiscarded
		return 0, fmt.Errorf("submit %s: %w", f.label, err)
	}
	inflight.track(f.cmdBuf, index)
	f.cmdBuf = nil
	f.state = FrameStateSubmitted
	return index, nil
}

// submission is a command buffer handed to the queue.
type submission struct {
	cmdBuf hal.CommandBuffer
	index  uint64
}

// InFlight holds submitted command buffers until the queue reports their
// submission index complete. A command buffer must not be freed while the
// GPU may still execute it.
//
// InFlight is not safe for concurrent use.
type InFlight struct {
	device  hal.Device
	pending []submission
}

// NewInFlight returns an empty list freeing command buffers on device.
func NewInFlight(device hal.Device) *InFlight {
	return &InFlight{device: device}
}

func (f *InFlight) track(cmdBuf hal.CommandBuffer, index uint64) {
	f.pending = append(f.pending, submission{cmdBuf: cmdBuf, index: index})
}

// Reclaim frees every command buffer whose submission queue has completed
// and returns how many were freed. It never blocks.
func (f *InFlight) Reclaim(queue hal.Queue) int {
	if len(f.pending) == 0 {
		return 0
	}
	completed := queue.PollCompleted()
	kept := f.pending[:0]
	freed := 0
	for _, s := range f.pending {
		if s.index <= completed {
			f.device.FreeCommandBuffer(s.cmdBuf)
			freed++
			continue
		}
		kept = append(kept, s)
	}
	clear(f.pending[len(kept):])
	f.pending = kept
	return freed
}

// ReleaseAll frees every pending command buffer. The caller must have
// waited for the device to go idle.
func (f *InFlight) ReleaseAll() {
	for _, s := range f.pending {
		f.device.FreeCommandBuffer(s.cmdBuf)
	}
	clear(f.pending)
	f.pending = f.pending[:0]
}

// Len returns the number of command buffers still pending.
func (f *InFlight) Len() int {
	return len(f.pending)
}

// Discard abandons recording. Safe to call in any state.
func (f *FrameEncoder) Discard() {
	switch f.state {
	case FrameStateRecording:
		f.encoder.DiscardEncoding()
	case FrameStateFinished:
		f.device.FreeCommandBuffer(f.cmdBuf)
		f.cmdBuf = nil
	default:
		return
	}
	f.state = FrameStateDiscarded
}
