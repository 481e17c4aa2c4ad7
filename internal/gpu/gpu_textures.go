//go:build !nogpu

package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// image is one 2D GPU image with its default view.
type image struct {
	tex    hal.Texture
	view   hal.TextureView
	format gputypes.TextureFormat
	label  string
}

// imageSpec describes an image of the set before it is allocated.
type imageSpec struct {
	label  string
	format gputypes.TextureFormat
	usage  gputypes.TextureUsage
}

// Indices of the non-role images within imageSet.images.
const (
	depthImage        = ViewCount
	intermediateImage = ViewCount + 1
	imageCount        = ViewCount + 2
)

// imageSpecs returns the layout of the set: the nine roles in ordinal order,
// then depth, then intermediate.
func imageSpecs() [imageCount]imageSpec {
	var specs [imageCount]imageSpec
	for _, sel := range AllViews() {
		specs[sel] = imageSpec{label: sel.String(), format: sel.Format(), usage: sel.Usage()}
	}
	specs[depthImage] = imageSpec{
		label:  "Depth",
		format: DepthFormat,
		usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	}
	specs[intermediateImage] = imageSpec{
		label:  "Intermediate",
		format: OutputFormat,
		usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	}
	return specs
}

// imageAllocations returns the memory accounting entries for a set of the
// given size, in imageSpecs order.
func imageAllocations(w, h uint32) []Allocation {
	specs := imageSpecs()
	allocs := make([]Allocation, len(specs))
	for i, s := range specs {
		allocs[i] = Allocation{
			Label: s.label,
			Bytes: uint64(w) * uint64(h) * bytesPerPixel(s.format),
		}
	}
	return allocs
}

// imageSet holds every image of a buffer set at one resolution. A set is
// never resized in place; resizing builds a new set.
type imageSet struct {
	images [imageCount]image
	width  uint32
	height uint32
}

// createImageSet allocates all images at w x h. On failure everything created
// so far is destroyed. The labelPrefix distinguishes GPU debug labels.
func createImageSet(device hal.Device, w, h uint32, labelPrefix string) (*imageSet, error) {
	ts := &imageSet{width: w, height: h}
	size := hal.Extent3D{Width: w, Height: h, DepthOrArrayLayers: 1}

	for i, spec := range imageSpecs() {
		tex, err := device.CreateTexture(&hal.TextureDescriptor{
			Label:         labelPrefix + "_" + spec.label,
			Size:          size,
			MipLevelCount: 1,
			SampleCount:   1,
			Dimension:     gputypes.TextureDimension2D,
			Format:        spec.format,
			Usage:         spec.usage,
		})
		if err != nil {
			ts.destroy(device)
			return nil, fmt.Errorf("create %s texture: %w", spec.label, err)
		}
		ts.images[i] = image{tex: tex, format: spec.format, label: spec.label}

		aspect := gputypes.TextureAspectAll
		if spec.format == DepthFormat {
			aspect = gputypes.TextureAspectDepthOnly
		}
		view, err := device.CreateTextureView(tex, &hal.TextureViewDescriptor{
			Label:           labelPrefix + "_" + spec.label + "_view",
			Format:          spec.format,
			Dimension:       gputypes.TextureViewDimension2D,
			Aspect:          aspect,
			MipLevelCount:   1,
			ArrayLayerCount: 1,
		})
		if err != nil {
			ts.destroy(device)
			return nil, fmt.Errorf("create %s view: %w", spec.label, err)
		}
		ts.images[i].view = view
	}

	slogger().Debug("gpu: image set created", "width", w, "height", h, "images", imageCount)
	return ts, nil
}

// view returns the view of image i.
func (ts *imageSet) view(i int) hal.TextureView {
	return ts.images[i].view
}

// destroy releases all images in reverse creation order. Views go before
// their textures.
func (ts *imageSet) destroy(device hal.Device) {
	for i := len(ts.images) - 1; i >= 0; i-- {
		img := &ts.images[i]
		if img.view != nil {
			device.DestroyTextureView(img.view)
			img.view = nil
		}
		if img.tex != nil {
			device.DestroyTexture(img.tex)
			img.tex = nil
		}
	}
}
