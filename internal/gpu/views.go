//go:build !nogpu

package gpu

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

// ViewSelector names one image of the buffer set. The ordinal values are the
// wire values accepted from configuration and the CLI.
type ViewSelector int

const (
	// ViewOutput is the final composited color image.
	ViewOutput ViewSelector = iota
	// ViewAlbedo holds surface base color.
	ViewAlbedo
	// ViewNormal holds world-space normals.
	ViewNormal
	// ViewGBuffer holds world-space positions.
	ViewGBuffer
	// ViewRadiance holds the lighting result.
	ViewRadiance
	// ViewScreenSpace holds screen-space position and depth.
	ViewScreenSpace
	// ViewSsao holds ambient occlusion. After a full occlusion pass it holds
	// the blurred result.
	ViewSsao
	// ViewFilteredSsao is scratch space for the horizontal blur.
	ViewFilteredSsao
	// ViewMatParams holds per-pixel material parameters.
	ViewMatParams
)

// ViewCount is the number of selectable views.
const ViewCount = int(ViewMatParams) + 1

// Fixed image formats.
const (
	OutputFormat    = gputypes.TextureFormatBGRA8UnormSrgb
	GBufferFormat   = gputypes.TextureFormatRGBA16Float
	OcclusionFormat = gputypes.TextureFormatR16Float
	DepthFormat     = gputypes.TextureFormatDepth32Float
)

var viewNames = [ViewCount]string{
	"Output",
	"Albedo",
	"Normal",
	"GBuffer",
	"Radiance",
	"ScreenSpace",
	"Ssao",
	"FilteredSsao",
	"MatParams",
}

// AllViews returns every selector in ordinal order.
func AllViews() []ViewSelector {
	views := make([]ViewSelector, ViewCount)
	for i := range views {
		views[i] = ViewSelector(i)
	}
	return views
}

// ViewFromOrdinal maps a wire ordinal to a selector. Ordinals outside 0..8
// resolve to ViewOutput.
func ViewFromOrdinal(ordinal int) ViewSelector {
	if ordinal < 0 || ordinal >= ViewCount {
		return ViewOutput
	}
	return ViewSelector(ordinal)
}

// ParseView maps a role name (case-insensitive) to a selector. Unknown names
// resolve to ViewOutput and ok is false.
func ParseView(name string) (sel ViewSelector, ok bool) {
	name = strings.TrimSpace(name)
	for i, n := range viewNames {
		if strings.EqualFold(n, name) {
			return ViewSelector(i), true
		}
	}
	return ViewOutput, false
}

// Valid reports whether s is one of the nine roles.
func (s ViewSelector) Valid() bool {
	return s >= 0 && int(s) < ViewCount
}

// Normalize returns s, or ViewOutput when s is out of range.
func (s ViewSelector) Normalize() ViewSelector {
	return ViewFromOrdinal(int(s))
}

// String returns the role name.
func (s ViewSelector) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
	return viewNames[s]
}

// Format returns the image format of the role.
func (s ViewSelector) Format() gputypes.TextureFormat {
	switch s.Normalize() {
	case ViewOutput:
		return OutputFormat
	case ViewSsao, ViewFilteredSsao:
		return OcclusionFormat
	default:
		return GBufferFormat
	}
}

// Usage returns the texture usage of the role. Every role except Output can
// be bound as a storage image.
func (s ViewSelector) Usage() gputypes.TextureUsage {
	if s.Normalize() == ViewOutput {
		return gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding
	}
	return gputypes.TextureUsageRenderAttachment |
		gputypes.TextureUsageTextureBinding |
		gputypes.TextureUsageStorageBinding
}

// bytesPerPixel returns the texel size of the formats used by the buffer set.
func bytesPerPixel(f gputypes.TextureFormat) uint64 {
	switch f {
	case gputypes.TextureFormatR16Float:
		return 2
	case gputypes.TextureFormatRGBA16Float:
		return 8
	default:
		return 4
	}
}
