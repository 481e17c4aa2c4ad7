package deferred

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/deferred/internal/gpu"
)

// Option configures a Pipeline during creation.
//
// Example:
//
//	p, err := deferred.New(device, queue, 1280, 720,
//	    deferred.WithView(gpu.ViewRadiance),
//	    deferred.WithMemoryBudgetMB(256),
//	)
type Option func(*options)

// options holds optional configuration for Pipeline creation.
type options struct {
	view                gpu.ViewSelector
	ssao                gpu.SsaoParams
	displayFormat       gputypes.TextureFormat
	memoryBudgetMB      int
	shaders             *gpu.ShaderSet
	compileWorkers      int
	lightLayers         uint32
	shadowMapSize       uint32
	materialCapacity    int
	resolveIntermediate bool
	lightingFirst       bool
	limits              gputypes.Limits
}

// defaultOptions returns the default pipeline options.
func defaultOptions() options {
	return options{
		view:             gpu.ViewOutput,
		ssao:             gpu.DefaultSsaoParams(),
		displayFormat:    gpu.OutputFormat,
		compileWorkers:   4,
		lightLayers:      1,
		shadowMapSize:    gpu.DefaultShadowMapSize,
		materialCapacity: gpu.DefaultMaterialCapacity,
		lightingFirst:    true,
	}
}

// WithView selects the image the frame ends on. Out-of-range selectors show
// Output.
func WithView(sel gpu.ViewSelector) Option {
	return func(o *options) {
		o.view = sel.Normalize()
	}
}

// WithSsaoParams sets the ambient occlusion parameters. They are validated
// by New.
func WithSsaoParams(p gpu.SsaoParams) Option {
	return func(o *options) {
		o.ssao = p
	}
}

// WithDisplayFormat sets the format of the targets passed to RenderFrame.
// Use the surface format when presenting to a window.
func WithDisplayFormat(f gputypes.TextureFormat) Option {
	return func(o *options) {
		if f != gputypes.TextureFormatUndefined {
			o.displayFormat = f
		}
	}
}

// WithMemoryBudgetMB limits the memory held by the buffer set. Create and
// Resize fail with gpu.ErrMemoryBudgetExceeded before touching the device
// when a resolution does not fit. Zero means unlimited.
func WithMemoryBudgetMB(mb int) Option {
	return func(o *options) {
		o.memoryBudgetMB = mb
	}
}

// WithShaderSet supplies precompiled programs. Without it New compiles the
// embedded WGSL.
func WithShaderSet(s *gpu.ShaderSet) Option {
	return func(o *options) {
		o.shaders = s
	}
}

// WithCompileWorkers sets how many programs compile concurrently.
func WithCompileWorkers(n int) Option {
	return func(o *options) {
		o.compileWorkers = n
	}
}

// WithLightCapacity sets the initial shadow map layers per light kind and
// the edge of each layer. A zero size keeps the default.
func WithLightCapacity(layers, shadowMapSize uint32) Option {
	return func(o *options) {
		o.lightLayers = layers
		if shadowMapSize > 0 {
			o.shadowMapSize = shadowMapSize
		}
	}
}

// WithMaterialCapacity sets the number of material records.
func WithMaterialCapacity(n int) Option {
	return func(o *options) {
		o.materialCapacity = n
	}
}

// WithResolveIntermediate makes every frame resolve Output into the
// Intermediate image with the quad pass before the final blit.
func WithResolveIntermediate(enabled bool) Option {
	return func(o *options) {
		o.resolveIntermediate = enabled
	}
}

// WithLightingFirst chooses whether lighting is recorded before ambient
// occlusion. Both always precede the composite.
func WithLightingFirst(first bool) Option {
	return func(o *options) {
		o.lightingFirst = first
	}
}

// WithDeviceLimits sets the device limits the passes check their dispatch
// grids against. Zero limits mean the WebGPU defaults.
func WithDeviceLimits(l gputypes.Limits) Option {
	return func(o *options) {
		o.limits = l
	}
}

// WithConfig applies every setting of cfg except the size, which New takes
// as arguments.
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.view = cfg.ViewSelector()
		o.ssao = cfg.SsaoParams()
		o.memoryBudgetMB = cfg.MemoryBudgetMB
		if cfg.CompileWorkers > 0 {
			o.compileWorkers = cfg.CompileWorkers
		}
		if cfg.LightLayers > 0 {
			o.lightLayers = cfg.LightLayers
		}
		if cfg.ShadowMapSize > 0 {
			o.shadowMapSize = cfg.ShadowMapSize
		}
		if cfg.MaterialCapacity > 0 {
			o.materialCapacity = cfg.MaterialCapacity
		}
		o.resolveIntermediate = cfg.ResolveIntermediate
		o.lightingFirst = cfg.LightingFirst
	}
}
