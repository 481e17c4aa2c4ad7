//go:build !nogpu

package gpu

import (
	"crypto/sha256"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/deferred/internal/cache"
)

// Embedded WGSL shader sources.

//go:embed shaders/common.wgsl
var commonShaderSource string

//go:embed shaders/fullscreen.wgsl
var fullscreenShaderSource string

//go:embed shaders/lighting.wgsl
var lightingShaderSource string

//go:embed shaders/ssao_estimate.wgsl
var ssaoEstimateShaderSource string

//go:embed shaders/ssao_filter.wgsl
var ssaoFilterShaderSource string

//go:embed shaders/composite.wgsl
var compositeShaderSource string

//go:embed shaders/blit.wgsl
var blitShaderSource string

//go:embed shaders/blit_debug.wgsl
var blitDebugShaderSource string

// Shader entry points.
const (
	computeEntryPoint  = "main"
	vertexEntryPoint   = "vs_main"
	fragmentEntryPoint = "fs_main"
)

// ShaderSources holds the WGSL source of every program. Render programs
// contain both the fullscreen vertex stage and their fragment stage.
type ShaderSources struct {
	Lighting     string
	SsaoEstimate string
	SsaoFilter   string
	Composite    string
	Blit         string
	BlitDebug    string
}

// DefaultShaderSources returns the embedded WGSL programs.
func DefaultShaderSources() ShaderSources {
	render := func(fragment string) string {
		return fullscreenShaderSource + "\n" + fragment
	}
	return ShaderSources{
		Lighting:     commonShaderSource + "\n" + lightingShaderSource,
		SsaoEstimate: commonShaderSource + "\n" + ssaoEstimateShaderSource,
		SsaoFilter:   ssaoFilterShaderSource,
		Composite:    render(compositeShaderSource),
		Blit:         render(blitShaderSource),
		BlitDebug:    render(blitDebugShaderSource),
	}
}

// ShaderSet holds compiled SPIR-V words for every program. The passes treat
// them as opaque blobs.
type ShaderSet struct {
	Lighting     []uint32
	SsaoEstimate []uint32
	SsaoFilter   []uint32
	Composite    []uint32
	Blit         []uint32
	BlitDebug    []uint32
}

// require returns ErrMissingShader when words is empty.
func (s *ShaderSet) require(name string, words []uint32) error {
	if len(words) == 0 {
		return fmt.Errorf("%w: %s", ErrMissingShader, name)
	}
	return nil
}

// Validate reports the first missing program.
func (s *ShaderSet) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil shader set", ErrMissingShader)
	}
	return errors.Join(
		s.require("lighting", s.Lighting),
		s.require("ssao estimate", s.SsaoEstimate),
		s.require("ssao filter", s.SsaoFilter),
		s.require("composite", s.Composite),
		s.require("blit", s.Blit),
		s.require("blit debug", s.BlitDebug),
	)
}

// CompileWGSL compiles WGSL source to SPIR-V words.
func CompileWGSL(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile shader: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("failed to compile shader: SPIR-V size %d is not word aligned", len(spirvBytes))
	}

	// SPIR-V is little-endian 32-bit words
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// spirvCache holds compiled programs keyed by the SHA-256 of their source.
var spirvCache = cache.New[[sha256.Size]byte, []uint32](64)

// compileCached compiles source unless an identical source was compiled
// before. The returned words are shared and must not be modified.
func compileCached(source string) ([]uint32, error) {
	key := sha256.Sum256([]byte(source))
	if words, ok := spirvCache.Get(key); ok {
		return words, nil
	}
	words, err := CompileWGSL(source)
	if err != nil {
		return nil, err
	}
	spirvCache.Set(key, words)
	return words, nil
}

// CompileShaders compiles every program in sources on a worker pool of the
// given size. Errors from all programs are joined, each prefixed with the
// program name.
func CompileShaders(sources ShaderSources, workers int) (*ShaderSet, error) {
	set := &ShaderSet{}
	jobs := []struct {
		name   string
		source string
		dst    *[]uint32
	}{
		{"lighting", sources.Lighting, &set.Lighting},
		{"ssao estimate", sources.SsaoEstimate, &set.SsaoEstimate},
		{"ssao filter", sources.SsaoFilter, &set.SsaoFilter},
		{"composite", sources.Composite, &set.Composite},
		{"blit", sources.Blit, &set.Blit},
		{"blit debug", sources.BlitDebug, &set.BlitDebug},
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > len(jobs) {
		workers = len(jobs)
	}

	pool := worker.NewDynamicWorkerPool(workers, len(jobs), time.Second)
	defer pool.Stop()

	// pool.Wait blocks until workers idle out, so completion is tracked with
	// a WaitGroup instead.
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = make([]error, len(jobs))
	)
	for i, job := range jobs {
		wg.Add(1)
		pool.SubmitTask(worker.Task{
			ID:      i,
			Payload: job.name,
			Do: func() (any, error) {
				defer wg.Done()
				if job.source == "" {
					errs[i] = fmt.Errorf("%s: %w", job.name, ErrMissingShader)
					return nil, errs[i]
				}
				words, err := compileCached(job.source)
				if err != nil {
					errs[i] = fmt.Errorf("%s: %w", job.name, err)
					return nil, errs[i]
				}
				mu.Lock()
				*job.dst = words
				mu.Unlock()
				return words, nil
			},
		})
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	slogger().Debug("gpu: shaders compiled", "programs", len(jobs), "workers", workers)
	return set, nil
}

// createShaderModule creates a HAL shader module from SPIR-V words.
func createShaderModule(device hal.Device, label string, words []uint32) (hal.ShaderModule, error) {
	module, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label: label,
		Source: hal.ShaderSource{
			SPIRV: words,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create %s shader module: %w", label, err)
	}
	return module, nil
}
