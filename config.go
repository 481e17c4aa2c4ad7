package deferred

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/gogpu/deferred/internal/gpu"
)

// Configuration errors.
var (
	// ErrUnsupportedConfigFormat is returned for config files that are
	// neither TOML nor YAML.
	ErrUnsupportedConfigFormat = errors.New("deferred: unsupported config format")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("deferred: invalid config")
)

// SsaoConfig holds the ambient occlusion parameters of a Config.
type SsaoConfig struct {
	Radius    float32 `toml:"radius" yaml:"radius"`
	Bias      float32 `toml:"bias" yaml:"bias"`
	Intensity float32 `toml:"intensity" yaml:"intensity"`
	Samples   int     `toml:"samples" yaml:"samples"`
	Seed      int64   `toml:"seed" yaml:"seed"`
}

// Config is the file form of the pipeline options.
//
// Example TOML:
//
//	width = 1280
//	height = 720
//	view = "Radiance"
//	memory_budget_mb = 256
//
//	[ssao]
//	radius = 0.5
//	samples = 32
type Config struct {
	Width  int `toml:"width" yaml:"width"`
	Height int `toml:"height" yaml:"height"`

	// View is a role name ("Radiance") or its ordinal ("4"). Anything
	// else shows Output.
	View string `toml:"view" yaml:"view"`

	// MemoryBudgetMB limits the buffer set. Zero means unlimited.
	MemoryBudgetMB int `toml:"memory_budget_mb" yaml:"memory_budget_mb"`

	CompileWorkers      int    `toml:"compile_workers" yaml:"compile_workers"`
	LightLayers         uint32 `toml:"light_layers" yaml:"light_layers"`
	ShadowMapSize       uint32 `toml:"shadow_map_size" yaml:"shadow_map_size"`
	MaterialCapacity    int    `toml:"material_capacity" yaml:"material_capacity"`
	ResolveIntermediate bool   `toml:"resolve_intermediate" yaml:"resolve_intermediate"`
	LightingFirst       bool   `toml:"lighting_first" yaml:"lighting_first"`

	Ssao SsaoConfig `toml:"ssao" yaml:"ssao"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	p := gpu.DefaultSsaoParams()
	return Config{
		Width:            1280,
		Height:           720,
		View:             gpu.ViewOutput.String(),
		CompileWorkers:   4,
		LightLayers:      1,
		ShadowMapSize:    gpu.DefaultShadowMapSize,
		MaterialCapacity: gpu.DefaultMaterialCapacity,
		LightingFirst:    true,
		Ssao: SsaoConfig{
			Radius:    p.Radius,
			Bias:      p.Bias,
			Intensity: p.Intensity,
			Samples:   p.Samples,
			Seed:      p.Seed,
		},
	}
}

// LoadConfig reads a TOML (.toml) or YAML (.yaml, .yml) file on top of
// DefaultConfig and validates the result. Unknown keys are rejected.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path) //nolint:gosec // caller-chosen path
	if err != nil {
		return Config{}, fmt.Errorf("deferred: open config: %w", err)
	}
	defer f.Close()

	cfg, err := DecodeConfig(f, filepath.Ext(path))
	if err != nil {
		return Config{}, fmt.Errorf("deferred: %s: %w", path, err)
	}
	return cfg, nil
}

// DecodeConfig reads a config in the format named by ext (".toml", ".yaml"
// or ".yml") on top of DefaultConfig and validates it.
func DecodeConfig(r io.Reader, ext string) (Config, error) {
	cfg := DefaultConfig()
	switch strings.ToLower(ext) {
	case ".toml":
		dec := toml.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode toml: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedConfigFormat, ext)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks sizes and the ambient occlusion parameters.
func (c Config) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d must be positive", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.MemoryBudgetMB < 0 {
		return fmt.Errorf("%w: memory_budget_mb %d is negative", ErrInvalidConfig, c.MemoryBudgetMB)
	}
	if c.CompileWorkers < 0 || c.MaterialCapacity < 0 {
		return fmt.Errorf("%w: counts must not be negative", ErrInvalidConfig)
	}
	if c.LightLayers > gpu.MaxLights {
		return fmt.Errorf("%w: light_layers %d above %d", ErrInvalidConfig, c.LightLayers, gpu.MaxLights)
	}
	if err := c.SsaoParams().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// ViewSelector resolves View. Ordinals and names outside the nine roles
// resolve to Output.
func (c Config) ViewSelector() gpu.ViewSelector {
	if n, err := strconv.Atoi(strings.TrimSpace(c.View)); err == nil {
		return gpu.ViewFromOrdinal(n)
	}
	sel, _ := gpu.ParseView(c.View)
	return sel
}

// SsaoParams converts the ssao table.
func (c Config) SsaoParams() gpu.SsaoParams {
	return gpu.SsaoParams{
		Radius:    c.Ssao.Radius,
		Bias:      c.Ssao.Bias,
		Intensity: c.Ssao.Intensity,
		Samples:   c.Ssao.Samples,
		Seed:      c.Ssao.Seed,
	}
}
