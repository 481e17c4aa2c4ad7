// Command deferredinfo builds the deferred frame pipeline on a HAL backend,
// renders frames over a schedule of sizes and prints the dispatch plan and
// memory use at each size.
//
// Usage:
//
//	deferredinfo -width 1920 -height 1080 -resize 1024x768,2560x1440
//	deferredinfo -config frame.toml -watch
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/gogpu/wgpu/hal/software"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/deferred"
	"github.com/gogpu/deferred/internal/gpu"
)

func main() {
	var (
		width      = flag.Int("width", 0, "render width (overrides config)")
		height     = flag.Int("height", 0, "render height (overrides config)")
		view       = flag.String("view", "", viewUsage())
		configPath = flag.String("config", "", "TOML or YAML config file")
		watch      = flag.Bool("watch", false, "reload -config on change until interrupted")
		backend    = flag.String("backend", "noop", "HAL backend: noop or software")
		schedule   = flag.String("resize", "", "comma-separated sizes to resize through, e.g. 1024x768,1920x1080")
		frames     = flag.Int("frames", 1, "frames to render at each size")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	if *verbose {
		deferred.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	cfg := deferred.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = deferred.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	if *width > 0 {
		cfg.Width = *width
	}
	if *height > 0 {
		cfg.Height = *height
	}
	if *view != "" {
		cfg.View = *view
	}

	sizes, err := parseSchedule(*schedule)
	if err != nil {
		log.Fatalf("Invalid -resize: %v", err)
	}

	dev, err := openBackend(*backend)
	if err != nil {
		log.Fatalf("Failed to open %s backend: %v", *backend, err)
	}
	defer dev.close()

	p, err := deferred.New(dev.device, dev.queue, cfg.Width, cfg.Height,
		deferred.WithConfig(cfg),
		deferred.WithDeviceLimits(dev.limits),
	)
	if err != nil {
		log.Fatalf("Failed to create pipeline: %v", err)
	}
	defer p.Close()

	pr := message.NewPrinter(language.English)
	pr.Printf("adapter: %s (%s)\n", dev.name, *backend)

	r := &runner{p: p, dev: dev, pr: pr, frames: *frames}
	defer r.releaseTarget()
	if err := r.renderAndReport(); err != nil {
		log.Fatalf("Render failed: %v", err)
	}
	for _, s := range sizes {
		if err := p.Resize(s.width, s.height); err != nil {
			log.Printf("Resize to %dx%d failed: %v", s.width, s.height, err)
			continue
		}
		if err := r.renderAndReport(); err != nil {
			log.Fatalf("Render failed: %v", err)
		}
	}

	if *watch {
		if *configPath == "" {
			log.Fatal("-watch requires -config")
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := r.watchConfig(ctx, *configPath); err != nil {
			log.Fatalf("Watch failed: %v", err)
		}
	}
}

// halDevice is an opened backend device.
type halDevice struct {
	name   string
	device hal.Device
	queue  hal.Queue
	limits gputypes.Limits
	close  func()
}

func openBackend(name string) (*halDevice, error) {
	var api hal.Backend
	switch name {
	case "noop":
		api = noop.API{}
	case "software":
		api = software.API{}
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}

	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("no adapters")
	}
	a := adapters[0]
	open, err := a.Adapter.Open(0, a.Capabilities.Limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open adapter: %w", err)
	}
	return &halDevice{
		name:   a.Info.Name,
		device: open.Device,
		queue:  open.Queue,
		limits: a.Capabilities.Limits,
		close: func() {
			open.Device.Destroy()
			instance.Destroy()
		},
	}, nil
}

// runner renders frames into an offscreen target sized like the pipeline.
type runner struct {
	p      *deferred.Pipeline
	dev    *halDevice
	pr     *message.Printer
	frames int

	target     hal.Texture
	targetView hal.TextureView
	targetW    int
	targetH    int
}

func (r *runner) ensureTarget() error {
	w, h := r.p.Size()
	if r.targetView != nil && w == r.targetW && h == r.targetH {
		return nil
	}
	r.releaseTarget()

	format := r.p.Buffers().TargetFormat()
	tex, err := r.dev.device.CreateTexture(&hal.TextureDescriptor{
		Label:         "deferredinfo_target",
		Size:          hal.Extent3D{Width: uint32(w), Height: uint32(h), DepthOrArrayLayers: 1}, //nolint:gosec // positive
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        format,
		Usage:         gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("create target: %w", err)
	}
	view, err := r.dev.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:           "deferredinfo_target_view",
		Format:          format,
		Dimension:       gputypes.TextureViewDimension2D,
		Aspect:          gputypes.TextureAspectAll,
		MipLevelCount:   1,
		ArrayLayerCount: 1,
	})
	if err != nil {
		r.dev.device.DestroyTexture(tex)
		return fmt.Errorf("create target view: %w", err)
	}
	r.target, r.targetView = tex, view
	r.targetW, r.targetH = w, h
	return nil
}

func (r *runner) releaseTarget() {
	if r.targetView != nil {
		r.dev.device.DestroyTextureView(r.targetView)
		r.targetView = nil
	}
	if r.target != nil {
		r.dev.device.DestroyTexture(r.target)
		r.target = nil
	}
}

func (r *runner) renderAndReport() error {
	if err := r.ensureTarget(); err != nil {
		return err
	}
	for range max(r.frames, 1) {
		if err := r.p.RenderFrame(r.targetView); err != nil {
			return err
		}
	}
	printStats(os.Stdout, r.pr, r.p.Stats())
	return nil
}

func printStats(w io.Writer, pr *message.Printer, s deferred.FrameStats) {
	pixels := uint64(s.Width) * uint64(s.Height)
	dims := fmt.Sprintf("%dx%d", s.Width, s.Height)
	pr.Fprintf(w, "\n%s (%d pixels), generation %d, %d frames, view %s\n",
		dims, pixels, s.Generation, s.Frames, s.View)
	pr.Fprintf(w, "  lighting      %-12s %s\n", s.LightingGrid, s.Lighting)
	pr.Fprintf(w, "  ssao estimate %-12s %s\n", s.EstimateGrid, s.Occlusion)
	pr.Fprintf(w, "  ssao blur     %-12s x2\n", s.FilterGrid)
	pr.Fprintf(w, "  composite     6 vertices   %s\n", s.Composite)
	pr.Fprintf(w, "  memory        %d bytes", s.Memory.UsedBytes)
	if s.Memory.TotalBytes > 0 {
		pr.Fprintf(w, " of %d (%.1f%%)", s.Memory.TotalBytes, s.Memory.Utilization*100)
	}
	pr.Fprintf(w, ", %d bytes/pixel\n", s.Memory.UsedBytes/max(pixels, 1))
	for _, a := range s.Memory.Allocations {
		pr.Fprintf(w, "    %-20s %12d\n", a.Label, a.Bytes)
	}
}

// watchConfig applies every write to path until ctx is done. Editors that
// replace the file are handled by watching its directory.
func (r *runner) watchConfig(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	log.Printf("Watching %s", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if err := r.reload(abs); err != nil {
					log.Printf("Reload failed: %v", err)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("Watcher error: %v", err)
		}
	}
}

// reload applies a changed config to the running pipeline.
func (r *runner) reload(path string) error {
	cfg, err := deferred.LoadConfig(path)
	if err != nil {
		return err
	}
	if err := r.p.SetMemoryBudgetMB(cfg.MemoryBudgetMB); err != nil {
		return err
	}
	if err := r.p.SetSsaoParams(cfg.SsaoParams()); err != nil {
		return err
	}
	r.p.SetView(cfg.ViewSelector())
	if w, h := r.p.Size(); w != cfg.Width || h != cfg.Height {
		if err := r.p.Resize(cfg.Width, cfg.Height); err != nil {
			return err
		}
	}
	log.Printf("Reloaded %s", path)
	return r.renderAndReport()
}

// viewUsage lists the selectable views for the -view flag.
func viewUsage() string {
	names := make([]string, 0, gpu.ViewCount)
	for _, v := range gpu.AllViews() {
		names = append(names, v.String())
	}
	return "view to blit: " + strings.Join(names, ", ") + " or ordinal 0-8"
}
