//go:build !nogpu

package gpu

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
)

func TestCompositeRender(t *testing.T) {
	f := newPassFixture(t, 320, 200)
	p, err := NewCompositePass(f.device, fakeShaders(), f.buffers, gputypes.TextureFormatUndefined)
	if err != nil {
		t.Fatalf("NewCompositePass: %v", err)
	}
	defer p.Destroy()

	if p.Format() != OutputFormat {
		t.Errorf("Format() = %v, want %v", p.Format(), OutputFormat)
	}

	target := f.buffers.View(ViewOutput)
	frame := f.beginFrame(t)
	f.device.takeCommands()
	if err := p.Render(frame.Encoder(), target); err != nil {
		t.Fatalf("Render: %v", err)
	}

	cmds := f.device.takeCommands()
	if got := kinds(cmds); len(got) != 1 || got[0] != "draw" {
		t.Fatalf("commands = %v, want [draw]", got)
	}
	draw := cmds[len(cmds)-1]
	if draw.vertices != 6 {
		t.Errorf("drew %d vertices, want 6", draw.vertices)
	}
	if draw.target != target {
		t.Error("composite did not draw into the target")
	}
	g := draw.groups[0].(*trackedGroup)
	want := []uintptr{
		f.buffers.View(ViewAlbedo).NativeHandle(),
		f.buffers.View(ViewRadiance).NativeHandle(),
		f.buffers.View(ViewSsao).NativeHandle(),
	}
	if len(g.views) != len(want) {
		t.Fatalf("group binds %d views, want %d", len(g.views), len(want))
	}
	for i := range want {
		if g.views[i] != want[i] {
			t.Errorf("binding %d = view %d, want %d", i, g.views[i], want[i])
		}
	}
}

func TestCompositeStaleAfterResize(t *testing.T) {
	f := newPassFixture(t, 64, 64)
	p, err := NewCompositePass(f.device, fakeShaders(), f.buffers, OutputFormat)
	if err != nil {
		t.Fatalf("NewCompositePass: %v", err)
	}
	defer p.Destroy()

	if err := f.buffers.Resize(128, 128); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	frame := f.beginFrame(t)
	f.device.takeCommands()
	if err := p.Render(frame.Encoder(), f.buffers.View(ViewOutput)); !errors.Is(err, ErrStaleBindings) {
		t.Fatalf("Render err = %v, want ErrStaleBindings", err)
	}
	if cmds := f.device.takeCommands(); len(cmds) != 0 {
		t.Errorf("stale render recorded %d commands", len(cmds))
	}

	if err := p.UpdateBindings(f.buffers); err != nil {
		t.Fatalf("UpdateBindings: %v", err)
	}
	if p.State() != BindingStateReady {
		t.Errorf("state = %s, want Ready", p.State())
	}
}

func TestCompositeNilTarget(t *testing.T) {
	f := newPassFixture(t, 16, 16)
	p, err := NewCompositePass(f.device, fakeShaders(), f.buffers, OutputFormat)
	if err != nil {
		t.Fatalf("NewCompositePass: %v", err)
	}
	defer p.Destroy()

	frame := f.beginFrame(t)
	if err := p.Render(frame.Encoder(), nil); err == nil {
		t.Error("Render(nil) succeeded")
	}
}

func TestQuadRender(t *testing.T) {
	f := newPassFixture(t, 32, 32)
	p, err := NewQuadPass(f.device, fakeShaders(), f.buffers, gputypes.TextureFormatUndefined)
	if err != nil {
		t.Fatalf("NewQuadPass: %v", err)
	}
	defer p.Destroy()

	target := f.buffers.Intermediate()
	frame := f.beginFrame(t)
	f.device.takeCommands()
	if err := p.Render(frame.Encoder(), target); err != nil {
		t.Fatalf("Render: %v", err)
	}
	cmds := f.device.takeCommands()
	draw := cmds[len(cmds)-1]
	if draw.kind != "draw" || draw.vertices != 6 || draw.target != target {
		t.Errorf("last command = %+v, want 6-vertex draw into Intermediate", draw)
	}
	g := draw.groups[0].(*trackedGroup)
	if len(g.views) != 1 || g.views[0] != f.buffers.View(ViewOutput).NativeHandle() {
		t.Errorf("quad binds %v, want Output", g.views)
	}

	if err := f.buffers.Resize(16, 16); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if p.State() != BindingStateStale {
		t.Errorf("state after resize = %s, want Stale", p.State())
	}
	if err := p.Render(frame.Encoder(), f.buffers.Intermediate()); !errors.Is(err, ErrStaleBindings) {
		t.Errorf("Render err = %v, want ErrStaleBindings", err)
	}
}
