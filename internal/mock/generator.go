package mock

import (
	"context"
	"sync"
	"time"

	"github.com/PurpleSec/logx"

	"github.com/vncd/server/internal/capture"
	"github.com/vncd/server/internal/framebuffer"
	"github.com/vncd/server/internal/session"
)

const (
	barWidth    = 16
	barStep     = 4
	cursorSize  = 3
	cursorColor = 0xffffff
)

var palette = []uint32{0xe53935, 0x43a047, 0x1e88e5, 0xfdd835, 0x8e24aa, 0x00acc1}

type mockDisplay struct {
	display int
	pattern string
	tick    int
	// dirty accumulates damage not yet queued because no client was
	// running or the pool was exhausted.
	dirty framebuffer.Rect
}

// Generator draws test patterns into display framebuffers and reports the
// damage through the capture driver, standing in for a real screen
// source. It also echoes pointer input as a small cursor.
type Generator struct {
	registry *session.Registry
	capture  *capture.Driver
	interval time.Duration
	log      logx.Log

	mu       sync.Mutex
	displays map[int]*mockDisplay
	cut      map[int]string
}

var patterns = []string{"bars", "stripes", "checker"}

func NewGenerator(registry *session.Registry, interval time.Duration, log logx.Log) *Generator {
	if log == nil {
		log = logx.NOP
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Generator{
		registry: registry,
		capture:  &capture.Driver{Registry: registry},
		interval: interval,
		log:      log,
		displays: make(map[int]*mockDisplay),
		cut:      make(map[int]string),
	}
}

// Start animates the given displays until ctx is cancelled. Displays
// without a registered session are skipped until one appears.
func (g *Generator) Start(ctx context.Context, displays []int) {
	g.mu.Lock()
	for i, d := range displays {
		g.displays[d] = &mockDisplay{display: d, pattern: patterns[i%len(patterns)]}
	}
	g.mu.Unlock()
	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			for _, md := range g.displays {
				g.advance(md)
			}
			g.mu.Unlock()
		}
	}
}

// advance draws one frame step for md and queues the damage. Caller holds
// g.mu.
func (g *Generator) advance(md *mockDisplay) {
	s, ok := g.registry.Find(md.display)
	if !ok {
		return
	}
	fb := s.Framebuffer()
	md.tick++

	var r framebuffer.Rect
	switch md.pattern {
	case "bars":
		r = g.advanceBars(fb, md.tick)
	case "stripes":
		r = g.advanceStripes(fb, md.tick)
	case "checker":
		r = g.advanceChecker(fb, md.tick)
	}
	md.dirty = md.dirty.Union(r)
	if md.dirty.Empty() {
		return
	}
	if g.capture.TryMarkDirty(md.display, md.dirty) {
		md.dirty = framebuffer.Rect{}
	}
}

// advanceBars sweeps a vertical bar left to right, repainting the column
// it leaves behind.
func (g *Generator) advanceBars(fb *framebuffer.Framebuffer, tick int) framebuffer.Rect {
	w, h := fb.Width(), fb.Height()
	x := (tick * barStep) % (w + barWidth)
	color := palette[(tick*barStep/(w+barWidth))%len(palette)]
	bar := fb.Fill(framebuffer.Rect{X: x - barWidth, Y: 0, Width: barWidth, Height: h}, color)
	trail := fb.Fill(framebuffer.Rect{X: x - barWidth - barStep, Y: 0, Width: barStep, Height: h}, 0x202020)
	return bar.Union(trail)
}

// advanceStripes repaints one horizontal band per tick, cycling colours.
func (g *Generator) advanceStripes(fb *framebuffer.Framebuffer, tick int) framebuffer.Rect {
	bands := len(palette)
	bh := (fb.Height() + bands - 1) / bands
	band := tick % bands
	color := palette[(band+tick/bands)%len(palette)]
	return fb.Fill(framebuffer.Rect{X: 0, Y: band * bh, Width: fb.Width(), Height: bh}, color)
}

// advanceChecker flips one cell of an 8x8 checkerboard per tick.
func (g *Generator) advanceChecker(fb *framebuffer.Framebuffer, tick int) framebuffer.Rect {
	const cells = 8
	cw := (fb.Width() + cells - 1) / cells
	ch := (fb.Height() + cells - 1) / cells
	i := tick % (cells * cells)
	cx, cy := i%cells, i/cells
	color := uint32(0x000000)
	if (cx+cy+tick/(cells*cells))%2 == 0 {
		color = 0xf5f5f5
	}
	return fb.Fill(framebuffer.Rect{X: cx * cw, Y: cy * ch, Width: cw, Height: ch}, color)
}

// KeyEvent is logged only.
func (g *Generator) KeyEvent(display int, down bool, key uint32) {
	if down {
		g.log.Trace("[display %d] key 0x%x", display, key)
	}
}

// PointerEvent draws a cursor dot at the pointer position.
func (g *Generator) PointerEvent(display int, mask uint8, x, y int) {
	s, ok := g.registry.Find(display)
	if !ok {
		return
	}
	r := s.Framebuffer().Fill(framebuffer.Rect{X: x - 1, Y: y - 1, Width: cursorSize, Height: cursorSize}, cursorColor)
	if r.Empty() {
		return
	}
	if !g.capture.TryMarkDirty(display, r) {
		g.mu.Lock()
		if md, ok := g.displays[display]; ok {
			md.dirty = md.dirty.Union(r)
		}
		g.mu.Unlock()
	}
}

// CutText remembers the last clipboard text sent by the client.
func (g *Generator) CutText(display int, text string) {
	g.mu.Lock()
	g.cut[display] = text
	g.mu.Unlock()
	g.log.Debug("[display %d] client clipboard: %d bytes", display, len(text))
}

// LastCutText returns the most recent clipboard text for display.
func (g *Generator) LastCutText(display int) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cut[display]
}
