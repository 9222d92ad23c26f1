package framebuffer

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrInvalidGeometry = errors.New("framebuffer: invalid geometry")
	ErrTooLarge        = errors.New("framebuffer: size exceeds limit")
)

// Rect is a region of the framebuffer in pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r Rect) Area() int {
	if r.Empty() {
		return 0
	}
	return r.Width * r.Height
}

// Clip returns the part of r inside a width x height surface.
func (r Rect) Clip(width, height int) Rect {
	x0, y0 := max(r.X, 0), max(r.Y, 0)
	x1, y1 := min(r.X+r.Width, width), min(r.Y+r.Height, height)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

// Union returns the smallest rectangle containing both r and o.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	x0, y0 := min(r.X, o.X), min(r.Y, o.Y)
	x1, y1 := max(r.X+r.Width, o.X+o.Width), max(r.Y+r.Height, o.Y+o.Height)
	return Rect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// Framebuffer is the display-wide pixel store. It is allocated once per
// display and outlives every client connection. Pixels are stored in the
// Native pixel format.
type Framebuffer struct {
	mu     sync.RWMutex
	width  int
	height int
	pix    []byte
}

// New allocates a zeroed width x height framebuffer. limit caps the pixel
// buffer size in bytes; zero means no limit.
func New(width, height, limit int) (*Framebuffer, error) {
	if width <= 0 || height <= 0 || width > 0xffff || height > 0xffff {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidGeometry, width, height)
	}
	size := width * height * Native.BytesPerPixel()
	if limit > 0 && size > limit {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, limit)
	}
	return &Framebuffer{
		width:  width,
		height: height,
		pix:    make([]byte, size),
	}, nil
}

func (f *Framebuffer) Width() int  { return f.width }
func (f *Framebuffer) Height() int { return f.height }

// Bounds returns the rectangle covering the whole framebuffer.
func (f *Framebuffer) Bounds() Rect {
	return Rect{Width: f.width, Height: f.height}
}

// Size returns the pixel buffer size in bytes.
func (f *Framebuffer) Size() int {
	return len(f.pix)
}

// Set writes one pixel. Out of range coordinates are ignored.
func (f *Framebuffer) Set(x, y int, rgb uint32) {
	if x < 0 || y < 0 || x >= f.width || y >= f.height {
		return
	}
	f.mu.Lock()
	Native.put(f.pix[f.offset(x, y):], rgb)
	f.mu.Unlock()
}

// Fill paints r with a single colour and returns the clipped region that
// changed.
func (f *Framebuffer) Fill(r Rect, rgb uint32) Rect {
	r = r.Clip(f.width, f.height)
	if r.Empty() {
		return r
	}
	bpp := Native.BytesPerPixel()
	f.mu.Lock()
	defer f.mu.Unlock()
	for y := r.Y; y < r.Y+r.Height; y++ {
		row := f.pix[f.offset(r.X, y):]
		for x := 0; x < r.Width; x++ {
			Native.put(row[x*bpp:], rgb)
		}
	}
	return r
}

// At returns the pixel at x, y in 0xRRGGBB form.
func (f *Framebuffer) At(x, y int) uint32 {
	if x < 0 || y < 0 || x >= f.width || y >= f.height {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return Native.get(f.pix[f.offset(x, y):])
}

// Encode appends the pixels of r, converted to pf, to dst. r must already
// be clipped to the framebuffer.
func (f *Framebuffer) Encode(dst []byte, r Rect, pf PixelFormat) []byte {
	bpp := Native.BytesPerPixel()
	dst = slices.Grow(dst, r.Area()*pf.BytesPerPixel())
	f.mu.RLock()
	defer f.mu.RUnlock()
	if pf == Native {
		for y := r.Y; y < r.Y+r.Height; y++ {
			off := f.offset(r.X, y)
			dst = append(dst, f.pix[off:off+r.Width*bpp]...)
		}
		return dst
	}
	out := make([]byte, pf.BytesPerPixel())
	for y := r.Y; y < r.Y+r.Height; y++ {
		row := f.pix[f.offset(r.X, y):]
		for x := 0; x < r.Width; x++ {
			pf.put(out, Native.get(row[x*bpp:]))
			dst = append(dst, out...)
		}
	}
	return dst
}

func (f *Framebuffer) offset(x, y int) int {
	return (y*f.width + x) * Native.BytesPerPixel()
}
