// Package capture is the producer side of the update queues: anything that
// changes a display's framebuffer reports the damaged region here.
package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/vncd/server/internal/framebuffer"
	"github.com/vncd/server/internal/session"
	"github.com/vncd/server/internal/update"
)

var ErrNoSession = errors.New("capture: no session for display")

// Driver publishes dirty regions to the session of a display.
type Driver struct {
	Registry *session.Registry
}

// MarkDirty waits until the display has a running client, then queues r
// for transmission. It blocks while every descriptor is checked out, which
// throttles the producer to the client's pace. If the client disconnects
// while MarkDirty is waiting, it returns context.Canceled; the caller
// should keep producing and call again.
func (d *Driver) MarkDirty(ctx context.Context, display int, r framebuffer.Rect) error {
	s, ok := d.Registry.Find(display)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSession, display)
	}
	entered, leave, err := s.Ready().Enter(ctx)
	if err != nil {
		return err
	}
	defer leave()

	q := s.Queue()
	desc, err := q.AcquireFree(entered)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return context.Canceled
	}
	// The client may have left while the descriptor was being acquired.
	if entered.Err() != nil {
		q.Discard(desc)
		return context.Canceled
	}
	if !publish(s, desc, r) {
		q.Discard(desc)
	}
	return nil
}

// TryMarkDirty queues r only if a client is running and a descriptor is
// free. It never blocks and reports whether the region was queued.
func (d *Driver) TryMarkDirty(display int, r framebuffer.Rect) bool {
	s, ok := d.Registry.Find(display)
	if !ok {
		return false
	}
	// Enter with a done context returns at once when the gate is closed.
	done, cancel := context.WithCancel(context.Background())
	cancel()
	_, leave, err := s.Ready().Enter(done)
	if err != nil {
		return false
	}
	defer leave()

	q := s.Queue()
	desc, ok := q.TryAcquireFree()
	if !ok {
		return false
	}
	if !publish(s, desc, r) {
		q.Discard(desc)
		return false
	}
	return true
}

// publish queues desc for r clipped to the framebuffer. It reports false,
// leaving desc with the caller, when nothing of r is on screen.
func publish(s *session.Session, desc *update.Descriptor, r framebuffer.Rect) bool {
	fb := s.Framebuffer()
	r = r.Clip(fb.Width(), fb.Height())
	if r.Empty() {
		return false
	}
	desc.Rect = r
	desc.Incremental = true
	s.Queue().Publish(desc)
	return true
}
