package rfb

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/PurpleSec/logx"

	"github.com/vncd/server/internal/framebuffer"
	"github.com/vncd/server/internal/session"
	"github.com/vncd/server/internal/update"
)

// Recorder is told about every FramebufferUpdate written.
type Recorder interface {
	UpdateSent(display, rects, bytes int)
}

// Transmitter starts per-connection updaters.
type Transmitter struct {
	Log      logx.Log
	Recorder Recorder
	// MaxBatch caps how many pending descriptors go into one
	// FramebufferUpdate. Zero means the pool capacity.
	MaxBatch int
}

// Updater is the consumer side of a session's update queue. It runs on its
// own goroutine from Start until Stop or a write error.
type Updater struct {
	s      *session.Session
	log    logx.Log
	rec    Recorder
	batch  int
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Start launches the updater for the connection currently attached to s.
func (t *Transmitter) Start(ctx context.Context, s *session.Session) (*Updater, error) {
	if s.Conn() == nil {
		return nil, ErrNotConnected
	}
	log := t.Log
	if log == nil {
		log = logx.NOP
	}
	batch := t.MaxBatch
	if batch <= 0 {
		batch = s.Queue().Capacity()
	}
	ctx, cancel := context.WithCancel(ctx)
	u := &Updater{
		s:      s,
		log:    log,
		rec:    t.Recorder,
		batch:  batch,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go u.run(ctx)
	return u, nil
}

// Done is closed once the updater goroutine has exited and released every
// descriptor it held.
func (u *Updater) Done() <-chan struct{} {
	return u.done
}

// Err returns the error that ended the loop. Valid after Done is closed.
func (u *Updater) Err() error {
	<-u.done
	return u.err
}

// Stop asks the updater to exit and waits for it until ctx ends. A write
// blocked on a stalled client is interrupted by expiring the write
// deadline. Stop may be called more than once.
func (u *Updater) Stop(ctx context.Context) error {
	u.once.Do(func() {
		u.cancel()
		if c := u.s.Conn(); c != nil {
			c.SetWriteDeadline(time.Unix(1, 0))
		}
	})
	select {
	case <-u.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: display %d: %v", ErrStopTimeout, u.s.Display(), ctx.Err())
	}
}

func (u *Updater) run(ctx context.Context) {
	defer close(u.done)
	var (
		q    = u.s.Queue()
		held = make([]*update.Descriptor, 0, u.batch)
		buf  []byte
		conn = u.s.Conn()
		fb   = u.s.Framebuffer()
		disp = u.s.Display()
	)
	release := func() {
		for _, d := range held {
			q.ReleaseFree(d)
		}
		held = held[:0]
	}
	defer release()

	for {
		d, err := q.ConsumePending(ctx)
		if err != nil {
			return
		}
		held = append(held, d)
		for len(held) < u.batch {
			d, ok := q.TryConsumePending()
			if !ok {
				break
			}
			held = append(held, d)
		}

		var rects int
		buf, rects = encodeUpdate(buf[:0], fb, held, u.s.PixelFormat())
		if rects == 0 {
			release()
			continue
		}
		_, err = conn.Write(buf)
		release()
		if err != nil {
			if ctx.Err() == nil {
				u.err = err
				u.log.Debug("[display %d] update write failed: %s", disp, err)
			}
			return
		}
		if u.rec != nil {
			u.rec.UpdateSent(disp, rects, len(buf))
		}
		u.log.Trace("[display %d] sent %d rects, %d bytes", disp, rects, len(buf))
	}
}

// encodeUpdate builds one FramebufferUpdate message with a Raw rectangle
// per non-empty descriptor.
func encodeUpdate(dst []byte, fb *framebuffer.Framebuffer, ds []*update.Descriptor, pf framebuffer.PixelFormat) ([]byte, int) {
	dst = append(dst, MsgFramebufferUpdate, 0, 0, 0)
	var n int
	for _, d := range ds {
		r := d.Rect.Clip(fb.Width(), fb.Height())
		if r.Empty() {
			continue
		}
		dst = binary.BigEndian.AppendUint16(dst, uint16(r.X))
		dst = binary.BigEndian.AppendUint16(dst, uint16(r.Y))
		dst = binary.BigEndian.AppendUint16(dst, uint16(r.Width))
		dst = binary.BigEndian.AppendUint16(dst, uint16(r.Height))
		dst = binary.BigEndian.AppendUint32(dst, uint32(EncodingRaw))
		dst = fb.Encode(dst, r, pf)
		n++
	}
	binary.BigEndian.PutUint16(dst[2:], uint16(n))
	return dst, n
}
