package rfb

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/PurpleSec/logx"

	"github.com/vncd/server/internal/framebuffer"
	"github.com/vncd/server/internal/session"
)

// InputHandler receives client input events. Implementations must not
// block for long; they run on the receive goroutine.
type InputHandler interface {
	KeyEvent(display int, down bool, key uint32)
	PointerEvent(display int, mask uint8, x, y int)
	CutText(display int, text string)
}

// Receiver reads client messages until the connection closes.
type Receiver struct {
	Log   logx.Log
	Input InputHandler
}

// Receive blocks until the client disconnects, ctx is cancelled or a
// protocol error occurs. A clean disconnect returns nil.
func (r *Receiver) Receive(ctx context.Context, s *session.Session) error {
	conn := s.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	rd := bufio.NewReader(conn)
	for {
		err := r.message(rd, s)
		switch {
		case err == nil:
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			r.log().Debug("[display %d] client closed connection", s.Display())
			return nil
		default:
			return err
		}
	}
}

func (r *Receiver) message(rd *bufio.Reader, s *session.Session) error {
	t, err := rd.ReadByte()
	if err != nil {
		return err
	}
	switch t {
	case MsgSetPixelFormat:
		return r.setPixelFormat(rd, s)
	case MsgSetEncodings:
		return r.setEncodings(rd, s)
	case MsgFramebufferUpdateRequest:
		return r.updateRequest(rd, s)
	case MsgKeyEvent:
		var b [7]byte
		if _, err := io.ReadFull(rd, b[:]); err != nil {
			return unexpected(err)
		}
		if r.Input != nil {
			r.Input.KeyEvent(s.Display(), b[0] != 0, binary.BigEndian.Uint32(b[3:]))
		}
		return nil
	case MsgPointerEvent:
		var b [5]byte
		if _, err := io.ReadFull(rd, b[:]); err != nil {
			return unexpected(err)
		}
		if r.Input != nil {
			x := int(binary.BigEndian.Uint16(b[1:]))
			y := int(binary.BigEndian.Uint16(b[3:]))
			r.Input.PointerEvent(s.Display(), b[0], x, y)
		}
		return nil
	case MsgClientCutText:
		return r.cutText(rd, s)
	default:
		return fmt.Errorf("%w: type %d", ErrUnknownMessage, t)
	}
}

func (r *Receiver) setPixelFormat(rd *bufio.Reader, s *session.Session) error {
	var b [3 + framebuffer.PixelFormatLen]byte
	if _, err := io.ReadFull(rd, b[:]); err != nil {
		return unexpected(err)
	}
	var pf framebuffer.PixelFormat
	if err := pf.UnmarshalBinary(b[3:]); err != nil {
		return err
	}
	if err := pf.Validate(); err != nil {
		return err
	}
	s.SetPixelFormat(pf)
	r.log().Debug("[display %d] client pixel format %dbpp depth %d", s.Display(), pf.BitsPerPixel, pf.Depth)
	return nil
}

func (r *Receiver) setEncodings(rd *bufio.Reader, s *session.Session) error {
	var b [3]byte
	if _, err := io.ReadFull(rd, b[:]); err != nil {
		return unexpected(err)
	}
	n := int(binary.BigEndian.Uint16(b[1:]))
	raw := make([]byte, 4*n)
	if _, err := io.ReadFull(rd, raw); err != nil {
		return unexpected(err)
	}
	enc := make([]int32, n)
	for i := range enc {
		enc[i] = int32(binary.BigEndian.Uint32(raw[4*i:]))
	}
	s.SetEncodings(enc)
	return nil
}

// updateRequest turns an explicit refresh into a pending descriptor. An
// incremental request needs nothing: the producer publishes damage on its
// own. When the pool is exhausted the request is dropped since updates are
// already on their way.
func (r *Receiver) updateRequest(rd *bufio.Reader, s *session.Session) error {
	var b [9]byte
	if _, err := io.ReadFull(rd, b[:]); err != nil {
		return unexpected(err)
	}
	if b[0] != 0 {
		return nil
	}
	rect := framebuffer.Rect{
		X:      int(binary.BigEndian.Uint16(b[1:])),
		Y:      int(binary.BigEndian.Uint16(b[3:])),
		Width:  int(binary.BigEndian.Uint16(b[5:])),
		Height: int(binary.BigEndian.Uint16(b[7:])),
	}
	q := s.Queue()
	d, ok := q.TryAcquireFree()
	if !ok {
		r.log().Trace("[display %d] refresh %s dropped, pool exhausted", s.Display(), rect)
		return nil
	}
	d.Rect = rect
	d.Incremental = false
	q.Publish(d)
	return nil
}

func (r *Receiver) cutText(rd *bufio.Reader, s *session.Session) error {
	var b [7]byte
	if _, err := io.ReadFull(rd, b[:]); err != nil {
		return unexpected(err)
	}
	n := binary.BigEndian.Uint32(b[3:])
	if n > maxCutText {
		return fmt.Errorf("%w: cut text of %d bytes", ErrMessageTooLarge, n)
	}
	text := make([]byte, n)
	if _, err := io.ReadFull(rd, text); err != nil {
		return unexpected(err)
	}
	if r.Input != nil {
		r.Input.CutText(s.Display(), string(text))
	}
	return nil
}

func (r *Receiver) log() logx.Log {
	if r.Log == nil {
		return logx.NOP
	}
	return r.Log
}

// unexpected reports a message cut short; EOF mid-message is not a clean
// disconnect.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
