package rfb

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/PurpleSec/logx"

	"github.com/vncd/server/internal/session"
)

// Negotiator performs the ProtocolVersion, security and initialisation
// exchange on a freshly connected session.
type Negotiator struct {
	DesktopName string
	// Timeout bounds the whole handshake; zero means no limit.
	Timeout time.Duration
	Log     logx.Log
}

// Negotiate runs the handshake. It does not keep any reference to the
// connection once it returns.
func (n *Negotiator) Negotiate(ctx context.Context, s *session.Session) error {
	conn := s.Conn()
	if conn == nil {
		return ErrNotConnected
	}
	if n.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(n.Timeout))
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer func() {
		stop()
		conn.SetDeadline(time.Time{})
	}()

	minor, err := n.version(conn)
	if err != nil {
		return err
	}
	n.log().Debug("[display %d] client speaks RFB 3.%d", s.Display(), minor)

	if err := n.security(conn, minor); err != nil {
		return err
	}

	// ClientInit carries the shared flag. Only one client is served per
	// display, so it is read and ignored.
	var shared [1]byte
	if _, err := io.ReadFull(conn, shared[:]); err != nil {
		return fmt.Errorf("%w: reading ClientInit: %v", ErrHandshake, err)
	}

	if err := n.serverInit(conn, s); err != nil {
		return fmt.Errorf("%w: writing ServerInit: %v", ErrHandshake, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

func (n *Negotiator) version(conn net.Conn) (int, error) {
	if _, err := io.WriteString(conn, ServerVersion); err != nil {
		return 0, fmt.Errorf("%w: writing version: %v", ErrHandshake, err)
	}
	buf := make([]byte, versionLen)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return 0, fmt.Errorf("%w: reading version: %v", ErrHandshake, err)
	}
	return parseVersion(buf)
}

func (n *Negotiator) security(conn net.Conn, minor int) error {
	if minor == Version33 {
		// 3.3: the server decides and sends the type as a u32.
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(SecurityNone))
		if _, err := conn.Write(b[:]); err != nil {
			return fmt.Errorf("%w: writing security type: %v", ErrSecurity, err)
		}
		return nil
	}

	if _, err := conn.Write([]byte{1, SecurityNone}); err != nil {
		return fmt.Errorf("%w: writing security types: %v", ErrSecurity, err)
	}
	var choice [1]byte
	if _, err := io.ReadFull(conn, choice[:]); err != nil {
		return fmt.Errorf("%w: reading security choice: %v", ErrSecurity, err)
	}
	if choice[0] != SecurityNone {
		if minor == Version38 {
			writeSecurityFailure(conn, "unsupported security type")
		}
		return fmt.Errorf("%w: client chose type %d", ErrSecurity, choice[0])
	}
	if minor == Version38 {
		// SecurityResult OK. 3.7 sends none for type None.
		if _, err := conn.Write([]byte{0, 0, 0, 0}); err != nil {
			return fmt.Errorf("%w: writing security result: %v", ErrSecurity, err)
		}
	}
	return nil
}

func writeSecurityFailure(w io.Writer, reason string) {
	b := make([]byte, 8+len(reason))
	binary.BigEndian.PutUint32(b[0:], 1)
	binary.BigEndian.PutUint32(b[4:], uint32(len(reason)))
	copy(b[8:], reason)
	w.Write(b)
}

func (n *Negotiator) serverInit(conn net.Conn, s *session.Session) error {
	fb := s.Framebuffer()
	pf, _ := s.PixelFormat().MarshalBinary()
	name := n.DesktopName
	if name == "" {
		name = fmt.Sprintf("display %d", s.Display())
	}

	b := make([]byte, 0, 4+len(pf)+4+len(name))
	b = binary.BigEndian.AppendUint16(b, uint16(fb.Width()))
	b = binary.BigEndian.AppendUint16(b, uint16(fb.Height()))
	b = append(b, pf...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(name)))
	b = append(b, name...)
	_, err := conn.Write(b)
	return err
}

func (n *Negotiator) log() logx.Log {
	if n.Log == nil {
		return logx.NOP
	}
	return n.Log
}
