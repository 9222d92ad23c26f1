// Package acceptor owns the one-shot listen/accept cycle of a display's
// well-known port.
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"
)

// Error reports which phase of connection setup failed. Every Error is
// recoverable: the caller may retry with a fresh listener.
type Error struct {
	Op   string // "listen" or "accept"
	Addr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("acceptor: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Tracker is told about the listening socket while an accept is pending,
// and told again with nil once it has been released.
type Tracker interface {
	SetListener(io.Closer)
}

// ListenFunc opens a listening socket.
type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

type Acceptor struct {
	Host      string
	BasePort  int
	KeepAlive time.Duration
	// Listen defaults to net.ListenConfig.Listen.
	Listen ListenFunc
}

// Port returns the TCP port serving display.
func (a *Acceptor) Port(display int) int {
	return a.BasePort + display
}

// Addr returns the listen address for display.
func (a *Acceptor) Addr(display int) string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port(display)))
}

// ListenAndAccept binds the display's port, accepts exactly one
// connection, and closes the listener before returning on every path.
// Cancelling ctx interrupts a pending accept.
func (a *Acceptor) ListenAndAccept(ctx context.Context, display int, track Tracker) (net.Conn, error) {
	addr := a.Addr(display)
	l, err := a.listen(ctx, addr)
	if err != nil {
		return nil, &Error{Op: "listen", Addr: addr, Err: err}
	}
	if track != nil {
		track.SetListener(l)
	}
	defer func() {
		l.Close()
		if track != nil {
			track.SetListener(nil)
		}
	}()

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	conn, err := l.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, net.ErrClosed) {
			err = ctxErr
		}
		return nil, &Error{Op: "accept", Addr: addr, Err: err}
	}
	return conn, nil
}

func (a *Acceptor) listen(ctx context.Context, addr string) (net.Listener, error) {
	if a.Listen != nil {
		return a.Listen(ctx, "tcp", addr)
	}
	lc := net.ListenConfig{KeepAlive: a.KeepAlive}
	return lc.Listen(ctx, "tcp", addr)
}
