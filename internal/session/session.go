package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vncd/server/internal/framebuffer"
	"github.com/vncd/server/internal/update"
)

var ErrInvalidTransition = errors.New("session: invalid state transition")

// Session is the per-display record. It lives for the rest of the process
// once created; only its connection state is reset between clients. The
// driver loop owns every transition; other goroutines only read through
// Snapshot or use the queue, framebuffer and ready gate.
type Session struct {
	display int
	port    int
	fb      *framebuffer.Framebuffer
	queue   *update.Queue
	ready   *Ready

	mu          sync.RWMutex
	state       State
	listener    io.Closer
	conn        net.Conn
	connID      string
	remoteAddr  string
	connectedAt time.Time
	generation  uint64
	connections uint64
	pixelFormat framebuffer.PixelFormat
	encodings   []int32
	observer    Observer
}

// New creates the record for one display. The session starts
// Uninitialized; the driver resets it before first use.
func New(display, port int, fb *framebuffer.Framebuffer, poolSize int) *Session {
	return &Session{
		display:     display,
		port:        port,
		fb:          fb,
		queue:       update.New(poolSize),
		ready:       NewReady(),
		pixelFormat: framebuffer.Native,
	}
}

func (s *Session) Display() int                          { return s.display }
func (s *Session) Port() int                             { return s.port }
func (s *Session) Framebuffer() *framebuffer.Framebuffer { return s.fb }
func (s *Session) Queue() *update.Queue                  { return s.queue }
func (s *Session) Ready() *Ready                         { return s.ready }

// SetObserver installs the event sink. Must be called before the session
// is driven.
func (s *Session) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Conn returns the connected socket, or nil outside Connected/Running.
func (s *Session) Conn() net.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// ConnectionID identifies the current client connection in logs.
func (s *Session) ConnectionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connID
}

// PixelFormat is the format the current client asked for.
func (s *Session) PixelFormat() framebuffer.PixelFormat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pixelFormat
}

func (s *Session) SetPixelFormat(pf framebuffer.PixelFormat) {
	s.mu.Lock()
	s.pixelFormat = pf
	s.mu.Unlock()
}

func (s *Session) Encodings() []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int32(nil), s.encodings...)
}

func (s *Session) SetEncodings(e []int32) {
	s.mu.Lock()
	s.encodings = append([]int32(nil), e...)
	s.mu.Unlock()
}

// Attach records an accepted connection and moves Initialized ->
// Connected.
func (s *Session) Attach(conn net.Conn) error {
	s.mu.Lock()
	from := s.state
	if from != Initialized {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, Connected)
	}
	s.conn = conn
	s.connID = uuid.NewString()
	if addr := conn.RemoteAddr(); addr != nil {
		s.remoteAddr = addr.String()
	}
	s.connectedAt = time.Now()
	s.connections++
	s.state = Connected
	ev, obs := s.eventLocked(EventTransition, from)
	s.mu.Unlock()

	s.emit(obs, ev)
	return nil
}

// SetListener records the listening socket while an accept is pending so
// Reset can release it.
func (s *Session) SetListener(l io.Closer) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// Transition moves the session along a lifecycle edge.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) || from == to {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	ev, obs := s.eventLocked(EventTransition, from)
	s.mu.Unlock()

	s.emit(obs, ev)
	return nil
}

// CloseConn closes the connected socket without changing state. It is used
// to unblock collaborators before the reset.
func (s *Session) CloseConn() error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Reset is the Initialized entry action: it closes any sockets left from
// the previous connection, rebuilds the update queue and clears the
// per-connection fields. The framebuffer is kept. The caller must ensure
// no producer or consumer is using the queue.
func (s *Session) Reset() error {
	s.mu.Lock()
	from := s.state
	var errs []error
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing connection: %w", err))
		}
		s.conn = nil
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("closing listener: %w", err))
		}
		s.listener = nil
	}
	s.queue.Reset()
	s.connID = ""
	s.remoteAddr = ""
	s.connectedAt = time.Time{}
	s.pixelFormat = framebuffer.Native
	s.encodings = nil
	s.generation++
	s.state = Initialized
	ev, obs := s.eventLocked(EventReset, from)
	s.mu.Unlock()

	s.emit(obs, ev)
	return errors.Join(errs...)
}

// Snapshot returns a copy of the observable state.
func (s *Session) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Display:      s.display,
		State:        s.state,
		Port:         s.port,
		ConnectionID: s.connID,
		RemoteAddr:   s.remoteAddr,
		Generation:   s.generation,
		Connections:  s.connections,
		Framebuffer:  s.fb.Bounds(),
		Queue:        s.queue.Stats(),
		CaptureReady: s.ready.IsArmed(),
	}
	if !s.connectedAt.IsZero() {
		t := s.connectedAt
		snap.ConnectedAt = &t
	}
	if s.state == Running {
		pf := s.pixelFormat
		snap.PixelFormat = &pf
		snap.Encodings = append([]int32(nil), s.encodings...)
	}
	return snap
}

func (s *Session) eventLocked(t EventType, from State) (Event, Observer) {
	if s.observer == nil {
		return Event{}, nil
	}
	return Event{Type: t, From: from, Snapshot: s.snapshotLocked()}, s.observer
}

func (s *Session) emit(o Observer, e Event) {
	if o != nil {
		o.SessionEvent(e)
	}
}
