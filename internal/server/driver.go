// Package server runs the per-display session loop: accept one client,
// negotiate, start the updater, receive until the client leaves, tear down
// and reset, forever.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/PurpleSec/logx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vncd/server/internal/acceptor"
	"github.com/vncd/server/internal/config"
	"github.com/vncd/server/internal/framebuffer"
	"github.com/vncd/server/internal/session"
)

const tracerName = "github.com/vncd/server/internal/server"

var (
	ErrInvalidDisplay   = errors.New("server: display out of range")
	ErrFramebufferAlloc = errors.New("server: framebuffer allocation failed")
	// ErrUpdaterExited ends a cycle whose updater stopped while the client
	// was still connected.
	ErrUpdaterExited = errors.New("server: updater exited during receive")
)

// Stage names the step of a connection cycle that failed.
type Stage string

const (
	StageAccept       Stage = "accept"
	StageNegotiate    Stage = "negotiate"
	StageStartUpdater Stage = "start_updater"
	StageReceive      Stage = "receive"
)

// StageError is a recoverable failure of one connection cycle.
type StageError struct {
	Display int
	Stage   Stage
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Accepter produces one client connection per call.
type Accepter interface {
	ListenAndAccept(ctx context.Context, display int, track acceptor.Tracker) (net.Conn, error)
	Port(display int) int
}

// Negotiator runs the protocol handshake on a connected session.
type Negotiator interface {
	Negotiate(ctx context.Context, s *session.Session) error
}

// Updater is a running consumer of a session's update queue.
type Updater interface {
	Stop(ctx context.Context) error
	Done() <-chan struct{}
}

// UpdaterStarter starts the consumer for a negotiated session.
type UpdaterStarter interface {
	StartUpdater(ctx context.Context, s *session.Session) (Updater, error)
}

// StartFunc adapts a function to UpdaterStarter.
type StartFunc func(ctx context.Context, s *session.Session) (Updater, error)

func (f StartFunc) StartUpdater(ctx context.Context, s *session.Session) (Updater, error) {
	return f(ctx, s)
}

// Receiver reads client messages until the client goes away.
type Receiver interface {
	Receive(ctx context.Context, s *session.Session) error
}

// Reporter observes the outcome of connection cycles. CycleEnded gets nil
// for a clean disconnect and a *StageError otherwise.
type Reporter interface {
	CycleEnded(display int, err error)
	StopFailed(display int, err error)
	DisplayExited(display int, err error)
}

// Driver owns the lifecycle of every session it runs. Run must not be
// called twice concurrently for the same display.
type Driver struct {
	Config     *config.Config
	Registry   *session.Registry
	Acceptor   Accepter
	Negotiator Negotiator
	Updaters   UpdaterStarter
	Receiver   Receiver
	Reporters  []Reporter
	Log        logx.Log
	Tracer     trace.Tracer
}

// Run drives one display until ctx is cancelled or a fatal error occurs.
// Connection failures are logged and followed by a reset; they never end
// the loop. On cancellation the session is left reset and Run returns
// ctx.Err().
func (d *Driver) Run(ctx context.Context, display int) (err error) {
	if n := d.Registry.MaxDisplays(); display < 0 || display >= n {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidDisplay, display, n)
	}
	defer func() {
		for _, r := range d.Reporters {
			r.DisplayExited(display, err)
		}
	}()

	s, err := d.session(display)
	if err != nil {
		return err
	}
	log := d.log()
	log.Info("[display %d] serving on port %d", display, s.Port())

	for {
		d.reset(s)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		cerr := d.cycle(ctx, s)
		if ctx.Err() != nil {
			d.reset(s)
			log.Info("[display %d] stopped", display)
			return ctx.Err()
		}
		for _, r := range d.Reporters {
			r.CycleEnded(display, cerr)
		}

		var se *StageError
		switch {
		case cerr == nil:
			log.Info("[display %d] client disconnected", display)
		case errors.As(cerr, &se) && se.Stage == StageAccept:
			log.Warning("[display %d] %s", display, cerr)
			if !sleep(ctx, d.Config.Server.AcceptBackoff) {
				d.reset(s)
				return ctx.Err()
			}
		default:
			log.Warning("[display %d] %s", display, cerr)
		}
	}
}

// session returns the display's record, allocating it on first use. The
// framebuffer is allocated exactly once per display.
func (d *Driver) session(display int) (*session.Session, error) {
	if s, ok := d.Registry.Find(display); ok {
		return s, nil
	}
	fc := d.Config.Framebuffer
	fb, err := framebuffer.New(fc.Width, fc.Height, fc.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: display %d: %v", ErrFramebufferAlloc, display, err)
	}
	s := session.New(display, d.Acceptor.Port(display), fb, d.Config.Updates.PoolSize)
	if err := d.Registry.Register(s); err != nil {
		if errors.Is(err, session.ErrAlreadyPresent) {
			if s, ok := d.Registry.Find(display); ok {
				return s, nil
			}
		}
		return nil, err
	}
	return s, nil
}

// cycle serves one client. It returns nil when the client disconnects
// cleanly after reaching Running.
func (d *Driver) cycle(ctx context.Context, s *session.Session) error {
	display := s.Display()
	ctx, span := d.tracer().Start(ctx, "vncd.connection",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.Int("vncd.display", display)),
	)
	defer span.End()

	err := d.serve(ctx, s, span)
	if err != nil && ctx.Err() == nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (d *Driver) serve(ctx context.Context, s *session.Session, span trace.Span) error {
	display := s.Display()
	fail := func(stage Stage, err error) error {
		return &StageError{Display: display, Stage: stage, Err: err}
	}

	conn, err := d.Acceptor.ListenAndAccept(ctx, display, s)
	if err != nil {
		return fail(StageAccept, err)
	}
	if err := s.Attach(conn); err != nil {
		conn.Close()
		return fail(StageAccept, err)
	}
	span.SetAttributes(
		attribute.String("vncd.connection_id", s.ConnectionID()),
		attribute.String("net.peer.addr", conn.RemoteAddr().String()),
	)
	d.log().Info("[display %d] client %s connected from %s", display, s.ConnectionID(), conn.RemoteAddr())

	if err := d.Negotiator.Negotiate(ctx, s); err != nil {
		return fail(StageNegotiate, err)
	}
	u, err := d.Updaters.StartUpdater(ctx, s)
	if err != nil {
		return fail(StageStartUpdater, err)
	}
	if err := s.Transition(session.Running); err != nil {
		d.stopUpdater(s, u)
		return fail(StageStartUpdater, err)
	}
	s.Ready().Arm()
	span.AddEvent("running")

	var updaterGone bool
	received, watched := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-u.Done():
			updaterGone = true
			d.log().Warning("[display %d] updater exited, closing connection", s.Display())
			s.CloseConn()
		case <-received:
		}
	}()

	rerr := d.Receiver.Receive(ctx, s)
	close(received)
	<-watched
	if updaterGone && ctx.Err() == nil {
		rerr = ErrUpdaterExited
	}

	s.Ready().Disarm()
	d.stopUpdater(s, u)
	if rerr != nil {
		return fail(StageReceive, rerr)
	}
	return nil
}

// stopUpdater stops the consumer before the queue is reset. A stop that
// times out is reported, then the connection is closed to unblock the
// updater and the driver waits for it to exit.
func (d *Driver) stopUpdater(s *session.Session, u Updater) {
	ctx, cancel := context.WithTimeout(context.Background(), d.Config.Server.UpdaterStopTimeout)
	defer cancel()
	err := u.Stop(ctx)
	if err == nil {
		return
	}
	d.log().Error("[display %d] stopping updater: %s", s.Display(), err)
	for _, r := range d.Reporters {
		r.StopFailed(s.Display(), err)
	}
	s.CloseConn()
	<-u.Done()
}

// reset returns the session to Initialized. Producers are revoked before
// the queue is rebuilt.
func (d *Driver) reset(s *session.Session) {
	s.Ready().Disarm()
	if err := s.Reset(); err != nil {
		d.log().Debug("[display %d] reset: %s", s.Display(), err)
	}
}

func (d *Driver) log() logx.Log {
	if d.Log == nil {
		return logx.NOP
	}
	return d.Log
}

func (d *Driver) tracer() trace.Tracer {
	if d.Tracer == nil {
		return otel.Tracer(tracerName)
	}
	return d.Tracer
}

// sleep waits for dur or until ctx ends, reporting whether the full
// duration elapsed.
func sleep(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
