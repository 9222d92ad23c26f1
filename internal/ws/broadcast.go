package ws

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/PurpleSec/logx"
	"github.com/gorilla/websocket"

	"github.com/vncd/server/internal/monitor"
	"github.com/vncd/server/internal/session"
)

// ErrTooManyConnections is returned by AddClient once the client limit is
// reached.
var ErrTooManyConnections = errors.New("too many websocket connections")

var errBroadcasterStopped = errors.New("broadcaster stopped")

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// SnapshotSource lists the current state of every display.
type SnapshotSource interface {
	Snapshots() []*session.Snapshot
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

// writePump drains c.send to the connection. A failed write drops the
// client from the broadcaster.
func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

// Broadcaster pushes session events to websocket clients. Events are
// coalesced per display and flushed at most once per throttle interval; a
// full snapshot goes out on connect and every snapshot interval.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	src      SnapshotSource
	throttle time.Duration
	maxConns int
	log      logx.Log

	snapshotTicker *time.Ticker
	stop           chan struct{}
	stopOnce       sync.Once

	flushMu     sync.Mutex
	pending     map[int]*session.Snapshot
	activeCount int
	flushTimer  *time.Timer
}

// NewBroadcaster starts a broadcaster over src. A maxConns of zero means no
// limit; a non-positive snapshotInterval disables periodic snapshots.
func NewBroadcaster(src SnapshotSource, throttle, snapshotInterval time.Duration, maxConns int, log logx.Log) *Broadcaster {
	if log == nil {
		log = logx.NOP
	}
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		src:      src,
		throttle: throttle,
		maxConns: maxConns,
		log:      log,
		stop:     make(chan struct{}),
		pending:  make(map[int]*session.Snapshot),
	}
	if snapshotInterval > 0 {
		b.snapshotTicker = time.NewTicker(snapshotInterval)
		go b.snapshotLoop()
	}
	return b
}

// AddClient registers conn and queues the current snapshot to it. On
// error conn is left open for the caller.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}
	if data, err := json.Marshal(b.snapshotMessage()); err == nil {
		c.send <- data
	}

	b.mu.Lock()
	select {
	case <-b.stop:
		b.mu.Unlock()
		return nil, errBroadcasterStopped
	default:
	}
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// SessionEvent records the event's snapshot for the next delta. It never
// blocks.
func (b *Broadcaster) SessionEvent(e session.Event) {
	if e.Snapshot == nil {
		return
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pending[e.Snapshot.Display] = e.Snapshot
	b.activeCount = e.ActiveCount
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// QueueHealth sends a display health change to every client immediately.
func (b *Broadcaster) QueueHealth(h monitor.DisplayHealth) {
	b.broadcast(WSMessage{Type: MsgHealth, Payload: HealthPayload{Health: h}})
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := make([]*session.Snapshot, 0, len(b.pending))
	for _, s := range b.pending {
		updates = append(updates, s)
	}
	clear(b.pending)
	active := b.activeCount
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(updates) == 0 {
		return
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].Display < updates[j].Display })
	b.broadcast(WSMessage{
		Type:    MsgDelta,
		Payload: DeltaPayload{Updates: updates, ActiveCount: active},
	})
}

func (b *Broadcaster) snapshotMessage() WSMessage {
	snaps := b.src.Snapshots()
	active := 0
	for _, s := range snaps {
		if s.IsActive() {
			active++
		}
	}
	return WSMessage{
		Type:    MsgSnapshot,
		Payload: SnapshotPayload{Displays: snaps, ActiveCount: active},
	}
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.stop:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(b.snapshotMessage())
		}
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.Error("ws: marshal %s: %s", msg.Type, err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.mu.RLock()
		if !b.clients[c] {
			b.mu.RUnlock()
			continue
		}
		select {
		case c.send <- data:
			b.mu.RUnlock()
		default:
			b.mu.RUnlock()
			b.log.Warning("ws: client %s too slow, disconnecting", c.conn.RemoteAddr())
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop disconnects every client and discards queued deltas. It is safe to
// call more than once.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		close(b.stop)
		for c := range b.clients {
			delete(b.clients, c)
			close(c.send)
		}
		b.mu.Unlock()

		if b.snapshotTicker != nil {
			b.snapshotTicker.Stop()
		}
		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		clear(b.pending)
		b.flushMu.Unlock()
	})
}
