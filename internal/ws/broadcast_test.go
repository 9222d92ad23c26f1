package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vncd/server/internal/monitor"
	"github.com/vncd/server/internal/session"
)

type staticSource []*session.Snapshot

func (s staticSource) Snapshots() []*session.Snapshot { return s }

type rawMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// dialTestWS creates a test HTTP server that upgrades to WebSocket and
// returns the server-side and client-side connections. Both are closed
// when the test ends.
func dialTestWS(t *testing.T) (serverConn, clientConn *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	select {
	case serverConn = <-connCh:
		t.Cleanup(func() { serverConn.Close() })
		return serverConn, clientConn
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

func readMessage(t *testing.T, c *websocket.Conn) rawMessage {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m rawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func TestAddClientSendsSnapshot(t *testing.T) {
	src := staticSource{
		{Display: 0, State: session.Running},
		{Display: 1, State: session.Initialized},
	}
	b := NewBroadcaster(src, time.Hour, time.Hour, 0, nil)
	defer b.Stop()

	conn, peer := dialTestWS(t)
	if _, err := b.AddClient(conn); err != nil {
		t.Fatal(err)
	}

	m := readMessage(t, peer)
	if m.Type != MsgSnapshot {
		t.Fatalf("type = %q, want %q", m.Type, MsgSnapshot)
	}
	var p SnapshotPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Displays) != 2 || p.ActiveCount != 1 {
		t.Errorf("snapshot = %d displays, %d active; want 2, 1", len(p.Displays), p.ActiveCount)
	}
}

func TestAddClient_MaxConnections(t *testing.T) {
	const maxConns = 2
	b := NewBroadcaster(staticSource{}, 100*time.Millisecond, time.Hour, maxConns, nil)
	defer b.Stop()

	var clients []*client
	for i := 0; i < maxConns; i++ {
		conn, _ := dialTestWS(t)
		c, err := b.AddClient(conn)
		if err != nil {
			t.Fatalf("AddClient[%d]: unexpected error: %v", i, err)
		}
		clients = append(clients, c)
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients, got %d", maxConns, got)
	}

	conn, _ := dialTestWS(t)
	if _, err := b.AddClient(conn); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("expected ErrTooManyConnections, got %v", err)
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients after rejection, got %d", maxConns, got)
	}

	b.RemoveClient(clients[0])
	conn2, _ := dialTestWS(t)
	if _, err := b.AddClient(conn2); err != nil {
		t.Fatalf("AddClient after removal: unexpected error: %v", err)
	}
	if got := b.ClientCount(); got != maxConns {
		t.Fatalf("expected %d clients after re-add, got %d", maxConns, got)
	}
}

func TestAddClient_ZeroMaxConnections_Unlimited(t *testing.T) {
	b := NewBroadcaster(staticSource{}, 100*time.Millisecond, time.Hour, 0, nil)
	defer b.Stop()

	for i := 0; i < 10; i++ {
		conn, _ := dialTestWS(t)
		if _, err := b.AddClient(conn); err != nil {
			t.Fatalf("AddClient[%d]: unexpected error with maxConns=0: %v", i, err)
		}
	}
	if got := b.ClientCount(); got != 10 {
		t.Fatalf("expected 10 clients, got %d", got)
	}
}

func TestSessionEventsCoalescePerDisplay(t *testing.T) {
	b := NewBroadcaster(staticSource{}, 20*time.Millisecond, time.Hour, 0, nil)
	defer b.Stop()

	conn, peer := dialTestWS(t)
	if _, err := b.AddClient(conn); err != nil {
		t.Fatal(err)
	}
	readMessage(t, peer) // initial snapshot

	b.SessionEvent(session.Event{Snapshot: &session.Snapshot{Display: 1, State: session.Initialized}})
	b.SessionEvent(session.Event{Snapshot: &session.Snapshot{Display: 0, State: session.Connected}, ActiveCount: 1})
	b.SessionEvent(session.Event{Snapshot: &session.Snapshot{Display: 0, State: session.Running}, ActiveCount: 1})
	b.SessionEvent(session.Event{})

	m := readMessage(t, peer)
	if m.Type != MsgDelta {
		t.Fatalf("type = %q, want %q", m.Type, MsgDelta)
	}
	var p DeltaPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Updates) != 2 {
		t.Fatalf("got %d updates, want 2", len(p.Updates))
	}
	if p.Updates[0].Display != 0 || p.Updates[0].State != session.Running {
		t.Errorf("updates[0] = display %d %v, want display 0 running", p.Updates[0].Display, p.Updates[0].State)
	}
	if p.Updates[1].Display != 1 {
		t.Errorf("updates[1].Display = %d, want 1", p.Updates[1].Display)
	}
	if p.ActiveCount != 1 {
		t.Errorf("ActiveCount = %d, want 1", p.ActiveCount)
	}
}

func TestQueueHealth(t *testing.T) {
	b := NewBroadcaster(staticSource{}, time.Hour, time.Hour, 0, nil)
	defer b.Stop()

	conn, peer := dialTestWS(t)
	if _, err := b.AddClient(conn); err != nil {
		t.Fatal(err)
	}
	readMessage(t, peer)

	b.QueueHealth(monitor.DisplayHealth{Display: 2, Status: monitor.StatusDegraded})
	m := readMessage(t, peer)
	if m.Type != MsgHealth {
		t.Fatalf("type = %q, want %q", m.Type, MsgHealth)
	}
	var p HealthPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Health.Display != 2 || p.Health.Status != monitor.StatusDegraded {
		t.Errorf("health = %+v", p.Health)
	}
}

func TestPeriodicSnapshot(t *testing.T) {
	b := NewBroadcaster(staticSource{{Display: 0}}, time.Hour, 10*time.Millisecond, 0, nil)
	defer b.Stop()

	conn, peer := dialTestWS(t)
	if _, err := b.AddClient(conn); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if m := readMessage(t, peer); m.Type != MsgSnapshot {
			t.Fatalf("message %d type = %q, want %q", i, m.Type, MsgSnapshot)
		}
	}
}

func TestStopDisconnectsClients(t *testing.T) {
	b := NewBroadcaster(staticSource{}, time.Hour, time.Hour, 0, nil)

	conn, peer := dialTestWS(t)
	if _, err := b.AddClient(conn); err != nil {
		t.Fatal(err)
	}
	readMessage(t, peer)

	b.Stop()
	b.Stop()
	if got := b.ClientCount(); got != 0 {
		t.Errorf("ClientCount() = %d after Stop, want 0", got)
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := peer.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("read after Stop = %v, want normal closure", err)
	}

	late, _ := dialTestWS(t)
	if _, err := b.AddClient(late); err == nil {
		t.Error("AddClient succeeded after Stop")
	}
}

// TestWritePump_RemovesClientOnWriteError verifies that a write error in
// writePump removes the dead client from the broadcaster.
func TestWritePump_RemovesClientOnWriteError(t *testing.T) {
	serverConn, _ := dialTestWS(t)

	b := NewBroadcaster(staticSource{}, time.Hour, time.Hour, 0, nil)
	defer b.Stop()

	// Build a client directly so we control when writePump starts.
	c := &client{
		conn: serverConn,
		b:    b,
		send: make(chan []byte, sendBuffer),
	}
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	// Close the connection so any write attempt will immediately fail.
	serverConn.Close()
	c.send <- []byte(`{"type":"test"}`)
	go c.writePump()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.ClientCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("client not removed after write error; ClientCount = %d", b.ClientCount())
}
