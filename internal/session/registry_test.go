package session

import (
	"errors"
	"net"
	"sync"
	"testing"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry(4)
	if r.MaxDisplays() != 4 {
		t.Errorf("MaxDisplays() = %d, want 4", r.MaxDisplays())
	}
	if got := len(r.All()); got != 0 {
		t.Errorf("new registry has %d sessions, want 0", got)
	}
	if got := r.ActiveCount(); got != 0 {
		t.Errorf("new registry ActiveCount() = %d, want 0", got)
	}
}

func TestFindMissingAndOutOfRange(t *testing.T) {
	r := NewRegistry(2)
	for _, d := range []int{-1, 0, 1, 2, 100} {
		if s, ok := r.Find(d); ok || s != nil {
			t.Errorf("Find(%d) = %v, %v; want nil, false", d, s, ok)
		}
	}
}

func TestRegisterAndFind(t *testing.T) {
	r := NewRegistry(3)
	s := newTestSession(t, 1)
	if err := r.Register(s); err != nil {
		t.Fatalf("Register() error: %v", err)
	}
	got, ok := r.Find(1)
	if !ok || got != s {
		t.Errorf("Find(1) = %v, %v; want registered session", got, ok)
	}
	if _, ok := r.Find(0); ok {
		t.Error("Find(0) found a session that was never registered")
	}
}

func TestRegisterRejects(t *testing.T) {
	r := NewRegistry(2)
	if err := r.Register(newTestSession(t, 2)); !errors.Is(err, ErrDisplayRange) {
		t.Errorf("Register(display 2) error = %v, want ErrDisplayRange", err)
	}
	if err := r.Register(newTestSession(t, -1)); !errors.Is(err, ErrDisplayRange) {
		t.Errorf("Register(display -1) error = %v, want ErrDisplayRange", err)
	}
	r.Register(newTestSession(t, 0))
	if err := r.Register(newTestSession(t, 0)); !errors.Is(err, ErrAlreadyPresent) {
		t.Errorf("duplicate Register error = %v, want ErrAlreadyPresent", err)
	}
}

func TestAllOrderedByDisplay(t *testing.T) {
	r := NewRegistry(4)
	for _, d := range []int{3, 0, 2} {
		r.Register(newTestSession(t, d))
	}
	all := r.All()
	want := []int{0, 2, 3}
	if len(all) != len(want) {
		t.Fatalf("All() returned %d sessions, want %d", len(all), len(want))
	}
	for i, d := range want {
		if all[i].Display() != d {
			t.Errorf("All()[%d].Display() = %d, want %d", i, all[i].Display(), d)
		}
	}
	snaps := r.Snapshots()
	if len(snaps) != 3 || snaps[1].Display != 2 {
		t.Errorf("Snapshots() = %+v", snaps)
	}
}

func TestRegistryForwardsEvents(t *testing.T) {
	r := NewRegistry(2)
	var log eventLog
	r.SetObserver(&log)

	s := newTestSession(t, 0)
	r.Register(s)
	s.Reset()
	server, client := net.Pipe()
	defer client.Close()
	s.Attach(server)

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.events) != 3 {
		t.Fatalf("got %d events, want 3", len(log.events))
	}
	if log.events[0].Type != EventRegistered {
		t.Errorf("first event type = %v, want EventRegistered", log.events[0].Type)
	}
	if log.events[1].Type != EventReset {
		t.Errorf("second event type = %v, want EventReset", log.events[1].Type)
	}
	last := log.events[2]
	if last.Type != EventTransition || last.From != Initialized || last.Snapshot.State != Connected {
		t.Errorf("last event = %+v", last)
	}
	if last.ActiveCount != 1 {
		t.Errorf("ActiveCount = %d, want 1", last.ActiveCount)
	}
}

func TestConcurrentRegisterAndFind(t *testing.T) {
	r := NewRegistry(16)
	sessions := make([]*Session, 16)
	for d := range sessions {
		sessions[d] = newTestSession(t, d)
	}
	var wg sync.WaitGroup
	for d := 0; d < 16; d++ {
		wg.Add(2)
		go func(d int) {
			defer wg.Done()
			r.Register(sessions[d])
		}(d)
		go func(d int) {
			defer wg.Done()
			r.Find(d)
		}(d)
	}
	wg.Wait()
	if got := len(r.All()); got != 16 {
		t.Errorf("All() = %d sessions, want 16", got)
	}
}

func TestObserversFanOut(t *testing.T) {
	var a, b eventLog
	r := NewRegistry(1)
	r.SetObserver(Observers{&a, &b})
	if err := r.Register(newTestSession(t, 0)); err != nil {
		t.Fatal(err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("observers got %d and %d events, want 1 each", len(a.events), len(b.events))
	}
}
