package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrDisplayRange   = errors.New("session: display out of range")
	ErrAlreadyPresent = errors.New("session: display already registered")
)

// Registry maps display index to session for the life of the process.
// Entries are inserted once under a lock and read without one.
type Registry struct {
	mu       sync.Mutex // serializes insertion
	slots    []atomic.Pointer[Session]
	observer Observer
}

func NewRegistry(maxDisplays int) *Registry {
	return &Registry{
		slots: make([]atomic.Pointer[Session], maxDisplays),
	}
}

// MaxDisplays is the registry size.
func (r *Registry) MaxDisplays() int {
	return len(r.slots)
}

// SetObserver installs the sink that receives events from every session
// registered afterwards.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

// Register stores s under its display index.
func (r *Registry) Register(s *Session) error {
	d := s.Display()
	if d < 0 || d >= len(r.slots) {
		return fmt.Errorf("%w: %d", ErrDisplayRange, d)
	}

	r.mu.Lock()
	if r.slots[d].Load() != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrAlreadyPresent, d)
	}
	obs := r.observer
	if obs != nil {
		s.SetObserver(ObserverFunc(r.forward))
	}
	r.slots[d].Store(s)
	r.mu.Unlock()

	if obs != nil {
		obs.SessionEvent(Event{
			Type:        EventRegistered,
			From:        Uninitialized,
			Snapshot:    s.Snapshot(),
			ActiveCount: r.ActiveCount(),
		})
	}
	return nil
}

// Find returns the session for display, or false if the display is out of
// range or its server has not started.
func (r *Registry) Find(display int) (*Session, bool) {
	if display < 0 || display >= len(r.slots) {
		return nil, false
	}
	s := r.slots[display].Load()
	return s, s != nil
}

// All returns the registered sessions ordered by display.
func (r *Registry) All() []*Session {
	result := make([]*Session, 0, len(r.slots))
	for i := range r.slots {
		if s := r.slots[i].Load(); s != nil {
			result = append(result, s)
		}
	}
	return result
}

// Snapshots returns a snapshot of every registered session.
func (r *Registry) Snapshots() []*Snapshot {
	all := r.All()
	result := make([]*Snapshot, 0, len(all))
	for _, s := range all {
		result = append(result, s.Snapshot())
	}
	return result
}

// ActiveCount returns the number of displays with a client attached.
func (r *Registry) ActiveCount() int {
	count := 0
	for _, s := range r.All() {
		if st := s.State(); st == Connected || st == Running {
			count++
		}
	}
	return count
}

func (r *Registry) forward(e Event) {
	r.mu.Lock()
	obs := r.observer
	r.mu.Unlock()
	if obs == nil {
		return
	}
	e.ActiveCount = r.ActiveCount()
	obs.SessionEvent(e)
}
