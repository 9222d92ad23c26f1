package session

// EventType classifies session lifecycle events.
type EventType int

const (
	EventRegistered EventType = iota // session record created for a display
	EventTransition                  // state changed
	EventReset                       // transient connection state cleared
)

// Event carries a session snapshot to observers.
type Event struct {
	Type        EventType
	From        State
	Snapshot    *Snapshot // safe to retain
	ActiveCount int       // displays with a client at event time
}

// Observer receives session events. Implementations must not block and
// must not call back into the session that emitted the event.
type Observer interface {
	SessionEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) SessionEvent(e Event) { f(e) }

// Observers fans an event out to each observer in order.
type Observers []Observer

func (obs Observers) SessionEvent(e Event) {
	for _, o := range obs {
		o.SessionEvent(e)
	}
}
