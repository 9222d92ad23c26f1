// Package update implements the bounded pool of framebuffer update
// descriptors shared by a session's capture producer and its network
// consumer.
//
// A Queue owns exactly N descriptors for its whole life. They move between
// a free list and a pending FIFO, both bounded channels of capacity N, so
// neither side ever busy-waits and a slow consumer throttles producers once
// every descriptor is checked out.
package update

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/vncd/server/internal/framebuffer"
)

type owner int32

const (
	ownedFree owner = iota
	ownedProducer
	ownedPending
	ownedConsumer
)

var ownerNames = [...]string{"free", "producer", "pending", "consumer"}

func (o owner) String() string {
	if int(o) < len(ownerNames) {
		return ownerNames[o]
	}
	return "unknown"
}

// Descriptor is one reusable update record. Its contents are only valid
// while the caller owns it.
type Descriptor struct {
	// Rect is the dirty region to transmit.
	Rect framebuffer.Rect
	// Incremental is false when the client explicitly asked for the
	// region.
	Incremental bool

	index int
	queue *Queue
	state atomic.Int32
}

// Index is the descriptor's fixed slot in the pool.
func (d *Descriptor) Index() int {
	return d.index
}

func (d *Descriptor) clear() {
	d.Rect = framebuffer.Rect{}
	d.Incremental = false
}

// move transfers ownership, panicking if the caller does not hold the
// descriptor in the expected state.
func (d *Descriptor) move(q *Queue, from, to owner) {
	if d.queue != q {
		panic(fmt.Sprintf("update: descriptor %d belongs to another queue", d.index))
	}
	if !d.state.CompareAndSwap(int32(from), int32(to)) {
		panic(fmt.Sprintf("update: descriptor %d is %s, want %s", d.index, owner(d.state.Load()), from))
	}
}

// Stats is a point-in-time view of descriptor placement.
type Stats struct {
	Capacity   int    `json:"capacity"`
	Free       int    `json:"free"`
	Pending    int    `json:"pending"`
	InFlight   int    `json:"inFlight"`
	Generation uint64 `json:"generation"`
}

type Queue struct {
	pool     []Descriptor
	free     chan *Descriptor
	pending  chan *Descriptor
	inFlight atomic.Int64
	gen      atomic.Uint64
}

// New preallocates a queue of n descriptors, all free.
func New(n int) *Queue {
	if n <= 0 {
		panic("update: pool size must be positive")
	}
	q := &Queue{
		pool:    make([]Descriptor, n),
		free:    make(chan *Descriptor, n),
		pending: make(chan *Descriptor, n),
	}
	for i := range q.pool {
		q.pool[i].index = i
		q.pool[i].queue = q
		q.free <- &q.pool[i]
	}
	return q
}

// Capacity returns N.
func (q *Queue) Capacity() int {
	return len(q.pool)
}

// AcquireFree blocks until a free descriptor is available and hands it to
// the caller. The only error is the caller's context ending.
func (q *Queue) AcquireFree(ctx context.Context) (*Descriptor, error) {
	select {
	case d := <-q.free:
		q.checkout(d, ownedFree, ownedProducer)
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquireFree is AcquireFree without blocking.
func (q *Queue) TryAcquireFree() (*Descriptor, bool) {
	select {
	case d := <-q.free:
		q.checkout(d, ownedFree, ownedProducer)
		return d, true
	default:
		return nil, false
	}
}

// Publish appends an acquired descriptor to the pending FIFO. It never
// blocks: the pending channel can hold every descriptor in the pool.
func (q *Queue) Publish(d *Descriptor) {
	d.move(q, ownedProducer, ownedPending)
	q.inFlight.Add(-1)
	q.pending <- d
}

// ConsumePending blocks until a descriptor is pending and returns the
// oldest one. Cancelling ctx abandons the wait.
func (q *Queue) ConsumePending(ctx context.Context) (*Descriptor, error) {
	select {
	case d := <-q.pending:
		q.checkout(d, ownedPending, ownedConsumer)
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryConsumePending is ConsumePending without blocking.
func (q *Queue) TryConsumePending() (*Descriptor, bool) {
	select {
	case d := <-q.pending:
		q.checkout(d, ownedPending, ownedConsumer)
		return d, true
	default:
		return nil, false
	}
}

// ReleaseFree returns a consumed descriptor to the free list.
func (q *Queue) ReleaseFree(d *Descriptor) {
	d.move(q, ownedConsumer, ownedFree)
	d.clear()
	q.inFlight.Add(-1)
	q.free <- d
}

// Discard returns a descriptor the producer acquired but will not publish.
func (q *Queue) Discard(d *Descriptor) {
	d.move(q, ownedProducer, ownedFree)
	d.clear()
	q.inFlight.Add(-1)
	q.free <- d
}

// Reset drains both lists and puts all N descriptors back on the free
// list in slot order. No goroutine may be using the queue concurrently.
func (q *Queue) Reset() {
	for {
		select {
		case <-q.free:
			continue
		case <-q.pending:
			continue
		default:
		}
		break
	}
	for i := range q.pool {
		d := &q.pool[i]
		d.clear()
		d.state.Store(int32(ownedFree))
		q.free <- d
	}
	q.inFlight.Store(0)
	q.gen.Add(1)
}

// Stats reports current placement. Under concurrent use the counts are
// individually accurate but not a consistent snapshot.
func (q *Queue) Stats() Stats {
	return Stats{
		Capacity:   len(q.pool),
		Free:       len(q.free),
		Pending:    len(q.pending),
		InFlight:   int(q.inFlight.Load()),
		Generation: q.gen.Load(),
	}
}

func (q *Queue) checkout(d *Descriptor, from, to owner) {
	d.move(q, from, to)
	q.inFlight.Add(1)
}
