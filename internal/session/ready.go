package session

import (
	"context"
	"sync"
)

// Ready is the capture-ready signal. Producers block in Enter until the
// driver arms it; Disarm revokes every entry and waits for the producers
// holding one to leave, so the session's queue can then be reset safely.
type Ready struct {
	mu      sync.Mutex
	armed   bool
	wake    chan struct{} // closed when armed
	ctx     context.Context
	cancel  context.CancelFunc
	holders sync.WaitGroup
}

func NewReady() *Ready {
	return &Ready{wake: make(chan struct{})}
}

// Arm marks the session ready and wakes waiting producers.
func (r *Ready) Arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.armed {
		return
	}
	r.armed = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	close(r.wake)
}

// Disarm clears the signal and blocks until every producer that entered
// while armed has called its leave func. It is a no-op when not armed.
func (r *Ready) Disarm() {
	r.mu.Lock()
	if !r.armed {
		r.mu.Unlock()
		return
	}
	r.armed = false
	r.cancel()
	r.wake = make(chan struct{})
	r.mu.Unlock()

	r.holders.Wait()
}

// IsArmed reports the current signal value.
func (r *Ready) IsArmed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed
}

// Enter blocks until the signal is armed or ctx ends. On success it returns
// a context that is cancelled on Disarm and a leave func the caller must
// invoke once it no longer touches the session's queue.
func (r *Ready) Enter(ctx context.Context) (context.Context, func(), error) {
	for {
		r.mu.Lock()
		if r.armed {
			r.holders.Add(1)
			armedCtx := r.ctx
			r.mu.Unlock()

			entered, stop := context.WithCancel(ctx)
			unlink := context.AfterFunc(armedCtx, stop)
			var once sync.Once
			leave := func() {
				once.Do(func() {
					unlink()
					stop()
					r.holders.Done()
				})
			}
			return entered, leave, nil
		}
		wake := r.wake
		r.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}
