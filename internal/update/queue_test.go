package update

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/vncd/server/internal/framebuffer"
)

func assertCounts(t *testing.T, q *Queue, free, pending, inFlight int) {
	t.Helper()
	st := q.Stats()
	if st.Free != free || st.Pending != pending || st.InFlight != inFlight {
		t.Fatalf("stats = free %d pending %d inFlight %d, want %d/%d/%d",
			st.Free, st.Pending, st.InFlight, free, pending, inFlight)
	}
	if st.Free+st.Pending+st.InFlight != st.Capacity {
		t.Fatalf("free+pending+inFlight = %d, want %d", st.Free+st.Pending+st.InFlight, st.Capacity)
	}
}

func TestNewQueueAllFree(t *testing.T) {
	q := New(4)
	if q.Capacity() != 4 {
		t.Errorf("Capacity() = %d, want 4", q.Capacity())
	}
	assertCounts(t, q, 4, 0, 0)
}

func TestNewQueuePanicsOnZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New(0) did not panic")
		}
	}()
	New(0)
}

func TestInvariantAfterEveryCall(t *testing.T) {
	ctx := context.Background()
	q := New(3)

	d1, _ := q.AcquireFree(ctx)
	assertCounts(t, q, 2, 0, 1)
	q.Publish(d1)
	assertCounts(t, q, 2, 1, 0)
	d2, _ := q.AcquireFree(ctx)
	assertCounts(t, q, 1, 1, 1)
	c1, _ := q.ConsumePending(ctx)
	assertCounts(t, q, 1, 0, 2)
	q.ReleaseFree(c1)
	assertCounts(t, q, 2, 0, 1)
	q.Discard(d2)
	assertCounts(t, q, 3, 0, 0)
}

func TestFIFOOrder(t *testing.T) {
	ctx := context.Background()
	q := New(8)

	for i := 0; i < 8; i++ {
		d, err := q.AcquireFree(ctx)
		if err != nil {
			t.Fatal(err)
		}
		d.Rect = framebuffer.Rect{X: i, Width: 1, Height: 1}
		q.Publish(d)
	}
	for i := 0; i < 8; i++ {
		d, err := q.ConsumePending(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if d.Rect.X != i {
			t.Errorf("consume %d got rect.X = %d", i, d.Rect.X)
		}
		q.ReleaseFree(d)
	}
}

func TestFIFOUnderConcurrentConsumer(t *testing.T) {
	ctx := context.Background()
	q := New(4)
	const total = 500

	got := make(chan int, total)
	go func() {
		for i := 0; i < total; i++ {
			d, err := q.ConsumePending(ctx)
			if err != nil {
				return
			}
			got <- d.Rect.X
			q.ReleaseFree(d)
		}
	}()

	for i := 0; i < total; i++ {
		d, err := q.AcquireFree(ctx)
		if err != nil {
			t.Fatal(err)
		}
		d.Rect.X = i
		q.Publish(d)
	}

	for i := 0; i < total; i++ {
		select {
		case x := <-got:
			if x != i {
				t.Fatalf("consumed %d at position %d", x, i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for update %d", i)
		}
	}
	assertCounts(t, q, 4, 0, 0)
}

func TestResetRestoresPool(t *testing.T) {
	ctx := context.Background()
	q := New(4)
	rng := rand.New(rand.NewSource(1))

	var held []*Descriptor
	var consumed []*Descriptor
	for i := 0; i < 50; i++ {
		switch rng.Intn(4) {
		case 0:
			if d, ok := q.TryAcquireFree(); ok {
				held = append(held, d)
			}
		case 1:
			if len(held) > 0 {
				q.Publish(held[0])
				held = held[1:]
			}
		case 2:
			if q.Stats().Pending > 0 {
				d, _ := q.ConsumePending(ctx)
				consumed = append(consumed, d)
			}
		case 3:
			if len(consumed) > 0 {
				q.ReleaseFree(consumed[0])
				consumed = consumed[1:]
			}
		}
		st := q.Stats()
		if st.Free+st.Pending+st.InFlight != 4 {
			t.Fatalf("step %d: invariant broken: %+v", i, st)
		}
	}

	gen := q.Stats().Generation
	q.Reset()
	assertCounts(t, q, 4, 0, 0)
	if q.Stats().Generation != gen+1 {
		t.Errorf("Generation = %d, want %d", q.Stats().Generation, gen+1)
	}

	seen := make(map[int]bool)
	for i := 0; i < 4; i++ {
		d, ok := q.TryAcquireFree()
		if !ok {
			t.Fatalf("TryAcquireFree %d failed after reset", i)
		}
		if d.Index() != i {
			t.Errorf("acquire %d returned slot %d, want slot order", i, d.Index())
		}
		if !d.Rect.Empty() {
			t.Errorf("slot %d not cleared: %v", d.Index(), d.Rect)
		}
		seen[d.Index()] = true
	}
	if len(seen) != 4 {
		t.Errorf("reset produced %d distinct descriptors, want 4", len(seen))
	}
	if _, ok := q.TryAcquireFree(); ok {
		t.Error("fifth acquire succeeded on a pool of 4")
	}
}

func TestBackpressureScenario(t *testing.T) {
	ctx := context.Background()
	q := New(4)

	for i := 0; i < 4; i++ {
		d, _ := q.AcquireFree(ctx)
		q.Publish(d)
	}
	assertCounts(t, q, 0, 4, 0)

	acquired := make(chan *Descriptor, 1)
	go func() {
		d, err := q.AcquireFree(ctx)
		if err == nil {
			acquired <- d
		}
	}()

	select {
	case <-acquired:
		t.Fatal("fifth AcquireFree returned while pool exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	d, _ := q.ConsumePending(ctx)
	q.ReleaseFree(d)

	select {
	case d := <-acquired:
		if d == nil {
			t.Fatal("nil descriptor")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fifth AcquireFree still blocked after a release")
	}
	assertCounts(t, q, 0, 3, 1)
}

func TestAcquireCancelled(t *testing.T) {
	q := New(1)
	q.TryAcquireFree()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := q.AcquireFree(ctx)
		errc <- err
	}()
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("AcquireFree error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcquireFree not interrupted by cancel")
	}
}

func TestConsumeCancelled(t *testing.T) {
	q := New(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := q.ConsumePending(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("ConsumePending error = %v, want DeadlineExceeded", err)
	}
	assertCounts(t, q, 2, 0, 0)
}

func TestOwnershipViolationsPanic(t *testing.T) {
	tests := []struct {
		name string
		fn   func(q *Queue)
	}{
		{"publish free descriptor", func(q *Queue) {
			d, _ := q.TryAcquireFree()
			q.Discard(d)
			q.Publish(d)
		}},
		{"release unconsumed descriptor", func(q *Queue) {
			d, _ := q.TryAcquireFree()
			q.ReleaseFree(d)
		}},
		{"double publish", func(q *Queue) {
			d, _ := q.TryAcquireFree()
			q.Publish(d)
			q.Publish(d)
		}},
		{"foreign queue", func(q *Queue) {
			other := New(1)
			d, _ := other.TryAcquireFree()
			q.Publish(d)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			tt.fn(New(2))
		})
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := New(4)

	const producers, perProducer = 4, 200
	var consumed sync.WaitGroup
	consumed.Add(producers * perProducer)

	for c := 0; c < 2; c++ {
		go func() {
			for {
				d, err := q.ConsumePending(ctx)
				if err != nil {
					return
				}
				q.ReleaseFree(d)
				consumed.Done()
			}
		}()
	}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				d, err := q.AcquireFree(ctx)
				if err != nil {
					return
				}
				q.Publish(d)
			}
		}()
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		consumed.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumers did not drain all updates")
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := q.Stats()
		if st.Free == 4 && st.InFlight == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue did not settle: %+v", q.Stats())
}
