package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyport/gateway/internal/gatewayerr"
)

type orderKey struct{}

func TestQueueFIFOOrder(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []int
	q := New(Config{MaxSize: 10, MaxWorkers: 1, ExpirySeconds: 5, Dispatch: func(ctx context.Context) error {
		<-release
		mu.Lock()
		order = append(order, ctx.Value(orderKey{}).(int))
		mu.Unlock()
		return nil
	}})
	defer q.Close()

	const n = 5
	entries := make([]*Entry, n)
	for i := 0; i < n; i++ {
		e, err := q.Enqueue(context.WithValue(context.Background(), orderKey{}, i))
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		entries[i] = e
	}
	close(release)
	for i := 0; i < n; i++ {
		if err := entries[i].Wait(); err != nil {
			t.Fatalf("entry %d wait: %v", i, err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("dispatch order %v, want 0..%d in enqueue order", order, n-1)
		}
	}
	if len(order) != n {
		t.Fatalf("dispatched %d entries, want %d", len(order), n)
	}
}

func TestQueueRejectsAtCapacity(t *testing.T) {
	block := make(chan struct{})
	q := New(Config{MaxSize: 1, MaxWorkers: 1, ExpirySeconds: 5, Dispatch: func(ctx context.Context) error {
		<-block
		return nil
	}})
	defer func() { close(block); q.Close() }()

	// First entry occupies the single worker (blocked on <-block); the
	// second fills the one queue slot; the third must be rejected.
	if _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the worker pick it up
	if _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if _, err := q.Enqueue(context.Background()); err == nil {
		t.Fatalf("expected queue_full rejection")
	} else if ge, ok := gatewayerr.As(err); !ok || ge.Kind != gatewayerr.KindQueueFull {
		t.Fatalf("expected KindQueueFull, got %v", err)
	}
}

func TestQueueExpiry(t *testing.T) {
	block := make(chan struct{})
	q := New(Config{MaxSize: 5, MaxWorkers: 1, ExpirySeconds: 0 /* non-positive falls back to the 30s default, so emulate short expiry directly */, Dispatch: func(ctx context.Context) error {
		<-block
		return nil
	}})
	q.expiry = 30 * time.Millisecond
	defer func() { close(block); q.Close() }()

	if _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	time.Sleep(10 * time.Millisecond) // worker grabs the first, blocks

	second, err := q.Enqueue(context.Background())
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	close(block)
	block = make(chan struct{}) // avoid double-close in deferred cleanup

	if err := second.Wait(); err == nil {
		t.Fatalf("expected expiry error")
	} else if ge, ok := gatewayerr.As(err); !ok || ge.Kind != gatewayerr.KindQueueExpired {
		t.Fatalf("expected KindQueueExpired, got %v", err)
	}
}

func TestQueueCancelSkipsDispatch(t *testing.T) {
	var dispatched int32
	block := make(chan struct{})
	q := New(Config{MaxSize: 5, MaxWorkers: 1, ExpirySeconds: 5, Dispatch: func(ctx context.Context) error {
		atomic.AddInt32(&dispatched, 1)
		<-block
		return nil
	}})
	defer func() { close(block); q.Close() }()

	if _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	e, err := q.Enqueue(ctx)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	cancel()
	_ = e.Wait()

	close(block)
	block = make(chan struct{}) // avoid double-close in deferred cleanup
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&dispatched) != 1 {
		t.Fatalf("expected only the first entry to be dispatched, dispatched=%d", dispatched)
	}
}

func TestQueueClearCancelsAll(t *testing.T) {
	block := make(chan struct{})
	q := New(Config{MaxSize: 5, MaxWorkers: 1, ExpirySeconds: 5, Dispatch: func(ctx context.Context) error {
		<-block
		return nil
	}})
	defer func() { close(block); q.Close() }()

	if _, err := q.Enqueue(context.Background()); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	e2, _ := q.Enqueue(context.Background())
	e3, _ := q.Enqueue(context.Background())

	n := q.Clear()
	if n != 2 {
		t.Fatalf("expected 2 cleared, got %d", n)
	}
	for _, e := range []*Entry{e2, e3} {
		if err := e.Wait(); err == nil {
			t.Fatalf("expected cleared entry to error")
		}
	}
}

// TestQueueBurstWakesAllWorkers guards against a single-slot wakeup channel
// letting one worker drain an entire burst while its siblings stay parked:
// with 4 workers and a tight burst of enqueues, all 4 must become busy
// concurrently rather than leaving 3 idle on <-q.wakeup.
func TestQueueBurstWakesAllWorkers(t *testing.T) {
	const workers = 4
	var concurrent, maxConcurrent int32
	block := make(chan struct{})
	q := New(Config{MaxSize: 2000, MaxWorkers: workers, ExpirySeconds: 5, Dispatch: func(ctx context.Context) error {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			cur := atomic.LoadInt32(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
				break
			}
		}
		<-block
		atomic.AddInt32(&concurrent, -1)
		return nil
	}})
	defer func() { close(block); q.Close() }()

	const burst = 200
	for i := 0; i < burst; i++ {
		if _, err := q.Enqueue(context.Background()); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&maxConcurrent) < workers && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&maxConcurrent); got != workers {
		t.Fatalf("expected all %d workers to run concurrently on a burst, max concurrent was %d", workers, got)
	}
}
