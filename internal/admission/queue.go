// Package admission implements the bounded per-upstream FIFO admission
// queue and its worker pool (SPEC_FULL.md §4.5), generalizing the
// teacher's internal/proxy/queue.go buffered-channel WithQueue middleware
// into a per-upstream structure whose entries carry a deadline, a
// dispatch callback supplied by the caller, and a cancellation signal.
package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyport/gateway/internal/gatewayerr"
)

// Entry is one admitted-or-waiting request.
type Entry struct {
	EnqueuedAt time.Time
	Deadline   time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	err        error
	canceled   atomic.Bool
}

func (e *Entry) markDone(err error) {
	e.err = err
	close(e.done)
}

// Wait blocks until the entry is dispatched (err==nil, caller should
// proceed) or terminated (err is a *gatewayerr.Error describing why).
func (e *Entry) Wait() error {
	<-e.done
	return e.err
}

// Queue is one upstream's bounded FIFO plus worker-pool semaphore.
type Queue struct {
	maxSize       int
	maxWorkers    int
	expiry        time.Duration
	dispatch      func(ctx context.Context) error

	mu      sync.Mutex
	entries []*Entry
	depth   int64

	workerSlots chan struct{}
	wakeup      chan struct{}
	closed      atomic.Bool
	wg          sync.WaitGroup
}

// Config bounds one Queue.
type Config struct {
	MaxSize       int
	MaxWorkers    int
	ExpirySeconds int
	// Dispatch is invoked by a worker once an entry reaches the head of
	// the queue and has a bound execution context; it should perform key
	// selection and the upstream call. Returning an error with
	// gatewayerr.KindRateLimited (or any error) marks the entry failed;
	// the caller is expected to retry key selection internally and only
	// return once the request is fully resolved.
	Dispatch func(ctx context.Context) error
}

// New builds a Queue and starts its worker pool.
func New(cfg Config) *Queue {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 100
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.ExpirySeconds <= 0 {
		cfg.ExpirySeconds = 30
	}
	q := &Queue{
		maxSize:     cfg.MaxSize,
		maxWorkers:  cfg.MaxWorkers,
		expiry:      time.Duration(cfg.ExpirySeconds) * time.Second,
		dispatch:    cfg.Dispatch,
		workerSlots: make(chan struct{}, cfg.MaxWorkers),
		// Sized to maxWorkers so a burst of Enqueue calls can post one
		// wake token per idle worker; a single-slot channel let one
		// worker swallow the only token and drain the whole backlog
		// itself while the rest stayed parked on <-q.wakeup.
		wakeup: make(chan struct{}, cfg.MaxWorkers),
	}
	for i := 0; i < cfg.MaxWorkers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Depth returns the current queue depth (entries not yet dispatched).
func (q *Queue) Depth() int { return int(atomic.LoadInt64(&q.depth)) }

// Enqueue admits ctx's request onto the queue, or returns a queue_full
// error immediately if at capacity. The returned Entry's Wait() resolves
// once a worker has run Dispatch to completion, the entry expired, or ctx
// was canceled.
func (q *Queue) Enqueue(ctx context.Context) (*Entry, error) {
	if q.closed.Load() {
		return nil, gatewayerr.New(gatewayerr.KindQueueFull, "queue is shutting down")
	}
	q.mu.Lock()
	if len(q.entries) >= q.maxSize {
		q.mu.Unlock()
		return nil, gatewayerr.New(gatewayerr.KindQueueFull, "admission queue at capacity")
	}
	now := time.Now()
	entryCtx, cancel := context.WithCancel(ctx)
	e := &Entry{
		EnqueuedAt: now,
		Deadline:   now.Add(q.expiry),
		ctx:        entryCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	q.entries = append(q.entries, e)
	atomic.AddInt64(&q.depth, 1)
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}

	go func() {
		<-ctx.Done()
		e.canceled.Store(true)
		cancel()
		q.mu.Lock()
		queued := false
		for i, qe := range q.entries {
			if qe == e {
				q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
				atomic.AddInt64(&q.depth, -1)
				queued = true
				break
			}
		}
		q.mu.Unlock()
		if queued {
			e.markDone(gatewayerr.New(gatewayerr.KindCanceled, "request canceled while queued"))
		}
	}()

	return e, nil
}

// Clear cancels every currently queued entry and returns the count
// canceled (SPEC_FULL.md §4.5 "clear" command). New entries are accepted
// immediately afterward.
func (q *Queue) Clear() int {
	q.mu.Lock()
	pending := q.entries
	q.entries = nil
	atomic.StoreInt64(&q.depth, 0)
	q.mu.Unlock()

	for _, e := range pending {
		e.canceled.Store(true)
		e.cancel()
		e.markDone(gatewayerr.New(gatewayerr.KindCanceled, "queue cleared"))
	}
	return len(pending)
}

// Close stops accepting new work and waits for workers to drain.
func (q *Queue) Close() {
	q.closed.Store(true)
	close(q.wakeup)
	q.wg.Wait()
}

var errNoWork = errors.New("no work")

func (q *Queue) popHead() (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) > 0 {
		e := q.entries[0]
		q.entries = q.entries[1:]
		atomic.AddInt64(&q.depth, -1)

		if e.canceled.Load() {
			e.markDone(gatewayerr.New(gatewayerr.KindCanceled, "request canceled while queued"))
			continue // dropped without contacting the upstream
		}
		if time.Now().After(e.Deadline) {
			e.markDone(gatewayerr.New(gatewayerr.KindQueueExpired, "admission deadline exceeded"))
			continue
		}
		return e, nil
	}
	return nil, errNoWork
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		if q.closed.Load() {
			q.drainRemaining()
			return
		}
		e, err := q.popHead()
		if err == errNoWork {
			_, ok := <-q.wakeup
			if !ok {
				q.drainRemaining()
				return
			}
			continue
		}
		q.runEntry(e)
	}
}

func (q *Queue) drainRemaining() {
	for {
		e, err := q.popHead()
		if err == errNoWork {
			return
		}
		q.runEntry(e)
	}
}

func (q *Queue) runEntry(e *Entry) {
	if e.canceled.Load() {
		e.markDone(gatewayerr.New(gatewayerr.KindCanceled, "request canceled before dispatch"))
		return
	}
	derr := q.dispatch(e.ctx)
	e.markDone(derr)
}
