// Package dispatch provides a serial execution queue: units of work submitted
// from any number of goroutines run strictly one at a time, in submission
// order, on a single dedicated worker goroutine.
//
// The queue is reentrancy-aware. The context passed to a running unit carries
// the queue's identity, so a unit that calls Sync again on the same queue
// (directly or through layers that wrap it) runs the nested function inline
// instead of deadlocking on its own worker.
package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Sync after Close has been called.
var ErrClosed = errors.New("dispatch: queue closed")

// queueKey is the context key under which a worker context carries the
// owning *SerialQueue. The pointer doubles as the per-instance marker, so
// two queues can never mistake each other's worker contexts.
type queueKey struct{}

type job struct {
	ctx  context.Context
	fn   func(context.Context)
	done chan struct{}
}

// SerialQueue executes submitted functions one at a time in FIFO order.
// The zero value is not usable; construct with New.
type SerialQueue struct {
	jobs chan job
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// New creates a queue and starts its worker goroutine.
// Call Close to stop the worker.
func New() *SerialQueue {
	q := &SerialQueue{
		jobs: make(chan job, 16),
		done: make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *SerialQueue) loop() {
	defer close(q.done)
	for j := range q.jobs {
		j.fn(context.WithValue(j.ctx, queueKey{}, q))
		close(j.done)
	}
}

// FromContext returns the SerialQueue whose worker is executing ctx,
// or nil if ctx does not belong to any queue.
func FromContext(ctx context.Context) *SerialQueue {
	q, _ := ctx.Value(queueKey{}).(*SerialQueue)
	return q
}

// OnQueue reports whether ctx is executing inside this queue's worker,
// including contexts derived from a worker context.
func (q *SerialQueue) OnQueue(ctx context.Context) bool {
	return FromContext(ctx) == q
}

// Sync runs fn behind all previously submitted work and blocks until it
// completes. If ctx already belongs to this queue's worker (a reentrant
// call from inside a running unit), fn runs immediately in place.
//
// Once accepted, a unit always runs to completion: cancelling ctx does not
// abandon a queued unit, and Sync keeps waiting for it. ctx is still the
// parent of the context fn receives, so deadlines and values flow through.
func (q *SerialQueue) Sync(ctx context.Context, fn func(context.Context)) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if q.OnQueue(ctx) {
		fn(ctx)
		return nil
	}

	j := job{ctx: ctx, fn: fn, done: make(chan struct{})}

	// The mutex is held across the channel send so that Close cannot slip
	// between the closed check and the send.
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.jobs <- j
	q.mu.Unlock()

	<-j.done
	return nil
}

// Closed reports whether Close has been called.
func (q *SerialQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops accepting work, lets already-queued units finish and waits for
// the worker to exit. Safe to call more than once. Must not be called from
// inside a running unit: the worker cannot wait for itself.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	<-q.done
}
