// Package workqueue implements BoundedWorkQueue (spec §4.2): a bounded,
// optionally-ordered work block used by the Dispatcher to enforce
// per-message-type ordering and by the Outbox/Queue engines to cap
// in-flight concurrency. It is grounded on the teacher's
// internal/outbox.Processor, which hand-rolls the same
// buffer-channel-plus-worker-goroutines shape this package generalizes.
package workqueue

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Item is an opaque unit of work submitted to the queue.
type Item func(ctx context.Context)

// Config configures a BoundedWorkQueue.
type Config struct {
	// MaxDegreeOfParallelism is the number of worker goroutines draining
	// the queue. 1 (the default) preserves strict per-type ordering.
	MaxDegreeOfParallelism int
	// BoundedCapacity is the channel buffer size.
	BoundedCapacity int
	// DropWhenFull, if true, makes Send non-blocking: Send drops the item
	// (returning ErrDropped) instead of waiting for space. Default is to
	// wait (backpressure).
	DropWhenFull bool
}

// DefaultConfig returns the spec defaults: single-threaded, capacity 100,
// backpressure (wait) rather than drop.
func DefaultConfig() Config {
	return Config{MaxDegreeOfParallelism: 1, BoundedCapacity: 100}
}

// Queue is a bounded, error-isolated work block. A failing item never
// stops the block; only a scheduling fault (a panic recovered at the
// worker boundary) is ever surfaced, and even that does not stop sibling
// workers.
type Queue struct {
	cfg   Config
	items chan scheduled
	wg    sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

// scheduled pairs an Item with the ctx it was submitted under, so a
// worker runs it with the caller's context instead of a detached one.
type scheduled struct {
	ctx  context.Context
	item Item
}

// New builds and starts a Queue per cfg. Call Complete to drain and stop.
func New(cfg Config) *Queue {
	if cfg.MaxDegreeOfParallelism <= 0 {
		cfg.MaxDegreeOfParallelism = 1
	}
	if cfg.BoundedCapacity <= 0 {
		cfg.BoundedCapacity = 100
	}

	q := &Queue{
		cfg:   cfg,
		items: make(chan scheduled, cfg.BoundedCapacity),
		done:  make(chan struct{}),
	}

	for i := 0; i < cfg.MaxDegreeOfParallelism; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for s := range q.items {
		q.runIsolated(s)
	}
}

// runIsolated invokes s.item with s.ctx (the context Send was called
// with, so cancellation propagates through to queued work) in its own
// error-isolated scope: a panic inside the item is recovered and logged,
// never propagated to the worker loop.
func (q *Queue) runIsolated(s scheduled) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("workqueue: item panicked, isolated")
		}
	}()
	s.item(s.ctx)
}

// Send submits an item, applying backpressure (or dropping, per
// DropWhenFull) if the queue is at capacity. It returns ctx.Err() if ctx is
// cancelled before the item is accepted, or a "queue completed" error if
// Complete has already been called.
func (q *Queue) Send(ctx context.Context, item Item) error {
	select {
	case <-q.done:
		return ErrCompleted
	default:
	}

	s := scheduled{ctx: ctx, item: item}
	if q.cfg.DropWhenFull {
		select {
		case q.items <- s:
			return nil
		default:
			return ErrDropped
		}
	}

	select {
	case q.items <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrCompleted
	}
}

// Complete stops accepting new items, drains what's buffered, and waits for
// all workers to finish. It is safe to call multiple times.
func (q *Queue) Complete() {
	q.closeOnce.Do(func() {
		close(q.done)
		close(q.items)
	})
	q.wg.Wait()
}
