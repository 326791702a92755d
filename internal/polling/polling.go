// Package polling implements PollingLoop (spec §4.3): a reusable
// poll-throttle-dispatch driver shared by the Outbox processor and the
// Queue engine's workers. It is grounded directly on the teacher's
// internal/outbox.Processor.runPoller/doPoll ticker-based loop, generalized
// away from outbox-specific fetch/mark calls into the Poll/Process
// callback shape spec.md names.
package polling

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"go.corebus.dev/internal/workqueue"
)

// Config tunes a Loop's pacing.
type Config struct {
	// IdleDelay is how long to sleep after a poll that returned no items.
	IdleDelay time.Duration
	// BusyDelay is how long to sleep after a poll that returned items,
	// before polling again (keeps a busy poller from starving others).
	BusyDelay time.Duration
	// ErrorDelay is how long to sleep after Poll returns an error.
	ErrorDelay time.Duration
	// Work configures the BoundedWorkQueue items are fed into.
	Work workqueue.Config
}

// DefaultConfig returns the spec defaults (1s idle, 100ms busy, 5s error).
func DefaultConfig() Config {
	return Config{
		IdleDelay:  time.Second,
		BusyDelay:  100 * time.Millisecond,
		ErrorDelay: 5 * time.Second,
		Work:       workqueue.DefaultConfig(),
	}
}

// PollFunc returns a finite slice of work items for one iteration, or an
// error if the poll itself failed (e.g. the backing store is unavailable).
type PollFunc[T any] func(ctx context.Context) ([]T, error)

// ProcessFunc handles a single item. It must not panic (the underlying
// workqueue isolates panics, but ProcessFunc should report failures through
// its own error-handling path rather than relying on that safety net).
type ProcessFunc[T any] func(ctx context.Context, item T)

// Loop drives Poll -> feed BoundedWorkQueue -> sleep -> repeat, stopping
// cooperatively on context cancellation. On graceful Stop, the inner work
// queue is completed and drained before Stop returns, so no accepted item
// is lost; an abrupt context cancellation may leave in-flight items
// unacknowledged, to be retried on the next lease per spec.md §4.3.
type Loop[T any] struct {
	cfg     Config
	poll    PollFunc[T]
	process ProcessFunc[T]
	work    *workqueue.Queue

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Loop. Call Start to begin polling.
func New[T any](cfg Config, poll PollFunc[T], process ProcessFunc[T]) *Loop[T] {
	return &Loop[T]{
		cfg:     cfg,
		poll:    poll,
		process: process,
		work:    workqueue.New(cfg.Work),
		done:    make(chan struct{}),
	}
}

// Start begins the polling loop in a new goroutine, driven by ctx.
func (l *Loop[T]) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.run(ctx)
}

// Stop cancels the loop and blocks until the inner work queue has drained.
func (l *Loop[T]) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done
	l.work.Complete()
}

func (l *Loop[T]) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		items, err := l.poll(ctx)
		if err != nil {
			log.Error().Err(err).Msg("polling: poll failed")
			if !sleepOrDone(ctx, l.cfg.ErrorDelay) {
				return
			}
			continue
		}

		if len(items) == 0 {
			if !sleepOrDone(ctx, l.cfg.IdleDelay) {
				return
			}
			continue
		}

		for _, item := range items {
			item := item
			if err := l.work.Send(ctx, func(workCtx context.Context) {
				l.process(workCtx, item)
			}); err != nil {
				log.Warn().Err(err).Msg("polling: failed to enqueue item for processing")
			}
		}

		if !sleepOrDone(ctx, l.cfg.BusyDelay) {
			return
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
