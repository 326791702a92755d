// Package queueengine implements QueueEngine (spec §4.11): named,
// priority- and delay-aware queues, each driven by its own PollingLoop and
// worker pool. Block-on-error gating is adapted from the teacher's
// internal/scheduler.BlockChecker: a message group is excluded from
// leasing for as long as it has an Active dead-letter entry, fail-open on
// storage errors exactly like BlockChecker.IsGroupBlocked, and
// automatically clears once that entry is retried or discarded.
package queueengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"go.corebus.dev/internal/dispatch"
	"go.corebus.dev/internal/dlq"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/metrics"
	"go.corebus.dev/internal/polling"
	"go.corebus.dev/internal/storage"
)

// GroupMetadataKey is the message metadata key an enqueued entry's
// message group is read from when BlockOnError is enabled.
const GroupMetadataKey = "group"

// QueueConfig configures one named queue.
type QueueConfig struct {
	Name         string
	Workers      int
	BlockOnError bool
	MaxRetries   int
	Polling      polling.Config

	// RateLimit caps the queue's dispatch throughput, shared across all
	// of its workers. Nil means unlimited, matching DefaultQueueConfig.
	RateLimit *rate.Limiter

	// Classifier decides what happens to a dispatch failure, given the
	// entry's attempt count. Nil defaults to dlq.DefaultClassifier(MaxRetries)
	// in StartQueue.
	Classifier dlq.Classifier
}

// DefaultQueueConfig returns a single-worker queue with no block-on-error
// gating and three delivery attempts before dead-lettering.
func DefaultQueueConfig(name string) QueueConfig {
	return QueueConfig{Name: name, Workers: 1, MaxRetries: 3, Polling: polling.DefaultConfig()}
}

// Engine runs any number of independently configured named queues, each
// leasing QueueEntry records from a shared storage.QueueStore and routing
// them through a dispatch.Dispatcher. dlqSink may be nil, in which case
// BlockOnError queues never block (there is nowhere to record the Active
// entry that would gate them) and exhausted entries are simply dropped
// after MaxRetries.
type Engine struct {
	store      storage.QueueStore
	dispatcher *dispatch.Dispatcher
	dlqSink    dlq.Store

	attemptsMu sync.Mutex
	attempts   map[string]int

	mu     sync.Mutex
	queues map[string]*runningQueue
}

type runningQueue struct {
	cfg   QueueConfig
	loops []*polling.Loop[*storage.QueueEntry]
}

// New creates an Engine. dlqSink may be nil; see Engine's doc comment.
func New(store storage.QueueStore, dispatcher *dispatch.Dispatcher, dlqSink dlq.Store) *Engine {
	return &Engine{store: store, dispatcher: dispatcher, dlqSink: dlqSink, attempts: make(map[string]int), queues: make(map[string]*runningQueue)}
}

// Enqueue adds an entry to a named queue with the given priority (higher
// runs first) and optional delay (NotBefore = now + delay). The message
// group for BlockOnError gating, if any, is read from
// msg.Metadata[GroupMetadataKey].
func (e *Engine) Enqueue(ctx context.Context, queue string, msg message.Message, priority int, delay time.Duration) error {
	now := time.Now()
	entry := &storage.QueueEntry{
		ID:        uuid.NewString(),
		Queue:     queue,
		Envelope:  msg,
		Priority:  priority,
		NotBefore: now.Add(delay),
		CreatedAt: now,
	}
	if err := e.store.Enqueue(ctx, entry); err != nil {
		return err
	}
	if depth, err := e.store.Depth(ctx, queue); err == nil {
		metrics.QueueDepth.WithLabelValues(queue).Set(float64(depth))
	}
	return nil
}

// IsGroupBlocked reports whether group currently has an Active dead
// letter under component, generalizing BlockChecker.IsGroupBlocked: a
// lookup error fails open (not blocked), since withholding delivery
// indefinitely because the DLQ is unreachable is worse than the rare
// double-dispatch it would otherwise prevent.
func (e *Engine) IsGroupBlocked(ctx context.Context, component, group string) bool {
	if e.dlqSink == nil || group == "" {
		return false
	}
	entries, err := e.dlqSink.List(ctx, component)
	if err != nil {
		log.Warn().Err(err).Str("component", component).Msg("queueengine: dlq lookup failed, failing open")
		return false
	}
	for _, entry := range entries {
		if entry.Status == dlq.StatusActive && entry.Envelope.Metadata[GroupMetadataKey] == group {
			return true
		}
	}
	return false
}

// StartQueue launches cfg.Workers independent polling loops against the
// named queue, each leasing one entry at a time, gated by BlockOnError if
// configured.
func (e *Engine) StartQueue(ctx context.Context, cfg QueueConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Classifier == nil {
		cfg.Classifier = dlq.DefaultClassifier(cfg.MaxRetries)
	}
	if _, exists := e.queues[cfg.Name]; exists {
		return fmt.Errorf("queueengine: queue %q already started", cfg.Name)
	}

	rq := &runningQueue{cfg: cfg}
	for i := 0; i < cfg.Workers; i++ {
		loop := polling.New(cfg.Polling,
			func(ctx context.Context) ([]*storage.QueueEntry, error) {
				entry, ok, err := e.store.LeaseNext(ctx, cfg.Name, time.Now())
				if err != nil || !ok {
					return nil, err
				}
				group := entry.Envelope.Metadata[GroupMetadataKey]
				if cfg.BlockOnError && e.IsGroupBlocked(ctx, cfg.Name, group) {
					if relErr := e.store.Release(ctx, entry.ID); relErr != nil {
						log.Error().Err(relErr).Str("queue", cfg.Name).Msg("queueengine: failed to release blocked entry")
					}
					return nil, nil
				}
				return []*storage.QueueEntry{entry}, nil
			},
			func(ctx context.Context, entry *storage.QueueEntry) {
				e.processEntry(ctx, cfg, entry)
			})
		loop.Start(ctx)
		rq.loops = append(rq.loops, loop)
	}
	e.queues[cfg.Name] = rq
	return nil
}

func (e *Engine) processEntry(ctx context.Context, cfg QueueConfig, entry *storage.QueueEntry) {
	if cfg.RateLimit != nil {
		if err := cfg.RateLimit.Wait(ctx); err != nil {
			if relErr := e.store.Release(ctx, entry.ID); relErr != nil {
				log.Error().Err(relErr).Str("queue", cfg.Name).Msg("queueengine: failed to release rate-limited entry")
			}
			return
		}
	}

	var result message.Result
	switch entry.Envelope.Kind {
	case message.KindQuery:
		result = e.dispatcher.DispatchQuery(ctx, entry.Envelope)
	default:
		result = e.dispatcher.Dispatch(ctx, entry.Envelope)
	}

	if result.IsSuccess() {
		e.clearAttempts(entry.ID)
		if err := e.store.Complete(ctx, entry.ID); err != nil {
			log.Error().Err(err).Str("queue", cfg.Name).Str("id", entry.ID).Msg("queueengine: failed to complete entry")
		}
		metrics.QueueProcessed.WithLabelValues(cfg.Name, "acked").Inc()
		return
	}

	attempt := e.bumpAttempts(entry.ID)
	switch action := cfg.Classifier(result.Err, attempt); action {
	case dlq.ActionRetry:
		if err := e.store.Release(ctx, entry.ID); err != nil {
			log.Error().Err(err).Str("queue", cfg.Name).Str("id", entry.ID).Msg("queueengine: failed to release failed entry")
		}
		metrics.QueueProcessed.WithLabelValues(cfg.Name, "retried").Inc()

	case dlq.ActionDiscard:
		e.clearAttempts(entry.ID)
		if err := e.store.Complete(ctx, entry.ID); err != nil {
			log.Error().Err(err).Str("queue", cfg.Name).Str("id", entry.ID).Msg("queueengine: failed to retire discarded entry")
		}
		metrics.QueueProcessed.WithLabelValues(cfg.Name, "discarded").Inc()
		log.Warn().Str("queue", cfg.Name).Str("id", entry.ID).Msg("queueengine: discarding permanently failing entry")

	default: // ActionDeadLetter, ActionEscalate
		e.clearAttempts(entry.ID)
		if err := e.store.Complete(ctx, entry.ID); err != nil {
			log.Error().Err(err).Str("queue", cfg.Name).Str("id", entry.ID).Msg("queueengine: failed to retire exhausted entry")
		}
		if e.dlqSink != nil {
			now := time.Now()
			sendErr := e.dlqSink.Send(ctx, &dlq.DeadLetterEntry{
				ID:           entry.ID,
				Component:    cfg.Name,
				Envelope:     entry.Envelope,
				Reason:       result.Message(),
				FailureCount: attempt,
				FirstFailure: entry.CreatedAt,
				LastFailure:  now,
			})
			if sendErr != nil {
				log.Error().Err(sendErr).Str("queue", cfg.Name).Str("id", entry.ID).Msg("queueengine: failed to dead-letter")
			}
		}
		metrics.QueueProcessed.WithLabelValues(cfg.Name, "dead_lettered").Inc()
		if action == dlq.ActionEscalate {
			log.Error().Str("queue", cfg.Name).Str("id", entry.ID).Msg("queueengine: escalating failure for operator attention")
		}
	}
}

func (e *Engine) bumpAttempts(id string) int {
	e.attemptsMu.Lock()
	defer e.attemptsMu.Unlock()
	e.attempts[id]++
	return e.attempts[id]
}

func (e *Engine) clearAttempts(id string) {
	e.attemptsMu.Lock()
	delete(e.attempts, id)
	e.attemptsMu.Unlock()
}

// StopQueue cancels and drains every worker loop for the named queue.
func (e *Engine) StopQueue(name string) error {
	e.mu.Lock()
	rq, ok := e.queues[name]
	if ok {
		delete(e.queues, name)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("queueengine: queue %q is not running", name)
	}
	for _, loop := range rq.loops {
		loop.Stop()
	}
	return nil
}

// StopAll stops every running queue.
func (e *Engine) StopAll() {
	e.mu.Lock()
	names := make([]string, 0, len(e.queues))
	for name := range e.queues {
		names = append(names, name)
	}
	e.mu.Unlock()

	for _, name := range names {
		_ = e.StopQueue(name)
	}
}
