// Package corebus is the public facade wiring every internal component
// into the External Interfaces surface (spec §6): SendCommand/SendQuery/
// PublishEvent/Enqueue/StartQueue/StopQueue/PublishToOutbox/
// ProcessIncoming/GetMetrics/GetHealth, plus batch variants. It plays the
// role of the teacher's cmd/*/main.go wiring, lifted into a reusable
// constructor so embedding applications don't hand-assemble every
// component themselves.
package corebus

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"go.corebus.dev/internal/dispatch"
	"go.corebus.dev/internal/dlq"
	"go.corebus.dev/internal/errs"
	"go.corebus.dev/internal/idempotency"
	"go.corebus.dev/internal/inbox"
	"go.corebus.dev/internal/leaderelect"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/opsstate"
	"go.corebus.dev/internal/outbox"
	"go.corebus.dev/internal/pipeline"
	"go.corebus.dev/internal/queueengine"
	"go.corebus.dev/internal/storage"
	"go.corebus.dev/internal/transport"
	"go.corebus.dev/internal/workqueue"
)

// ErrOutboxNotConfigured is returned by PublishToOutbox when Config.OutboxPublish
// was left nil at construction time.
var ErrOutboxNotConfigured = errors.New("corebus: outbox publishing is not configured")

// ErrInboxNotConfigured is returned by ProcessIncoming when Config.InboxHandle
// was left nil at construction time.
var ErrInboxNotConfigured = errors.New("corebus: inbox processing is not configured")

// Config assembles every collaborator the Bus needs. Only Registry is
// required; everything else falls back to an in-memory, single-process
// default so a caller can get started with zero infrastructure.
type Config struct {
	Registry       *dispatch.Registry
	WorkQueue      workqueue.Config
	Decorators     []pipeline.Decorator
	OutboxStore    storage.OutboxStore
	InboxStore     storage.InboxStore
	QueueStore     storage.QueueStore
	IdempotencyTTL time.Duration
	DLQ            dlq.Store
	Ops            opsstate.Store
	Elector        leaderelect.Elector
	Transport      transport.Transport
	OutboxPublish  outbox.PublishFunc
	InboxHandle    inbox.HandleFunc
}

func (c *Config) applyDefaults() {
	if c.WorkQueue == (workqueue.Config{}) {
		c.WorkQueue = workqueue.DefaultConfig()
	}
	if c.OutboxStore == nil {
		c.OutboxStore = storage.NewInMemoryOutboxStore()
	}
	if c.InboxStore == nil {
		c.InboxStore = storage.NewInMemoryInboxStore()
	}
	if c.QueueStore == nil {
		c.QueueStore = storage.NewInMemoryQueueStore()
	}
	if c.DLQ == nil {
		c.DLQ = dlq.NewInMemoryStore()
	}
	if c.Ops == nil {
		c.Ops = opsstate.NewInMemoryStore()
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
}

// Bus is the assembled, running instance of every corebus component.
type Bus struct {
	cfg        Config
	dispatcher *dispatch.Dispatcher
	handler    pipeline.Handler
	outboxProc *outbox.Processor
	inboxProc  *inbox.Processor
	queues     *queueengine.Engine
	ops        opsstate.Store
	dlqSink    dlq.Store
}

// New assembles a Bus from cfg, applying in-memory defaults for any
// collaborator left unset.
func New(cfg Config) *Bus {
	cfg.applyDefaults()

	d := dispatch.New(cfg.Registry, cfg.WorkQueue)
	// The pipeline's terminal step routes through Ordered rather than a
	// direct Dispatch, so commands of the same type run strictly FIFO per
	// §5, even when called concurrently via SendCommand.
	handler := pipeline.Compose(func(ctx context.Context, msg message.Message) message.Result {
		out, err := d.Ordered(ctx, msg)
		if err != nil {
			return message.Failure(errs.ErrInternal, err.Error())
		}
		select {
		case result := <-out:
			return result
		case <-ctx.Done():
			return message.Failure(errs.ErrCancelled, ctx.Err().Error())
		}
	}, cfg.Decorators...)

	dlqSink := dlq.NewRetrier(cfg.DLQ, redispatchResubmit(d))

	b := &Bus{cfg: cfg, dispatcher: d, handler: handler, ops: cfg.Ops, dlqSink: dlqSink}

	if cfg.OutboxPublish != nil {
		outboxCfg := outbox.DefaultConfig("default")
		b.outboxProc = outbox.New(outboxCfg, cfg.OutboxStore, dlqSink, cfg.OutboxPublish, cfg.Elector)
	}
	if cfg.InboxHandle != nil {
		b.inboxProc = inbox.New(inbox.DefaultConfig("default"), cfg.InboxStore, dlqSink, cfg.InboxHandle)
	}
	b.queues = queueengine.New(cfg.QueueStore, d, dlqSink)

	return b
}

// redispatchResubmit resubmits a dead-lettered envelope through d itself —
// Dispatch/DispatchQuery/Publish depending on its Kind — which is the
// "original dispatcher path" spec §4.8's DLQ.Retry requires, regardless of
// which subsystem (outbox, inbox, queue) originally sent the entry here.
func redispatchResubmit(d *dispatch.Dispatcher) dlq.ResubmitFunc {
	return func(ctx context.Context, entry *dlq.DeadLetterEntry) error {
		switch entry.Envelope.Kind {
		case message.KindQuery:
			return resultErr(d.DispatchQuery(ctx, entry.Envelope))
		case message.KindEvent:
			for _, outcome := range d.Publish(ctx, entry.Envelope) {
				if !outcome.Result.IsSuccess() {
					return resultErr(outcome.Result)
				}
			}
			return nil
		default:
			return resultErr(d.Dispatch(ctx, entry.Envelope))
		}
	}
}

func resultErr(r message.Result) error {
	if r.IsSuccess() {
		return nil
	}
	if r.Err != nil {
		return r.Err
	}
	return errors.New(r.Message())
}

// SendCommand dispatches cmd through the decorated pipeline, returning
// the handler's Result.
func (b *Bus) SendCommand(ctx context.Context, cmd message.Message) message.Result {
	return b.handler(ctx, cmd)
}

// SendQuery dispatches a query directly against the registry, bypassing
// the command pipeline's write-side decorators (retry/circuit-breaker
// semantics don't generally apply to reads).
func (b *Bus) SendQuery(ctx context.Context, qry message.Message) message.Result {
	return b.dispatcher.DispatchQuery(ctx, qry)
}

// PublishEvent fans evt out to every registered handler and returns one
// outcome per handler; no handler's failure stops the others.
func (b *Bus) PublishEvent(ctx context.Context, evt message.Message) []dispatch.EventOutcome {
	return b.dispatcher.Publish(ctx, evt)
}

// SendBatch runs SendCommand over every message in cmds, returning a
// parallel slice of success flags per spec §6's batch-variant contract.
func (b *Bus) SendBatch(ctx context.Context, cmds []message.Message) []bool {
	out := make([]bool, len(cmds))
	for i, cmd := range cmds {
		out[i] = b.SendCommand(ctx, cmd).IsSuccess()
	}
	return out
}

// PublishBatch runs PublishEvent over every message in evts, returning
// true for an event only if every one of its handlers succeeded.
func (b *Bus) PublishBatch(ctx context.Context, evts []message.Message) []bool {
	out := make([]bool, len(evts))
	for i, evt := range evts {
		outcomes := b.PublishEvent(ctx, evt)
		ok := true
		for _, o := range outcomes {
			if !o.Result.IsSuccess() {
				ok = false
				break
			}
		}
		out[i] = ok
	}
	return out
}

// Enqueue adds msg to a named QueueEngine queue with priority and delay.
func (b *Bus) Enqueue(ctx context.Context, queueName string, msg message.Message, priority int, delay time.Duration) error {
	return b.queues.Enqueue(ctx, queueName, msg, priority, delay)
}

// StartQueue launches worker loops for a named queue per cfg.
func (b *Bus) StartQueue(ctx context.Context, cfg queueengine.QueueConfig) error {
	return b.queues.StartQueue(ctx, cfg)
}

// StopQueue stops a previously started named queue.
func (b *Bus) StopQueue(name string) error {
	return b.queues.StopQueue(name)
}

// PublishToOutbox transactionally enqueues msg for asynchronous,
// at-least-once delivery via the configured OutboxPublish func.
func (b *Bus) PublishToOutbox(ctx context.Context, msg message.Message, messageGroup string) error {
	if b.outboxProc == nil {
		return ErrOutboxNotConfigured
	}
	return b.outboxProc.Publish(ctx, msg, messageGroup)
}

// ProcessIncoming deduplicates and handles an inbound message via the
// configured InboxHandle func.
func (b *Bus) ProcessIncoming(ctx context.Context, msg message.Message, keyFunc inbox.DedupKeyFunc) error {
	if b.inboxProc == nil {
		return ErrInboxNotConfigured
	}
	return b.inboxProc.ProcessIncoming(ctx, msg, keyFunc)
}

// DLQ returns the Bus's dead-letter store, wired so Retry resubmits
// through the dispatcher — callers building their own admin surface
// (instead of adminapi.NewRouter) should use this rather than a raw
// storage-backed dlq.Store.
func (b *Bus) DLQ() dlq.Store {
	return b.dlqSink
}

// GetMetrics returns the process-wide Prometheus gatherer corebus
// registers its collectors against (the same one internal/adminapi's
// promhttp.Handler scrapes), for callers that want to mount their own
// /metrics endpoint instead of using adminapi.NewRouter.
func (b *Bus) GetMetrics() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}

// HealthReport summarizes Bus health for an admin surface.
type HealthReport struct {
	DLQ                    dlq.Statistics
	UnacknowledgedWarnings int
	IsLeader               bool
}

// GetHealth assembles a HealthReport from the DLQ, opsstate, and leader
// election collaborators.
func (b *Bus) GetHealth(ctx context.Context) (HealthReport, error) {
	stats, err := b.dlqSink.Statistics(ctx)
	if err != nil {
		return HealthReport{}, err
	}
	isLeader := true
	if b.cfg.Elector != nil {
		isLeader = b.cfg.Elector.IsLeader()
	}
	return HealthReport{
		DLQ:                    stats,
		UnacknowledgedWarnings: len(b.ops.Unacknowledged()),
		IsLeader:               isLeader,
	}, nil
}

// Start begins the outbox background processor, if configured.
func (b *Bus) Start(ctx context.Context) {
	if b.outboxProc != nil {
		b.outboxProc.Start(ctx)
	}
}

// Stop drains the outbox processor and every running queue.
func (b *Bus) Stop() {
	if b.outboxProc != nil {
		b.outboxProc.Stop()
	}
	b.queues.StopAll()
	b.dispatcher.Close()
}

// Idempotent wraps handler with an idempotency decorator backed by
// store, caching results for ttl. Exposed so
// callers can opt individual command types into idempotency without
// requiring every command to pay a store lookup. cacheFailures controls
// whether a failed Result is cached the same as a successful one (spec
// §4.5/§4.7's cache-failures policy flag); most callers want false, so a
// transient failure doesn't poison the key for a later successful retry.
func Idempotent(store idempotency.Store, ttl time.Duration, keyFunc pipeline.IdempotencyKeyFunc, cacheFailures bool) pipeline.Decorator {
	return pipeline.Idempotency(store, keyFunc, ttl, pipeline.IdempotencyOptions{CacheFailures: cacheFailures})
}
