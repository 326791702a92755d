// Package outbox implements OutboxProcessor (spec §4.9): transactional
// store-then-forward delivery with retry and dead-lettering. It is
// grounded on the teacher's internal/outbox.Processor: the same
// poll-mark-in-progress-dispatch-resolve lifecycle and crash recovery via
// RecoverStuckItems on Start, generalized from the teacher's HTTP/event
// dispatch-job split into a single Publish func parameterized by the
// caller, and adapted onto this module's PollingLoop instead of hand
// rolling its own poller/distributor goroutines. Leader election is wired
// via internal/leaderelect, following WithRedisLeaderElection's
// become-leader/lose-leadership callback shape.
package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"go.corebus.dev/internal/dlq"
	"go.corebus.dev/internal/leaderelect"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/metrics"
	"go.corebus.dev/internal/polling"
	"go.corebus.dev/internal/storage"
)

// PublishFunc delivers one outbox record's envelope to its destination
// (transport, webhook, downstream bus). A non-nil error is treated as a
// transient failure eligible for retry, up to Config.MaxRetries.
type PublishFunc func(ctx context.Context, rec *storage.OutboxRecord) error

// Config tunes a Processor.
type Config struct {
	Destination      string // metrics label
	PollInterval     time.Duration
	PollBatchSize    int
	MaxRetries       int
	StuckRecoveryAge time.Duration
	Polling          polling.Config

	// Classifier decides what happens to a publish failure, given the
	// record's retry count. Nil defaults to dlq.DefaultClassifier(MaxRetries)
	// in New.
	Classifier dlq.Classifier
}

// DefaultConfig mirrors the teacher's DefaultProcessorConfig (1s poll, 3
// retries) but leases 100 records per poll instead of the teacher's 500,
// since corebus.md targets in-process delivery rather than a sharded HTTP
// API.
func DefaultConfig(destination string) Config {
	return Config{
		Destination:      destination,
		PollInterval:     time.Second,
		PollBatchSize:    100,
		MaxRetries:       3,
		StuckRecoveryAge: 30 * time.Second,
		Polling:          polling.DefaultConfig(),
	}
}

// Processor drains an OutboxStore, publishing each leased record and
// resolving it to Completed, retried-Pending, or dead-lettered.
type Processor struct {
	cfg     Config
	store   storage.OutboxStore
	dlqSink dlq.Store
	publish PublishFunc
	elector leaderelect.Elector

	loop *polling.Loop[*storage.OutboxRecord]
}

// New creates a Processor. If elector is nil, this instance always
// considers itself primary (single-node mode).
func New(cfg Config, store storage.OutboxStore, dlqSink dlq.Store, publish PublishFunc, elector leaderelect.Elector) *Processor {
	if elector == nil {
		elector = leaderelect.AlwaysLeader{}
	}
	if cfg.Classifier == nil {
		cfg.Classifier = dlq.DefaultClassifier(cfg.MaxRetries)
	}
	p := &Processor{cfg: cfg, store: store, dlqSink: dlqSink, publish: publish, elector: elector}
	pollCfg := cfg.Polling
	pollCfg.IdleDelay = cfg.PollInterval
	p.loop = polling.New(pollCfg, p.poll, p.process)
	return p
}

// Publish transactionally enqueues msg for delivery. Callers are expected
// to call this within the same transaction that persists the business
// state change it corresponds to, per the outbox pattern; this package
// only implements the "store" half, not a distributed transaction.
func (p *Processor) Publish(ctx context.Context, msg message.Message, messageGroup string) error {
	return p.store.Insert(ctx, &storage.OutboxRecord{
		ID:           msg.ID,
		MessageGroup: messageGroup,
		Envelope:     msg,
		Status:       storage.OutboxPending,
		CreatedAt:    time.Now(),
	})
}

// Start performs crash recovery, then begins polling and (if an elector
// was supplied) leader election.
func (p *Processor) Start(ctx context.Context) {
	recovered, err := p.store.RecoverStuckItems(ctx, p.cfg.StuckRecoveryAge)
	if err != nil {
		log.Error().Err(err).Msg("outbox: crash recovery failed")
	} else if recovered > 0 {
		log.Info().Int64("count", recovered).Msg("outbox: recovered stuck items on startup")
	}

	if err := p.elector.Start(ctx); err != nil {
		log.Error().Err(err).Msg("outbox: leader election failed to start")
	}

	p.loop.Start(ctx)
}

// Stop drains in-flight work and stops leader election.
func (p *Processor) Stop() {
	p.loop.Stop()
	p.elector.Stop()
}

func (p *Processor) poll(ctx context.Context) ([]*storage.OutboxRecord, error) {
	if !p.elector.IsLeader() {
		return nil, nil
	}
	start := time.Now()
	defer func() { metrics.OutboxPollDuration.Observe(time.Since(start).Seconds()) }()
	return p.store.FetchAndLockPending(ctx, p.cfg.PollBatchSize)
}

func (p *Processor) process(ctx context.Context, rec *storage.OutboxRecord) {
	err := p.publish(ctx, rec)
	if err == nil {
		if mErr := p.store.MarkCompleted(ctx, []string{rec.ID}); mErr != nil {
			log.Error().Err(mErr).Str("id", rec.ID).Msg("outbox: failed to mark completed")
		}
		metrics.OutboxProcessed.WithLabelValues(p.cfg.Destination, "published").Inc()
		return
	}

	switch action := p.cfg.Classifier(err, rec.RetryCount); action {
	case dlq.ActionRetry:
		if sErr := p.store.ScheduleRetry(ctx, []string{rec.ID}); sErr != nil {
			log.Error().Err(sErr).Str("id", rec.ID).Msg("outbox: failed to schedule retry")
		}
		metrics.OutboxProcessed.WithLabelValues(p.cfg.Destination, "retried").Inc()
		log.Warn().Err(err).Str("id", rec.ID).Int("retryCount", rec.RetryCount+1).Msg("outbox: publish failed, retrying")

	case dlq.ActionDiscard:
		if mErr := p.store.MarkFailed(ctx, []string{rec.ID}, err.Error()); mErr != nil {
			log.Error().Err(mErr).Str("id", rec.ID).Msg("outbox: failed to mark failed")
		}
		metrics.OutboxProcessed.WithLabelValues(p.cfg.Destination, "discarded").Inc()
		log.Warn().Err(err).Str("id", rec.ID).Msg("outbox: discarding permanently failing record")

	default: // ActionDeadLetter, ActionEscalate
		if mErr := p.store.MarkFailed(ctx, []string{rec.ID}, err.Error()); mErr != nil {
			log.Error().Err(mErr).Str("id", rec.ID).Msg("outbox: failed to mark failed")
		}
		if p.dlqSink != nil {
			now := time.Now()
			sendErr := p.dlqSink.Send(ctx, &dlq.DeadLetterEntry{
				ID:           rec.ID,
				Component:    "outbox",
				Envelope:     rec.Envelope,
				Reason:       err.Error(),
				FailureCount: rec.RetryCount,
				FirstFailure: rec.CreatedAt,
				LastFailure:  now,
			})
			if sendErr != nil {
				log.Error().Err(sendErr).Str("id", rec.ID).Msg("outbox: failed to dead-letter")
			}
		}
		metrics.OutboxProcessed.WithLabelValues(p.cfg.Destination, "dead_lettered").Inc()
		log.Error().Err(err).Str("id", rec.ID).Msg("outbox: retries exhausted, dead-lettered")
		if action == dlq.ActionEscalate {
			log.Error().Err(err).Str("id", rec.ID).Msg("outbox: escalating failure for operator attention")
		}
	}
}
