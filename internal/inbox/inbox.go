// Package inbox implements InboxProcessor (spec §4.10): exactly-once
// ingress via claim-then-mark deduplication. It mirrors the outbox
// package's shape (a thin processor wrapping a storage contract and a
// dlq.Store) but runs synchronously per inbound message rather than on a
// polling loop, since inbound delivery is push-driven by the transport.
package inbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"go.corebus.dev/internal/dlq"
	"go.corebus.dev/internal/errs"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/metrics"
	"go.corebus.dev/internal/storage"
)

// HandleFunc processes one inbound message after it has been claimed.
type HandleFunc func(ctx context.Context, msg message.Message) error

// Config tunes a Processor.
type Config struct {
	Source              string // metrics label
	MaxRetries          int
	DeduplicationWindow time.Duration

	// Classifier decides what happens to a handler failure, given how
	// many attempts the dedup key has now accumulated. Nil defaults to
	// dlq.DefaultClassifier(MaxRetries) in New.
	Classifier dlq.Classifier
}

// DefaultConfig mirrors spec §6's Inbox defaults: 3 retries, a 7-day
// deduplication window.
func DefaultConfig(source string) Config {
	return Config{Source: source, MaxRetries: 3, DeduplicationWindow: 7 * 24 * time.Hour}
}

// Processor deduplicates inbound messages against an InboxStore before
// invoking a handler, so a redelivered message (same DedupKey) is
// processed at most once.
type Processor struct {
	cfg     Config
	store   storage.InboxStore
	dlqSink dlq.Store
	handle  HandleFunc
}

func New(cfg Config, store storage.InboxStore, dlqSink dlq.Store, handle HandleFunc) *Processor {
	if cfg.Classifier == nil {
		cfg.Classifier = dlq.DefaultClassifier(cfg.MaxRetries)
	}
	return &Processor{cfg: cfg, store: store, dlqSink: dlqSink, handle: handle}
}

// DedupKeyFunc extracts the dedup identity from a message; by default this
// is the message ID, which makes exactly-once guarantees hold only for
// genuine redeliveries of the same envelope. Callers that need dedup
// across logically-equivalent-but-differently-IDed messages should derive
// a domain key (e.g. from Metadata) instead.
type DedupKeyFunc func(message.Message) string

func DefaultDedupKey(msg message.Message) string { return msg.ID }

// ProcessIncoming claims dedupKey (via keyFunc) and, if it is safe to run
// (never seen, previously Failed, or Processed outside the deduplication
// window), invokes handle. A key already Processed within the window is
// an idempotent no-op: ProcessIncoming returns nil without invoking
// handle, per spec §4.10 step 1. A key currently IN_FLIGHT (a concurrent
// redelivery racing the first attempt) returns ErrAlreadyInFlight.
func (p *Processor) ProcessIncoming(ctx context.Context, msg message.Message, keyFunc DedupKeyFunc) error {
	if keyFunc == nil {
		keyFunc = DefaultDedupKey
	}
	key := keyFunc(msg)
	now := time.Now()

	outcome, err := p.store.Claim(ctx, key, now, p.cfg.DeduplicationWindow)
	if err != nil {
		return err
	}
	switch outcome {
	case storage.InboxClaimInFlight:
		metrics.InboxProcessed.WithLabelValues(p.cfg.Source, "in_flight").Inc()
		return errs.ErrAlreadyInFlight
	case storage.InboxClaimProcessed:
		metrics.InboxProcessed.WithLabelValues(p.cfg.Source, "duplicate").Inc()
		return nil
	}

	if err := p.handle(ctx, msg); err != nil {
		attempts, markErr := p.store.MarkFailed(ctx, key)
		if markErr != nil {
			log.Error().Err(markErr).Str("key", key).Msg("inbox: failed to mark failed")
		}
		metrics.InboxProcessed.WithLabelValues(p.cfg.Source, "failed").Inc()

		switch action := p.cfg.Classifier(err, attempts); action {
		case dlq.ActionDiscard:
			log.Warn().Err(err).Str("key", key).Msg("inbox: discarding permanently failing message")
			metrics.InboxProcessed.WithLabelValues(p.cfg.Source, "discarded").Inc()
			return nil
		case dlq.ActionRetry:
			log.Warn().Err(err).Str("key", key).Int("attempts", attempts).Msg("inbox: handler failed, eligible for retry")
			return err
		default: // ActionDeadLetter, ActionEscalate
			if p.dlqSink != nil {
				sendErr := p.dlqSink.Send(ctx, &dlq.DeadLetterEntry{
					ID:           key,
					Component:    "inbox",
					Envelope:     msg,
					Reason:       err.Error(),
					FailureCount: attempts,
					FirstFailure: now,
					LastFailure:  time.Now(),
				})
				if sendErr != nil {
					log.Error().Err(sendErr).Str("key", key).Msg("inbox: failed to dead-letter")
				}
			}
			if action == dlq.ActionEscalate {
				log.Error().Err(err).Str("key", key).Msg("inbox: escalating failure for operator attention")
			}
			return err
		}
	}

	if err := p.store.MarkProcessed(ctx, key, time.Now()); err != nil {
		log.Error().Err(err).Str("key", key).Msg("inbox: failed to mark processed")
	}
	metrics.InboxProcessed.WithLabelValues(p.cfg.Source, "processed").Inc()
	return nil
}
