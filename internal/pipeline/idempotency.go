package pipeline

import (
	"context"
	"time"

	"go.corebus.dev/internal/idempotency"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/metrics"
)

// IdempotencyKeyFunc extracts the caller-supplied idempotency key from a
// message. The default uses the Message ID itself, which makes retried
// deliveries of the exact same envelope idempotent but does not dedupe
// logically-equivalent messages with different IDs; callers with a
// domain-level idempotency key should set it in Metadata and supply a
// KeyFunc that reads it instead.
type IdempotencyKeyFunc func(message.Message) string

// DefaultIdempotencyKey uses the message's own ID as the cache key.
func DefaultIdempotencyKey(msg message.Message) string { return msg.ID }

// Idempotency returns a decorator that checks store for a cached Result
// before invoking next, and caches next's Result under ttl so a
// redelivery of the same key short-circuits straight to the cached
// outcome instead of re-running the handler. By default only successful
// results are cached, matching spec §4.5/§4.7's "cache-failures" policy
// flag defaulting off: a transient handler failure should not poison the
// key for a retry that might succeed. Pass IdempotencyOptions{CacheFailures:
// true} to also cache failures, for handlers whose failures are
// themselves idempotent (e.g. deterministic validation errors).
func Idempotency(store idempotency.Store, keyFunc IdempotencyKeyFunc, ttl time.Duration, opts ...IdempotencyOptions) Decorator {
	if keyFunc == nil {
		keyFunc = DefaultIdempotencyKey
	}
	var opt IdempotencyOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg message.Message) message.Result {
			key := keyFunc(msg)

			if cached, found, err := store.Get(ctx, key); err == nil && found {
				metrics.IdempotencyHits.WithLabelValues(msg.Type).Inc()
				return cached
			}

			result := next(ctx, msg)
			if result.IsSuccess() || opt.CacheFailures {
				_ = store.Put(ctx, key, result, ttl)
			}
			return result
		}
	}
}

// IdempotencyOptions tunes the Idempotency decorator's caching policy.
type IdempotencyOptions struct {
	// CacheFailures, when true, caches a failed Result the same as a
	// successful one so a redelivery replays the failure instead of
	// re-invoking the handler. Defaults to false.
	CacheFailures bool
}
