package pipeline

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"go.corebus.dev/internal/errs"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/metrics"
)

// RetryConfig controls the Retry decorator's backoff, grounded on the
// teacher's HTTPMediator.executeWithRetry (attempt * baseBackoff),
// extended with an exponential option and jitter since corebus handlers
// run far more often than the teacher's outbound webhook calls.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	Exponential bool
	// MaxBackoff caps the computed delay; zero means uncapped.
	MaxBackoff time.Duration
	// Jitter, if > 0, adds a random duration in [0, Jitter) to each delay.
	Jitter time.Duration
	// Retryable reports whether a failed Result should be retried. Nil
	// means every failure is retried.
	Retryable func(message.Result) bool
}

// DefaultRetryConfig mirrors the teacher's MaxRetries=3, BaseBackoff=1s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseBackoff: time.Second}
}

// Retry returns the innermost decorator: it re-invokes next up to
// cfg.MaxAttempts times while the result keeps failing and cfg.Retryable
// (if set) approves a retry, sleeping a backoff between attempts. It
// returns ErrRetryExhausted wrapping the last failure once attempts run
// out, so an outer Idempotency/CircuitBreaker layer can tell "gave up"
// apart from the handler's own failure reason.
func Retry(cfg RetryConfig) Decorator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg message.Message) message.Result {
			var last message.Result
			for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
				last = next(ctx, msg)
				if last.IsSuccess() {
					return last
				}
				if cfg.Retryable != nil && !cfg.Retryable(last) {
					return last
				}
				if attempt == cfg.MaxAttempts {
					break
				}

				metrics.RetryAttempts.WithLabelValues(msg.Type).Inc()
				delay := backoffFor(cfg, attempt)
				log.Info().Str("messageType", msg.Type).Int("attempt", attempt).Dur("backoff", delay).Msg("retrying")

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return message.Failure(ctx.Err(), "retry: context cancelled while waiting to retry")
				case <-timer.C:
				}
			}
			return message.Failure(errors.Join(errs.ErrRetryExhausted, last.Err), last.Message())
		}
	}
}

func backoffFor(cfg RetryConfig, attempt int) time.Duration {
	var delay time.Duration
	if cfg.Exponential {
		delay = cfg.BaseBackoff << (attempt - 1)
	} else {
		delay = time.Duration(attempt) * cfg.BaseBackoff
	}
	if cfg.MaxBackoff > 0 && delay > cfg.MaxBackoff {
		delay = cfg.MaxBackoff
	}
	if cfg.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(cfg.Jitter)))
	}
	return delay
}
