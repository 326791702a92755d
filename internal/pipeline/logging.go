package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"go.corebus.dev/internal/message"
)

// Logging returns the outermost decorator: it logs entry (at Debug level),
// then exit with duration and outcome for every message, in the teacher's
// structured zerolog call-site style (one Info/Warn per completed request,
// fields not a formatted string).
func Logging(logger zerolog.Logger) Decorator {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg message.Message) message.Result {
			start := time.Now()
			logger.Debug().
				Str("messageId", msg.ID).
				Str("messageType", msg.Type).
				Str("kind", string(msg.Kind)).
				Msg("dispatch started")
			result := next(ctx, msg)
			dur := time.Since(start)

			evt := logger.Info()
			if !result.IsSuccess() {
				evt = logger.Warn()
			}
			evt.
				Str("messageId", msg.ID).
				Str("messageType", msg.Type).
				Str("kind", string(msg.Kind)).
				Dur("duration", dur).
				Bool("success", result.IsSuccess())
			if !result.IsSuccess() {
				evt.Str("error", result.Message())
			}
			evt.Msg("dispatch")

			return result
		}
	}
}
