// Package pipeline implements PipelineDecorators (spec §4.7): a fixed
// stack of cross-cutting behaviors wrapped around every dispatched
// handler, applied in the order Logging -> Validation -> Signing ->
// Idempotency -> CircuitBreaker -> Retry -> handler. Each decorator is
// grounded on a distinct piece of the teacher: Logging/Validation follow
// the teacher's general zerolog call-site idiom, Signing is new ground
// wired to golang-jwt/jwt/v5 and golang.org/x/crypto/hkdf, Idempotency
// wraps internal/idempotency, and CircuitBreaker/Retry are a direct port of
// internal/router/mediator.HTTPMediator's gobreaker.Execute +
// executeWithRetry shape, generalized from HTTP status codes to the
// Handler/Result contract the rest of corebus uses.
package pipeline

import (
	"context"

	"go.corebus.dev/internal/message"
)

// Handler is the unit every decorator wraps: a single message in, a single
// Result out. It has the same underlying type as dispatch.Handler, so a
// decorated pipeline is registered with a dispatch.Registry after a plain
// conversion (dispatch.Handler(h)).
type Handler func(ctx context.Context, msg message.Message) message.Result

// Decorator wraps a Handler to add one cross-cutting behavior, returning a
// new Handler that the next decorator (or the Dispatcher) invokes.
type Decorator func(next Handler) Handler

// Compose applies decorators around inner in the order given: the first
// decorator in the slice is outermost (runs first on the way in, last on
// the way out). Build the default stack with DefaultStack so call sites
// never have to restate the fixed order by hand.
func Compose(inner Handler, decorators ...Decorator) Handler {
	h := inner
	for i := len(decorators) - 1; i >= 0; i-- {
		h = decorators[i](h)
	}
	return h
}

// DefaultStack returns the decorators in the spec's fixed order: Logging,
// Validation, Signing, Idempotency, CircuitBreaker, Retry. Any entry may be
// nil to omit that stage (e.g. no Signing configured), in which case it is
// skipped rather than applied as a no-op wrapper.
func DefaultStack(logging, validation, signing, idempotency, circuitBreaker, retry Decorator) []Decorator {
	all := []Decorator{logging, validation, signing, idempotency, circuitBreaker, retry}
	out := make([]Decorator, 0, len(all))
	for _, d := range all {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}
