// Package errs defines the abstract error signals produced by the dispatch
// pipeline and reliable-delivery subsystems. Callers test for a specific
// signal with errors.Is. Decorators and processors return these sentinels
// unwrapped, in a Result's Err or as a plain error (Retry joins ErrRetryExhausted with the last
// handler error); an error returned by a handler itself passes through
// unchanged and need not match any of them.
package errs

import "errors"

var (
	// ErrHandlerMissing is returned when no handler is registered for a
	// command or query type.
	ErrHandlerMissing = errors.New("corebus: no handler registered for message type")

	// ErrValidationFailed is returned by the Validation decorator when a
	// message fails its contract or handler-specific validation rules.
	ErrValidationFailed = errors.New("corebus: validation failed")

	// ErrSignatureInvalid is returned by the Signing decorator when an
	// inbound message's HMAC or JWT signature does not verify.
	ErrSignatureInvalid = errors.New("corebus: signature invalid")

	// ErrCircuitOpen is returned by the CircuitBreaker decorator while the
	// breaker is in the Open state.
	ErrCircuitOpen = errors.New("corebus: circuit breaker open")

	// ErrRetryExhausted is returned by the Retry decorator when all
	// attempts have been consumed without success.
	ErrRetryExhausted = errors.New("corebus: retry attempts exhausted")

	// ErrIdempotencyCollision is returned when a duplicate key is in
	// flight (Processing) and the caller must retry later rather than
	// receive a cached result.
	ErrIdempotencyCollision = errors.New("corebus: idempotency key already in flight")

	// ErrCancelled wraps context cancellation as it crosses pipeline
	// boundaries; decorators never swallow this signal.
	ErrCancelled = errors.New("corebus: operation cancelled")

	// ErrTimeout is returned when a ProcessingTimeout deadline elapses.
	ErrTimeout = errors.New("corebus: processing timeout")

	// ErrTransportUnavailable is returned by a Transport implementation
	// that cannot currently deliver a message.
	ErrTransportUnavailable = errors.New("corebus: transport unavailable")

	// ErrStorageUnavailable is returned by a storage contract
	// implementation for a transient backing-store failure.
	ErrStorageUnavailable = errors.New("corebus: storage unavailable")

	// ErrDuplicateMessage signals a message that has already been fully
	// processed within the dedup window. Inbox processing does not return
	// it: a duplicate of a processed message is a successful no-op there.
	ErrDuplicateMessage = errors.New("corebus: duplicate message")

	// ErrAlreadyInFlight is returned by Inbox processing when a message
	// with the same (id, source) is currently Processing.
	ErrAlreadyInFlight = errors.New("corebus: message already in flight")

	// ErrQueueDisabled is returned when enqueuing to or starting a named
	// queue that has not been registered or has been stopped permanently.
	ErrQueueDisabled = errors.New("corebus: queue disabled")

	// ErrInternal covers unexpected internal faults that don't fit any
	// other signal; it is the default for "programmatic" classification.
	ErrInternal = errors.New("corebus: internal error")
)
