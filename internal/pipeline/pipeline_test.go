package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.corebus.dev/internal/errs"
	"go.corebus.dev/internal/idempotency"
	"go.corebus.dev/internal/message"
)

func TestCompose_RunsInOuterToInnerOrder(t *testing.T) {
	var order []string
	mark := func(name string) Decorator {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg message.Message) message.Result {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}

	inner := func(ctx context.Context, msg message.Message) message.Result {
		order = append(order, "inner")
		return message.Success(nil)
	}

	h := Compose(inner, mark("a"), mark("b"), mark("c"))
	h(context.Background(), message.NewCommand("X", nil))

	assert.Equal(t, []string{"a", "b", "c", "inner"}, order)
}

func TestValidation_RejectsInvalidMessage(t *testing.T) {
	validators := map[string]Validator{
		"CreateOrder": ValidatorFunc(func(ctx context.Context, msg message.Message) error {
			return errs.ErrValidationFailed
		}),
	}
	called := false
	inner := func(ctx context.Context, msg message.Message) message.Result {
		called = true
		return message.Success(nil)
	}

	h := Compose(inner, Validation(validators))
	result := h(context.Background(), message.NewCommand("CreateOrder", nil))

	assert.False(t, called, "inner handler must not run when validation fails")
	assert.False(t, result.IsSuccess())
	assert.ErrorIs(t, result.Err, errs.ErrValidationFailed)
}

func TestSigning_VerifyRejectsTamperedMessage(t *testing.T) {
	source := StaticSecretSource("super-secret")
	ok := func(ctx context.Context, msg message.Message) message.Result {
		return message.Success(nil)
	}

	var signed message.Message
	capture := func(ctx context.Context, msg message.Message) message.Result {
		signed = msg
		return message.Success(nil)
	}
	Compose(capture, Signing(source, ModeHMAC, false))(context.Background(), message.NewCommand("Pay", nil))

	verify := Compose(ok, Signing(source, ModeHMAC, true))
	result := verify(context.Background(), signed)
	assert.True(t, result.IsSuccess())

	tampered := signed.WithMetadata(SignatureMetadataKey, "not-a-real-signature")
	result = verify(context.Background(), tampered)
	assert.False(t, result.IsSuccess())
	assert.ErrorIs(t, result.Err, errs.ErrSignatureInvalid)
}

func TestIdempotency_SecondCallReturnsCachedResult(t *testing.T) {
	store := idempotency.NewInMemoryStore()
	calls := 0
	inner := func(ctx context.Context, msg message.Message) message.Result {
		calls++
		return message.Success(calls)
	}

	h := Compose(inner, Idempotency(store, DefaultIdempotencyKey, time.Minute))
	msg := message.NewCommand("CreateOrder", nil)

	first := h(context.Background(), msg)
	second := h(context.Background(), msg)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Data, second.Data)
}

func TestRetry_ExhaustsAndReturnsRetryExhausted(t *testing.T) {
	attempts := 0
	inner := func(ctx context.Context, msg message.Message) message.Result {
		attempts++
		return message.Failure(errs.ErrInternal, "always fails")
	}

	h := Compose(inner, Retry(RetryConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond}))
	result := h(context.Background(), message.NewCommand("X", nil))

	require.Equal(t, 3, attempts)
	assert.False(t, result.IsSuccess())
	assert.ErrorIs(t, result.Err, errs.ErrRetryExhausted)
}

func TestRetry_SucceedsBeforeExhausting(t *testing.T) {
	attempts := 0
	inner := func(ctx context.Context, msg message.Message) message.Result {
		attempts++
		if attempts < 2 {
			return message.Failure(errs.ErrInternal, "transient")
		}
		return message.Success("ok")
	}

	h := Compose(inner, Retry(RetryConfig{MaxAttempts: 5, BaseBackoff: time.Millisecond}))
	result := h(context.Background(), message.NewCommand("X", nil))

	assert.Equal(t, 2, attempts)
	assert.True(t, result.IsSuccess())
}

func TestIdempotency_FailureNotCachedByDefault(t *testing.T) {
	store := idempotency.NewInMemoryStore()
	calls := 0
	inner := func(ctx context.Context, msg message.Message) message.Result {
		calls++
		if calls == 1 {
			return message.Failure(errs.ErrInternal, "transient")
		}
		return message.Success(calls)
	}

	h := Compose(inner, Idempotency(store, DefaultIdempotencyKey, time.Minute))
	msg := message.NewCommand("CreateOrder", nil)

	first := h(context.Background(), msg)
	second := h(context.Background(), msg)

	assert.False(t, first.IsSuccess())
	assert.True(t, second.IsSuccess(), "a failed result must not be cached so a retry re-invokes the handler")
	assert.Equal(t, 2, calls)
}

func TestIdempotency_CacheFailuresOptionCachesFailure(t *testing.T) {
	store := idempotency.NewInMemoryStore()
	calls := 0
	inner := func(ctx context.Context, msg message.Message) message.Result {
		calls++
		return message.Failure(errs.ErrInternal, "permanent")
	}

	h := Compose(inner, Idempotency(store, DefaultIdempotencyKey, time.Minute, IdempotencyOptions{CacheFailures: true}))
	msg := message.NewCommand("CreateOrder", nil)

	first := h(context.Background(), msg)
	second := h(context.Background(), msg)

	assert.False(t, first.IsSuccess())
	assert.False(t, second.IsSuccess())
	assert.Equal(t, 1, calls, "with CacheFailures the second call must replay the cached failure, not re-invoke")
}
