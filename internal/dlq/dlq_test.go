package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.corebus.dev/internal/message"
)

func TestDefaultClassifier(t *testing.T) {
	classify := DefaultClassifier(3)
	assert.Equal(t, ActionRetry, classify(nil, 1))
	assert.Equal(t, ActionRetry, classify(nil, 2))
	assert.Equal(t, ActionDeadLetter, classify(nil, 3))
}

func TestInMemoryStore_SendAndRetry(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	entry := &DeadLetterEntry{
		ID:           "entry-1",
		Component:    "outbox",
		Envelope:     message.NewEvent("order.created", nil),
		FailureCount: 5,
		LastFailure:  time.Now(),
	}
	require.NoError(t, store.Send(ctx, entry))

	count, err := store.Count(ctx, "outbox")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	retried, err := store.Retry(ctx, "entry-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRetried, retried.Status)

	count, err = store.Count(ctx, "outbox")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestInMemoryStore_CannotTransitionTerminalEntryAgain(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	require.NoError(t, store.Send(ctx, &DeadLetterEntry{ID: "entry-1", Component: "inbox"}))

	_, err := store.Discard(ctx, "entry-1")
	require.NoError(t, err)

	_, err = store.Discard(ctx, "entry-1")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	_, err = store.Retry(ctx, "entry-1")
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestInMemoryStore_ExpireOlderThan(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	require.NoError(t, store.Send(ctx, &DeadLetterEntry{
		ID: "old", Component: "queue", LastFailure: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, store.Send(ctx, &DeadLetterEntry{
		ID: "fresh", Component: "queue", LastFailure: time.Now(),
	}))

	n, err := store.ExpireOlderThan(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := store.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Expired)
}

func TestRetrier_RetryResubmitsBeforeTransitioning(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	require.NoError(t, store.Send(ctx, &DeadLetterEntry{
		ID: "entry-1", Component: "outbox", Envelope: message.NewEvent("order.created", nil), LastFailure: time.Now(),
	}))

	var resubmitted *DeadLetterEntry
	retrier := NewRetrier(store, func(ctx context.Context, entry *DeadLetterEntry) error {
		resubmitted = entry
		return nil
	})

	retried, err := retrier.Retry(ctx, "entry-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRetried, retried.Status)
	require.NotNil(t, resubmitted, "Retry must resubmit the envelope before transitioning the entry")
	assert.Equal(t, "entry-1", resubmitted.ID)
}

func TestRetrier_FailedResubmitLeavesEntryActive(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	require.NoError(t, store.Send(ctx, &DeadLetterEntry{
		ID: "entry-1", Component: "outbox", Envelope: message.NewEvent("order.created", nil), LastFailure: time.Now(),
	}))

	retrier := NewRetrier(store, func(ctx context.Context, entry *DeadLetterEntry) error {
		return errors.New("downstream still unavailable")
	})

	_, err := retrier.Retry(ctx, "entry-1")
	assert.Error(t, err)

	entry, found, err := store.Get(ctx, "entry-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusActive, entry.Status, "a failed resubmission must leave the entry retryable")
}
