package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.corebus.dev/internal/message"
)

func TestInMemoryOutboxStore_FetchAndLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryOutboxStore()

	for i := 0; i < 3; i++ {
		msg := message.NewEvent("order.created", i)
		require.NoError(t, store.Insert(ctx, &OutboxRecord{
			ID:        msg.ID,
			Envelope:  msg,
			Status:    OutboxPending,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	first, err := store.FetchAndLockPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	second, err := store.FetchAndLockPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, second, "records already leased must not be handed out again")

	ids := make([]string, len(first))
	for i, r := range first {
		ids[i] = r.ID
	}
	require.NoError(t, store.MarkCompleted(ctx, ids))

	third, err := store.FetchAndLockPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestInMemoryOutboxStore_RecoverStuckItems(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryOutboxStore()
	msg := message.NewEvent("order.created", nil)
	require.NoError(t, store.Insert(ctx, &OutboxRecord{ID: msg.ID, Envelope: msg, Status: OutboxPending, CreatedAt: time.Now()}))

	_, err := store.FetchAndLockPending(ctx, 10)
	require.NoError(t, err)

	store.mu.Lock()
	store.records[msg.ID].ProcessedAt = time.Now().Add(-time.Hour)
	store.mu.Unlock()

	n, err := store.RecoverStuckItems(ctx, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	pending, err := store.FetchAndLockPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestInMemoryInboxStore_ClaimIsOnceOnly(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryInboxStore()

	outcome, err := store.Claim(ctx, "dedup-1", time.Now(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, InboxClaimNew, outcome)

	outcome, err = store.Claim(ctx, "dedup-1", time.Now(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, InboxClaimInFlight, outcome, "a second claim while still in flight must be rejected")
}

func TestInMemoryInboxStore_FailedRecordIsReclaimable(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryInboxStore()
	now := time.Now()

	_, err := store.Claim(ctx, "dedup-1", now, time.Hour)
	require.NoError(t, err)
	attempts, err := store.MarkFailed(ctx, "dedup-1")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	outcome, err := store.Claim(ctx, "dedup-1", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, InboxClaimNew, outcome, "a Failed record must be reclaimable so the caller can retry")
}

func TestInMemoryInboxStore_ProcessedWithinWindowIsNotReclaimable(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryInboxStore()
	now := time.Now()

	_, err := store.Claim(ctx, "dedup-1", now, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(ctx, "dedup-1", now))

	outcome, err := store.Claim(ctx, "dedup-1", now.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, InboxClaimProcessed, outcome)
}

func TestInMemoryInboxStore_ProcessedOutsideWindowIsReclaimable(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryInboxStore()
	now := time.Now()

	_, err := store.Claim(ctx, "dedup-1", now, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.MarkProcessed(ctx, "dedup-1", now))

	outcome, err := store.Claim(ctx, "dedup-1", now.Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, InboxClaimNew, outcome, "a Processed record past its dedup window must be reclaimable")
}

func TestInMemoryQueueStore_LeasePriorityOrder(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryQueueStore()
	now := time.Now()

	low := &QueueEntry{ID: "a", Queue: "q", Priority: 1, CreatedAt: now}
	high := &QueueEntry{ID: "b", Queue: "q", Priority: 5, CreatedAt: now.Add(time.Millisecond)}
	require.NoError(t, store.Enqueue(ctx, low))
	require.NoError(t, store.Enqueue(ctx, high))

	leased, ok, err := store.LeaseNext(ctx, "q", now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", leased.ID, "higher priority entry must be leased first")
}

func TestInMemoryQueueStore_RespectsNotBefore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryQueueStore()
	now := time.Now()

	require.NoError(t, store.Enqueue(ctx, &QueueEntry{ID: "a", Queue: "q", CreatedAt: now, NotBefore: now.Add(time.Hour)}))

	_, ok, err := store.LeaseNext(ctx, "q", now)
	require.NoError(t, err)
	assert.False(t, ok, "a delayed entry must not be eligible before NotBefore")
}
