package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.corebus.dev/internal/dlq"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/storage"
)

func TestProcessor_PublishesAndCompletes(t *testing.T) {
	store := storage.NewInMemoryOutboxStore()
	dlqStore := dlq.NewInMemoryStore()

	var published int32
	cfg := DefaultConfig("test")
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Polling.IdleDelay = 5 * time.Millisecond
	cfg.Polling.BusyDelay = time.Millisecond

	p := New(cfg, store, dlqStore, func(ctx context.Context, rec *storage.OutboxRecord) error {
		atomic.AddInt32(&published, 1)
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Publish(ctx, message.NewEvent("order.created", nil), "order-1"))

	p.Start(ctx)
	waitFor(t, func() bool { return atomic.LoadInt32(&published) == 1 })
	cancel()
	p.Stop()

	stats, err := dlqStore.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Active)
}

func TestProcessor_RetriesThenDeadLetters(t *testing.T) {
	store := storage.NewInMemoryOutboxStore()
	dlqStore := dlq.NewInMemoryStore()

	cfg := DefaultConfig("test")
	cfg.MaxRetries = 2
	cfg.PollInterval = 2 * time.Millisecond
	cfg.Polling.IdleDelay = 2 * time.Millisecond
	cfg.Polling.BusyDelay = time.Millisecond

	p := New(cfg, store, dlqStore, func(ctx context.Context, rec *storage.OutboxRecord) error {
		return errors.New("downstream unavailable")
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Publish(ctx, message.NewEvent("order.created", nil), "order-1"))

	p.Start(ctx)
	waitFor(t, func() bool {
		stats, _ := dlqStore.Statistics(ctx)
		return stats.Active == 1
	})
	cancel()
	p.Stop()
}

func TestProcessor_DeadLettersAfterMaxRetriesPlusOneAttempts(t *testing.T) {
	store := storage.NewInMemoryOutboxStore()
	dlqStore := dlq.NewInMemoryStore()

	var attempts int32
	cfg := DefaultConfig("test")
	cfg.MaxRetries = 3
	cfg.PollInterval = 2 * time.Millisecond
	cfg.Polling.IdleDelay = 2 * time.Millisecond
	cfg.Polling.BusyDelay = time.Millisecond

	p := New(cfg, store, dlqStore, func(ctx context.Context, rec *storage.OutboxRecord) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("downstream unavailable")
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Publish(ctx, message.NewEvent("order.created", nil), "order-1"))

	p.Start(ctx)
	waitFor(t, func() bool {
		stats, _ := dlqStore.Statistics(ctx)
		return stats.Active == 1
	})
	cancel()
	p.Stop()

	assert.EqualValues(t, 4, atomic.LoadInt32(&attempts), "attempts 1-4 must all run before dead-lettering with MaxRetries=3")

	entries, err := dlqStore.List(ctx, "outbox")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].FailureCount)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
