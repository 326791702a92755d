package queueengine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"go.corebus.dev/internal/dispatch"
	"go.corebus.dev/internal/dlq"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/polling"
	"go.corebus.dev/internal/storage"
	"go.corebus.dev/internal/workqueue"
)

func fastPollingConfig() polling.Config {
	cfg := polling.DefaultConfig()
	cfg.IdleDelay = 2 * time.Millisecond
	cfg.BusyDelay = time.Millisecond
	return cfg
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

func TestEngine_ProcessesInPriorityOrder(t *testing.T) {
	store := storage.NewInMemoryQueueStore()
	registry := dispatch.NewRegistry()

	var mu sync.Mutex
	var order []string
	registry.RegisterCommand("job", func(ctx context.Context, msg message.Message) message.Result {
		mu.Lock()
		order = append(order, msg.Body.(string))
		mu.Unlock()
		return message.Success(nil)
	})
	d := dispatch.New(registry, workqueue.DefaultConfig())

	e := New(store, d, nil)
	ctx := context.Background()

	require.NoError(t, e.Enqueue(ctx, "jobs", message.NewCommand("job", "low"), 1, 0))
	require.NoError(t, e.Enqueue(ctx, "jobs", message.NewCommand("job", "high"), 10, 0))

	cfg := DefaultQueueConfig("jobs")
	cfg.Polling = fastPollingConfig()
	require.NoError(t, e.StartQueue(ctx, cfg))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	e.StopAll()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, "high", order[0], "higher priority entry must be processed first")
	assert.Equal(t, "low", order[1])
}

func TestEngine_RespectsDelay(t *testing.T) {
	store := storage.NewInMemoryQueueStore()
	registry := dispatch.NewRegistry()

	var processed int32
	registry.RegisterCommand("job", func(ctx context.Context, msg message.Message) message.Result {
		atomic.AddInt32(&processed, 1)
		return message.Success(nil)
	})
	d := dispatch.New(registry, workqueue.DefaultConfig())

	e := New(store, d, nil)
	ctx := context.Background()

	require.NoError(t, e.Enqueue(ctx, "jobs", message.NewCommand("job", "delayed"), 0, 100*time.Millisecond))

	cfg := DefaultQueueConfig("jobs")
	cfg.Polling = fastPollingConfig()
	require.NoError(t, e.StartQueue(ctx, cfg))
	defer e.StopAll()

	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 0, atomic.LoadInt32(&processed), "entry must not run before NotBefore")

	waitFor(t, func() bool { return atomic.LoadInt32(&processed) == 1 })
}

func TestEngine_ExhaustedRetriesDeadLetter(t *testing.T) {
	store := storage.NewInMemoryQueueStore()
	dlqStore := dlq.NewInMemoryStore()
	registry := dispatch.NewRegistry()

	registry.RegisterCommand("job", func(ctx context.Context, msg message.Message) message.Result {
		return message.Failure(errors.New("boom"), "boom")
	})
	d := dispatch.New(registry, workqueue.DefaultConfig())

	e := New(store, d, dlqStore)
	ctx := context.Background()

	cfg := DefaultQueueConfig("jobs")
	cfg.MaxRetries = 2
	cfg.Polling = fastPollingConfig()
	require.NoError(t, e.Enqueue(ctx, "jobs", message.NewCommand("job", "x"), 0, 0))
	require.NoError(t, e.StartQueue(ctx, cfg))

	waitFor(t, func() bool {
		stats, _ := dlqStore.Statistics(ctx)
		return stats.Active == 1
	})
	e.StopAll()
}

func TestEngine_BlockOnErrorGatesGroup(t *testing.T) {
	store := storage.NewInMemoryQueueStore()
	dlqStore := dlq.NewInMemoryStore()
	registry := dispatch.NewRegistry()

	var attempts int32
	registry.RegisterCommand("job", func(ctx context.Context, msg message.Message) message.Result {
		atomic.AddInt32(&attempts, 1)
		return message.Failure(errors.New("boom"), "boom")
	})
	d := dispatch.New(registry, workqueue.DefaultConfig())

	e := New(store, d, dlqStore)
	ctx := context.Background()

	cfg := DefaultQueueConfig("jobs")
	cfg.BlockOnError = true
	cfg.MaxRetries = 1
	cfg.Polling = fastPollingConfig()

	first := message.NewCommand("job", "a").WithMetadata(GroupMetadataKey, "order-1")
	require.NoError(t, e.Enqueue(ctx, "jobs", first, 0, 0))
	require.NoError(t, e.StartQueue(ctx, cfg))

	waitFor(t, func() bool {
		stats, _ := dlqStore.Statistics(ctx)
		return stats.Active == 1
	})

	second := message.NewCommand("job", "b").WithMetadata(GroupMetadataKey, "order-1")
	require.NoError(t, e.Enqueue(ctx, "jobs", second, 0, 0))

	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&attempts), "blocked group must not be leased again while its dead letter is active")

	entries, err := dlqStore.List(ctx, "jobs")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = dlqStore.Discard(ctx, entries[0].ID)
	require.NoError(t, err)

	waitFor(t, func() bool { return atomic.LoadInt32(&attempts) >= 2 })
	e.StopAll()
}

func TestEngine_RateLimitThrottlesThroughput(t *testing.T) {
	store := storage.NewInMemoryQueueStore()
	registry := dispatch.NewRegistry()

	var count int32
	registry.RegisterCommand("job", func(ctx context.Context, msg message.Message) message.Result {
		atomic.AddInt32(&count, 1)
		return message.Success(nil)
	})
	d := dispatch.New(registry, workqueue.DefaultConfig())

	e := New(store, d, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Enqueue(ctx, "jobs", message.NewCommand("job", i), 0, 0))
	}

	cfg := DefaultQueueConfig("jobs")
	cfg.Polling = fastPollingConfig()
	cfg.RateLimit = rate.NewLimiter(rate.Limit(1), 1)
	require.NoError(t, e.StartQueue(ctx, cfg))

	time.Sleep(25 * time.Millisecond)
	early := atomic.LoadInt32(&count)
	assert.LessOrEqual(t, early, int32(2), "rate limiter must cap how many entries are dispatched almost immediately")

	waitFor(t, func() bool { return atomic.LoadInt32(&count) == 5 })
	e.StopAll()
}
