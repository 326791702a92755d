package inbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.corebus.dev/internal/dlq"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/storage"
)

func TestProcessIncoming_DedupsRedelivery(t *testing.T) {
	store := storage.NewInMemoryInboxStore()
	var calls int32
	p := New(DefaultConfig("test"), store, nil, func(ctx context.Context, msg message.Message) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	msg := message.NewEvent("order.created", nil)
	require.NoError(t, p.ProcessIncoming(context.Background(), msg, nil))

	err := p.ProcessIncoming(context.Background(), msg, nil)
	assert.NoError(t, err, "an already-processed redelivery must be a silent no-op")
	assert.EqualValues(t, 1, calls, "handler must run exactly once across redeliveries")
}

func TestProcessIncoming_RetriesAfterFailure(t *testing.T) {
	store := storage.NewInMemoryInboxStore()
	var calls int32
	p := New(DefaultConfig("test"), store, nil, func(ctx context.Context, msg message.Message) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	msg := message.NewEvent("order.created", nil)
	err := p.ProcessIncoming(context.Background(), msg, nil)
	assert.Error(t, err, "first attempt fails")

	err = p.ProcessIncoming(context.Background(), msg, nil)
	assert.NoError(t, err, "a Failed record must be reclaimable so the handler runs again")
	assert.EqualValues(t, 2, calls)
}

func TestProcessIncoming_FailureSendsToDLQAfterMaxRetries(t *testing.T) {
	store := storage.NewInMemoryInboxStore()
	dlqStore := dlq.NewInMemoryStore()
	cfg := DefaultConfig("test")
	cfg.MaxRetries = 3
	p := New(cfg, store, dlqStore, func(ctx context.Context, msg message.Message) error {
		return errors.New("handler exploded")
	})

	msg := message.NewEvent("order.created", nil)
	for i := 0; i < cfg.MaxRetries-1; i++ {
		err := p.ProcessIncoming(context.Background(), msg, nil)
		assert.Error(t, err)
		stats, statErr := dlqStore.Statistics(context.Background())
		require.NoError(t, statErr)
		assert.Zero(t, stats.Active, "the classifier must ask for a retry before MaxRetries is reached")
	}

	err := p.ProcessIncoming(context.Background(), msg, nil)
	assert.Error(t, err)

	stats, err := dlqStore.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Active)
}
