package dispatch

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.corebus.dev/internal/errs"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/workqueue"
)

func TestDispatch_CommandHappyPath(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterCommand("CreateOrder", func(ctx context.Context, msg message.Message) message.Result {
		return message.Success("order-created")
	})
	d := New(reg, workqueue.DefaultConfig())

	result := d.Dispatch(context.Background(), message.NewCommand("CreateOrder", nil))
	assert.True(t, result.IsSuccess())
	assert.Equal(t, "order-created", result.Data)
}

func TestDispatch_HandlerMissing(t *testing.T) {
	reg := NewRegistry()
	d := New(reg, workqueue.DefaultConfig())

	result := d.Dispatch(context.Background(), message.NewCommand("Unknown", nil))
	assert.False(t, result.IsSuccess())
	assert.ErrorIs(t, result.Err, errs.ErrHandlerMissing)
}

func TestDispatch_PanicBecomesInternalError(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterCommand("Boom", func(ctx context.Context, msg message.Message) message.Result {
		panic("kaboom")
	})
	d := New(reg, workqueue.DefaultConfig())

	result := d.Dispatch(context.Background(), message.NewCommand("Boom", nil))
	assert.False(t, result.IsSuccess())
	assert.ErrorIs(t, result.Err, errs.ErrInternal)
}

func TestPublish_FanOutAllHandlersRunDespiteOneFailing(t *testing.T) {
	reg := NewRegistry()
	var calls int32
	reg.RegisterEvent("OrderCreated", func(ctx context.Context, msg message.Message) message.Result {
		atomic.AddInt32(&calls, 1)
		return message.Failure(errs.ErrInternal, "boom")
	})
	reg.RegisterEvent("OrderCreated", func(ctx context.Context, msg message.Message) message.Result {
		atomic.AddInt32(&calls, 1)
		return message.Success(nil)
	})
	d := New(reg, workqueue.DefaultConfig())

	outcomes := d.Publish(context.Background(), message.NewEvent("OrderCreated", nil))
	require.Len(t, outcomes, 2)
	assert.EqualValues(t, 2, calls)

	successes := 0
	for _, o := range outcomes {
		if o.Result.IsSuccess() {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestOrdered_SerializesSameTypeCommands(t *testing.T) {
	reg := NewRegistry()
	var running int32
	var maxConcurrent int32
	reg.RegisterCommand("Serial", func(ctx context.Context, msg message.Message) message.Result {
		n := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		atomic.AddInt32(&running, -1)
		return message.Success(nil)
	})
	d := New(reg, workqueue.Config{MaxDegreeOfParallelism: 1, BoundedCapacity: 10})
	defer d.Close()

	ctx := context.Background()
	chans := make([]<-chan message.Result, 5)
	for i := range chans {
		ch, err := d.Ordered(ctx, message.NewCommand("Serial", i))
		require.NoError(t, err)
		chans[i] = ch
	}
	for _, ch := range chans {
		<-ch
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(1))
}
