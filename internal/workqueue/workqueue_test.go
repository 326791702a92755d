package workqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_RunsItemsInOrder(t *testing.T) {
	q := New(Config{MaxDegreeOfParallelism: 1, BoundedCapacity: 10})
	defer q.Complete()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, q.Send(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestQueue_PropagatesSenderContext(t *testing.T) {
	q := New(DefaultConfig())
	defer q.Complete()

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "tenant-1")

	done := make(chan any, 1)
	require.NoError(t, q.Send(ctx, func(workCtx context.Context) {
		done <- workCtx.Value(key{})
	}))

	select {
	case v := <-done:
		assert.Equal(t, "tenant-1", v, "the item must see the context Send was called with, not a detached one")
	case <-time.After(time.Second):
		t.Fatal("item never ran")
	}
}

func TestQueue_PanicIsIsolated(t *testing.T) {
	q := New(DefaultConfig())
	defer q.Complete()

	ran := make(chan struct{}, 1)
	require.NoError(t, q.Send(context.Background(), func(ctx context.Context) {
		panic("boom")
	}))
	require.NoError(t, q.Send(context.Background(), func(ctx context.Context) {
		ran <- struct{}{}
	}))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("a panicking item must not stop the worker from running later items")
	}
}
