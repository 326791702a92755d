package ringbuffer

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// SequenceGetter is anything that reports a live, monotonically advancing
// int64 — either a *Sequence or a view over a Sequencer's published cursor
// or its gating-sequence minimum. WaitStrategy polls it repeatedly, so it
// must reflect concurrent updates rather than a point-in-time snapshot.
type SequenceGetter interface {
	Get() int64
}

// WaitStrategy governs how a producer parks while waiting for gating
// consumers to advance, or a consumer parks while waiting for the cursor to
// publish a sequence it wants. Implementations trade latency for CPU use.
type WaitStrategy interface {
	// WaitFor blocks until target reaches at least `want`, ctx is done, or
	// an error occurs. It returns the observed value.
	WaitFor(ctx context.Context, want int64, target SequenceGetter) (int64, error)
	// SignalAll wakes any goroutines parked in WaitFor; called after a
	// Publish or after a gating sequence advances.
	SignalAll()
}

// BusySpinWait spins without yielding, minimizing latency at the cost of a
// fully-loaded core. Appropriate only for dedicated low-latency consumers.
type BusySpinWait struct{}

func NewBusySpinWait() *BusySpinWait { return &BusySpinWait{} }

func (w *BusySpinWait) WaitFor(ctx context.Context, want int64, target SequenceGetter) (int64, error) {
	for {
		if v := target.Get(); v >= want {
			return v, nil
		}
		if err := ctx.Err(); err != nil {
			return target.Get(), err
		}
	}
}

func (w *BusySpinWait) SignalAll() {}

// YieldingWait spins but yields the scheduler between checks, trading a
// little latency for much lower CPU use than BusySpinWait.
type YieldingWait struct {
	spinTries int
}

func NewYieldingWait() *YieldingWait { return &YieldingWait{spinTries: 100} }

func (w *YieldingWait) WaitFor(ctx context.Context, want int64, target SequenceGetter) (int64, error) {
	counter := w.spinTries
	for {
		if v := target.Get(); v >= want {
			return v, nil
		}
		if err := ctx.Err(); err != nil {
			return target.Get(), err
		}
		if counter == 0 {
			runtime.Gosched()
		} else {
			counter--
		}
	}
}

func (w *YieldingWait) SignalAll() {}

// ParkingWait sleeps in short fixed increments between checks, suitable
// when a little latency is an acceptable trade for near-zero idle CPU.
type ParkingWait struct {
	interval time.Duration
}

func NewParkingWait(interval time.Duration) *ParkingWait {
	if interval <= 0 {
		interval = time.Microsecond * 50
	}
	return &ParkingWait{interval: interval}
}

func (w *ParkingWait) WaitFor(ctx context.Context, want int64, target SequenceGetter) (int64, error) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if v := target.Get(); v >= want {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return target.Get(), ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *ParkingWait) SignalAll() {}

// BlockingWait parks on a condition variable and is woken explicitly by
// SignalAll, giving the lowest idle CPU use at the cost of wakeup latency
// bounded by the scheduler, matching spec.md's "block-on-signal" variant.
type BlockingWait struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func NewBlockingWait() *BlockingWait {
	w := &BlockingWait{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *BlockingWait) WaitFor(ctx context.Context, want int64, target SequenceGetter) (int64, error) {
	if v := target.Get(); v >= want {
		return v, nil
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			w.cond.Broadcast()
		case <-done:
		}
	}()

	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if v := target.Get(); v >= want {
			return v, nil
		}
		if err := ctx.Err(); err != nil {
			return target.Get(), err
		}
		w.cond.Wait()
	}
}

func (w *BlockingWait) SignalAll() {
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}
