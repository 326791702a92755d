package ringbuffer

import "context"

// RingBuffer is a fixed-size, power-of-two circular array of T, guarded by
// a Sequencer. Producers claim a sequence, write the entry, then Publish;
// consumers register a gating Sequence, poll up to the cursor, process, and
// advance their gating sequence so the producer can reclaim the slot.
type RingBuffer[T any] struct {
	entries   []T
	mask      int64
	sequencer Sequencer
}

// NewRingBuffer allocates a buffer of the given capacity (power of two)
// driven by sequencer.
func NewRingBuffer[T any](capacity int64, sequencer Sequencer) *RingBuffer[T] {
	return &RingBuffer[T]{
		entries:   make([]T, capacity),
		mask:      capacity - 1,
		sequencer: sequencer,
	}
}

// Sequencer exposes the underlying coordination object for consumers that
// need to register gating sequences or wait on the cursor directly.
func (b *RingBuffer[T]) Sequencer() Sequencer { return b.sequencer }

// Get returns the slot for sequence seq. Callers must only read a slot once
// they've confirmed seq is available (via a consumer barrier or
// Sequencer.IsAvailable), and must not read past their gating sequence.
func (b *RingBuffer[T]) Get(seq int64) T {
	return b.entries[seq&b.mask]
}

// Set writes value into the slot for seq. Callers must own seq (returned by
// Next/NextN) and must Publish only after Set completes.
func (b *RingBuffer[T]) Set(seq int64, value T) {
	b.entries[seq&b.mask] = value
}

// Publish claims the next slot, writes value into it with Set, and publishes
// it, blocking on backpressure from gating consumers per the configured
// WaitStrategy.
func (b *RingBuffer[T]) Publish(ctx context.Context, value T) error {
	seq, err := b.sequencer.Next(ctx)
	if err != nil {
		return err
	}
	b.Set(seq, value)
	b.sequencer.Publish(seq)
	return nil
}

// Capacity returns the number of slots in the buffer.
func (b *RingBuffer[T]) Capacity() int64 { return b.mask + 1 }

// Consumer tracks one reader's progress through the buffer via its own
// gating Sequence, registered with the Sequencer so producers never
// overwrite slots the consumer hasn't read yet.
type Consumer[T any] struct {
	buf    *RingBuffer[T]
	wait   WaitStrategy
	cursor *Sequence
}

// NewConsumer registers a new gating Sequence against buf's sequencer and
// returns a Consumer that reads starting just after startAfter (typically
// ringbuffer.InitialCursorValue for a fresh reader).
func NewConsumer[T any](buf *RingBuffer[T], wait WaitStrategy, startAfter int64) *Consumer[T] {
	cursor := NewSequence(startAfter)
	buf.sequencer.AddGatingSequences(cursor)
	return &Consumer[T]{buf: buf, wait: wait, cursor: cursor}
}

// Close unregisters the consumer's gating sequence so the producer can
// advance past it.
func (c *Consumer[T]) Close() {
	c.buf.sequencer.RemoveGatingSequence(c.cursor)
}

// Next blocks until the next sequence after the consumer's current
// position is published, returning its value and advancing the consumer's
// gating sequence by one.
func (c *Consumer[T]) Next(ctx context.Context) (T, error) {
	want := c.cursor.Get() + 1
	_, err := c.wait.WaitFor(ctx, want, &cursorView{s: c.buf.sequencer})
	if err != nil {
		var zero T
		return zero, err
	}
	v := c.buf.Get(want)
	c.cursor.Set(want)
	c.wait.SignalAll()
	return v, nil
}
