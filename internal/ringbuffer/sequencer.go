package ringbuffer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Sequencer allocates slot indices in a fixed-size, power-of-two buffer and
// coordinates producers with the slowest registered gating (consumer)
// sequence so no producer ever laps an unread slot.
type Sequencer interface {
	// Next claims the next single sequence, blocking via the configured
	// WaitStrategy until capacity is available.
	Next(ctx context.Context) (int64, error)
	// NextN claims a contiguous range of n sequences, returning the
	// highest claimed sequence (the range is hi-n+1..hi).
	NextN(ctx context.Context, n int64) (int64, error)
	// Publish makes seq visible to consumers.
	Publish(seq int64)
	// PublishRange makes lo..hi visible to consumers.
	PublishRange(lo, hi int64)
	// AddGatingSequences registers consumer cursors the producer must
	// respect before overwriting a slot.
	AddGatingSequences(sequences ...*Sequence)
	// RemoveGatingSequence unregisters a consumer cursor.
	RemoveGatingSequence(seq *Sequence) bool
	// Cursor returns the highest published sequence.
	Cursor() int64
	// Capacity returns the buffer size N.
	Capacity() int64
	// IsAvailable reports whether seq has been published (multi-producer
	// sequencers use per-slot availability flags; single-producer
	// sequencers can answer from the cursor alone).
	IsAvailable(seq int64) bool
}

// gatingGroup holds an immutable snapshot of registered gating sequences,
// swapped under a short lock on mutation and read lock-free otherwise.
type gatingGroup struct {
	mu  sync.Mutex
	ptr atomic.Pointer[[]*Sequence]
}

func newGatingGroup() *gatingGroup {
	g := &gatingGroup{}
	empty := []*Sequence{}
	g.ptr.Store(&empty)
	return g
}

func (g *gatingGroup) snapshot() []*Sequence {
	return *g.ptr.Load()
}

func (g *gatingGroup) add(seqs ...*Sequence) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := *g.ptr.Load()
	next := make([]*Sequence, 0, len(cur)+len(seqs))
	next = append(next, cur...)
	next = append(next, seqs...)
	g.ptr.Store(&next)
}

func (g *gatingGroup) remove(seq *Sequence) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cur := *g.ptr.Load()
	next := make([]*Sequence, 0, len(cur))
	removed := false
	for _, s := range cur {
		if s == seq && !removed {
			removed = true
			continue
		}
		next = append(next, s)
	}
	if removed {
		g.ptr.Store(&next)
	}
	return removed
}

// SingleProducerSequencer claims sequences without CAS (only one producer
// goroutine ever calls Next/Publish) and caches the last observed minimum
// gating sequence to avoid rescanning on every claim.
type SingleProducerSequencer struct {
	capacity int64
	wait     WaitStrategy
	cursor   *Sequence
	gating   *gatingGroup

	cachedGatingValue int64
	nextValue         int64
}

// NewSingleProducerSequencer creates a sequencer over a buffer of size
// capacity (must be a power of two), using wait as its producer/consumer
// parking strategy.
func NewSingleProducerSequencer(capacity int64, wait WaitStrategy) *SingleProducerSequencer {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("ringbuffer: capacity must be a power of two, got %d", capacity))
	}
	return &SingleProducerSequencer{
		capacity:          capacity,
		wait:              wait,
		cursor:            NewSequence(InitialCursorValue),
		gating:            newGatingGroup(),
		cachedGatingValue: InitialCursorValue,
		nextValue:         InitialCursorValue,
	}
}

func (s *SingleProducerSequencer) Capacity() int64 { return s.capacity }
func (s *SingleProducerSequencer) Cursor() int64   { return s.cursor.Get() }

func (s *SingleProducerSequencer) AddGatingSequences(sequences ...*Sequence) {
	s.gating.add(sequences...)
}

func (s *SingleProducerSequencer) RemoveGatingSequence(seq *Sequence) bool {
	return s.gating.remove(seq)
}

func (s *SingleProducerSequencer) Next(ctx context.Context) (int64, error) {
	return s.NextN(ctx, 1)
}

func (s *SingleProducerSequencer) NextN(ctx context.Context, n int64) (int64, error) {
	nextValue := s.nextValue + n
	wrapPoint := nextValue - s.capacity

	if wrapPoint > s.cachedGatingValue {
		for {
			minGating := MinSequence(s.gating.snapshot(), nextValue)
			if wrapPoint <= minGating {
				s.cachedGatingValue = minGating
				break
			}
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			if _, err := s.wait.WaitFor(ctx, wrapPoint, &gatingMinView{g: s.gating, fallback: nextValue}); err != nil {
				return 0, err
			}
		}
	}

	s.nextValue = nextValue
	return nextValue, nil
}

func (s *SingleProducerSequencer) Publish(seq int64) {
	s.cursor.Set(seq)
	s.wait.SignalAll()
}

func (s *SingleProducerSequencer) PublishRange(lo, hi int64) {
	s.cursor.Set(hi)
	s.wait.SignalAll()
}

func (s *SingleProducerSequencer) IsAvailable(seq int64) bool {
	return seq <= s.cursor.Get()
}

// gatingMinView is a live SequenceGetter over a gatingGroup's current
// minimum, so WaitStrategy implementations that poll it repeatedly observe
// other goroutines' progress instead of a point-in-time snapshot.
type gatingMinView struct {
	g        *gatingGroup
	fallback int64
}

func (v *gatingMinView) Get() int64 { return MinSequence(v.g.snapshot(), v.fallback) }

// cursorView is a live SequenceGetter over a Sequencer's published cursor.
type cursorView struct {
	s Sequencer
}

func (v *cursorView) Get() int64 { return v.s.Cursor() }

// MultiProducerSequencer claims sequences via CAS on a shared cursor and
// marks per-slot availability with a generation flag so consumers can tell
// a claimed-but-not-yet-published slot from a published one, even when
// publishers finish out of claim order.
type MultiProducerSequencer struct {
	capacity   int64
	indexMask  int64
	indexShift uint
	wait       WaitStrategy

	claim  *Sequence // highest sequence claimed
	cursor *Sequence // highest contiguous sequence published
	gating *gatingGroup

	availableMu sync.Mutex
	available   []int32 // generation number last published into each slot
}

// NewMultiProducerSequencer creates a sequencer over a buffer of size
// capacity (power of two) safe for concurrent claims from many goroutines.
func NewMultiProducerSequencer(capacity int64, wait WaitStrategy) *MultiProducerSequencer {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic(fmt.Sprintf("ringbuffer: capacity must be a power of two, got %d", capacity))
	}
	shift := uint(0)
	for (int64(1) << shift) < capacity {
		shift++
	}
	avail := make([]int32, capacity)
	for i := range avail {
		avail[i] = -1
	}
	return &MultiProducerSequencer{
		capacity:   capacity,
		indexMask:  capacity - 1,
		indexShift: shift,
		wait:       wait,
		claim:      NewSequence(InitialCursorValue),
		cursor:     NewSequence(InitialCursorValue),
		gating:     newGatingGroup(),
		available:  avail,
	}
}

func (s *MultiProducerSequencer) Capacity() int64 { return s.capacity }
func (s *MultiProducerSequencer) Cursor() int64   { return s.cursor.Get() }

func (s *MultiProducerSequencer) AddGatingSequences(sequences ...*Sequence) {
	s.gating.add(sequences...)
}

func (s *MultiProducerSequencer) RemoveGatingSequence(seq *Sequence) bool {
	return s.gating.remove(seq)
}

func (s *MultiProducerSequencer) Next(ctx context.Context) (int64, error) {
	return s.NextN(ctx, 1)
}

func (s *MultiProducerSequencer) NextN(ctx context.Context, n int64) (int64, error) {
	for {
		current := s.claim.Get()
		next := current + n
		wrapPoint := next - s.capacity

		minGating := MinSequence(s.gating.snapshot(), next)
		if wrapPoint > minGating {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			if _, err := s.wait.WaitFor(ctx, wrapPoint, &gatingMinView{g: s.gating, fallback: next}); err != nil {
				return 0, err
			}
			continue
		}

		if s.claim.CompareAndSet(current, next) {
			return next, nil
		}
	}
}

func (s *MultiProducerSequencer) Publish(seq int64) {
	s.setAvailable(seq)
	s.advanceCursor(seq)
	s.wait.SignalAll()
}

func (s *MultiProducerSequencer) PublishRange(lo, hi int64) {
	for seq := lo; seq <= hi; seq++ {
		s.setAvailable(seq)
	}
	s.advanceCursor(hi)
	s.wait.SignalAll()
}

func (s *MultiProducerSequencer) setAvailable(seq int64) {
	idx := seq & s.indexMask
	gen := int32(seq >> s.indexShift)
	s.availableMu.Lock()
	s.available[idx] = gen
	s.availableMu.Unlock()
}

func (s *MultiProducerSequencer) IsAvailable(seq int64) bool {
	idx := seq & s.indexMask
	gen := int32(seq >> s.indexShift)
	s.availableMu.Lock()
	defer s.availableMu.Unlock()
	return s.available[idx] == gen
}

// advanceCursor moves the published cursor forward over any contiguous run
// of now-available slots starting just after the current cursor, so
// consumers never observe a gap left by an out-of-order publish.
func (s *MultiProducerSequencer) advanceCursor(hintHigh int64) {
	if claimed := s.claim.Get(); claimed > hintHigh {
		hintHigh = claimed
	}
	for {
		start := s.cursor.Get()
		cur := start
		next := cur + 1
		if next > hintHigh || !s.IsAvailable(next) {
			return
		}
		for s.IsAvailable(next) {
			cur = next
			next++
			if next > hintHigh {
				break
			}
		}
		if s.cursor.CompareAndSet(start, cur) {
			return
		}
	}
}
