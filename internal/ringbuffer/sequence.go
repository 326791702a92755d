// Package ringbuffer implements the single-producer / multi-producer
// sequence-coordination primitive for a high-throughput staging area
// between goroutines; no other corebus package imports it. It has no direct analogue in the
// teacher repo (which has no disruptor-style buffer); the design follows
// the LMAX Disruptor algorithm described in spec.md §4.1, expressed with
// the same atomic/sync primitives the teacher uses elsewhere
// (internal/outbox.Processor's atomic counters, copy-on-write slices under
// a short mutex as in sequencer.go's gatingGroup).
package ringbuffer

import "sync/atomic"

// InitialCursorValue is the sequence value a fresh Sequence starts at,
// one below the first slot that will ever be claimed.
const InitialCursorValue int64 = -1

// cacheLinePad is sized to separate a Sequence's hot field from whatever
// is adjacent in memory, avoiding false sharing between producer and
// consumer cursors that are frequently updated by different goroutines.
type cacheLinePad [7]int64

// Sequence is a cache-line-padded monotonically increasing counter used as
// a producer cursor or a consumer's gating (progress) cursor.
type Sequence struct {
	_     cacheLinePad
	value int64
	_     cacheLinePad
}

// NewSequence creates a Sequence initialized to v.
func NewSequence(v int64) *Sequence {
	s := &Sequence{}
	s.Set(v)
	return s
}

// Get returns the current value.
func (s *Sequence) Get() int64 { return atomic.LoadInt64(&s.value) }

// Set stores v.
func (s *Sequence) Set(v int64) { atomic.StoreInt64(&s.value, v) }

// CompareAndSet atomically sets value to next if it currently equals
// expected, reporting whether the swap happened.
func (s *Sequence) CompareAndSet(expected, next int64) bool {
	return atomic.CompareAndSwapInt64(&s.value, expected, next)
}

// IncrementAndGet atomically adds delta and returns the new value.
func (s *Sequence) IncrementAndGet(delta int64) int64 {
	return atomic.AddInt64(&s.value, delta)
}

// MinSequence returns the minimum value across sequences, or fallback if
// the slice is empty. Used to find the slowest gating consumer.
func MinSequence(sequences []*Sequence, fallback int64) int64 {
	minimum := fallback
	for _, s := range sequences {
		if v := s.Get(); v < minimum {
			minimum = v
		}
	}
	return minimum
}
