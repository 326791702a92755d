// Package storage defines StorageContracts (spec §4.4): the persistence
// seams every other component is built against. Message, Outbox, Inbox and
// Queue stores are separate interfaces so a deployment can mix backends
// (e.g. Postgres for the outbox, Redis for idempotency) without the core
// packages knowing which. The in-memory implementation in this file is
// grounded on the teacher's internal/outbox.Repository's in-memory variant
// plus its FetchAndLockPending/MarkCompleted/ScheduleRetry contract shape;
// mongostore and pgstore adapt the OutboxStore contract (and only that one)
// onto the teacher's repository_mongo.go and repository_postgres.go.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.corebus.dev/internal/message"
)

// OutboxStatus is the lifecycle state of an OutboxRecord.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxProcessing OutboxStatus = "PROCESSING"
	OutboxCompleted  OutboxStatus = "COMPLETED"
	OutboxFailed     OutboxStatus = "FAILED"
)

// OutboxRecord is a message queued for transactional, at-least-once
// delivery by the OutboxProcessor.
type OutboxRecord struct {
	ID           string
	MessageGroup string
	Envelope     message.Message
	Status       OutboxStatus
	RetryCount   int
	CreatedAt    time.Time
	ProcessedAt  time.Time
	ErrorMessage string
}

// OutboxStore is the persistence contract OutboxProcessor depends on.
// FetchAndLockPending must be atomic with respect to concurrent callers
// (e.g. other processor instances): a record handed to one caller must not
// be handed to another until ScheduleRetry or RecoverStuckItems returns it
// to Pending. MarkCompleted and MarkFailed are terminal: FetchAndLockPending
// never hands out a Completed or Failed record again.
type OutboxStore interface {
	Insert(ctx context.Context, rec *OutboxRecord) error
	FetchAndLockPending(ctx context.Context, limit int) ([]*OutboxRecord, error)
	MarkCompleted(ctx context.Context, ids []string) error
	MarkFailed(ctx context.Context, ids []string, errMsg string) error
	ScheduleRetry(ctx context.Context, ids []string) error
	RecoverStuckItems(ctx context.Context, olderThan time.Duration) (int64, error)
}

// InboxStatus is the lifecycle state of an InboxRecord.
type InboxStatus string

const (
	InboxInFlight  InboxStatus = "IN_FLIGHT"
	InboxProcessed InboxStatus = "PROCESSED"
	InboxFailed    InboxStatus = "FAILED"
)

// InboxRecord tracks whether an inbound message identified by DedupKey has
// already been (or is currently being) processed, so InboxProcessor can
// deliver exactly once.
type InboxRecord struct {
	DedupKey    string
	Status      InboxStatus
	ReceivedAt  time.Time
	ProcessedAt time.Time
	Attempts    int
}

// InboxClaimOutcome reports what InboxStore.Claim did with dedupKey.
type InboxClaimOutcome string

const (
	// InboxClaimNew means dedupKey was never seen, had a Failed last
	// attempt, or had a Processed record that aged out of dedupWindow;
	// in all three cases Claim atomically (re-)opens it as InFlight and
	// the caller must invoke the handler.
	InboxClaimNew InboxClaimOutcome = "NEW"
	// InboxClaimInFlight means dedupKey is currently being processed by
	// a concurrent (or crashed-without-marking) attempt; the caller must
	// not invoke the handler.
	InboxClaimInFlight InboxClaimOutcome = "IN_FLIGHT"
	// InboxClaimProcessed means dedupKey already completed successfully
	// within dedupWindow; the caller must treat this as a no-op.
	InboxClaimProcessed InboxClaimOutcome = "PROCESSED"
)

// InboxStore is the persistence contract InboxProcessor depends on. Claim
// must atomically transition dedupKey to InboxInFlight and return
// InboxClaimNew whenever it is safe to invoke the handler: the key has
// never been seen, its last attempt ended Failed, or its Processed record
// is older than dedupWindow. Any other case returns the matching outcome
// without claiming, so the caller can distinguish "in flight elsewhere"
// from "already processed" from a genuine storage fault.
type InboxStore interface {
	Claim(ctx context.Context, dedupKey string, now time.Time, dedupWindow time.Duration) (InboxClaimOutcome, error)
	MarkProcessed(ctx context.Context, dedupKey string, now time.Time) error
	// MarkFailed records a failed attempt and returns the record's
	// updated Attempts count, so the caller can classify the failure
	// (e.g. via a dlq.Classifier) without a separate Lookup round trip.
	MarkFailed(ctx context.Context, dedupKey string) (attempts int, err error)
	Lookup(ctx context.Context, dedupKey string) (*InboxRecord, bool, error)
}

// QueueEntryStatus is the lifecycle state of a QueueEntry.
type QueueEntryStatus string

const (
	QueueEntryReady     QueueEntryStatus = "READY"
	QueueEntryLeased    QueueEntryStatus = "LEASED"
	QueueEntryCompleted QueueEntryStatus = "COMPLETED"
)

// QueueEntry is one item enqueued onto a named queue managed by the
// QueueEngine, ordered by (Priority desc, NotBefore asc, CreatedAt asc, ID
// asc) among entries that are currently eligible (NotBefore <= now).
type QueueEntry struct {
	ID        string
	Queue     string
	Envelope  message.Message
	Priority  int
	NotBefore time.Time
	CreatedAt time.Time
	Status    QueueEntryStatus
}

// QueueStore is the persistence contract QueueEngine depends on.
type QueueStore interface {
	Enqueue(ctx context.Context, entry *QueueEntry) error
	LeaseNext(ctx context.Context, queue string, now time.Time) (*QueueEntry, bool, error)
	Complete(ctx context.Context, id string) error
	Release(ctx context.Context, id string) error
	Depth(ctx context.Context, queue string) (int, error)
}

// MessageStore records every message the bus has seen, independent of
// outbox/inbox/queue bookkeeping, for audit and replay.
type MessageStore interface {
	Append(ctx context.Context, msg message.Message) error
	Get(ctx context.Context, id string) (message.Message, bool, error)
}

// --- in-memory implementations -------------------------------------------

// InMemoryOutboxStore is a single-process OutboxStore backed by a map and a
// mutex, suitable for tests and single-node deployments. Ties in
// FetchAndLockPending's ordering are broken by (MessageGroup, CreatedAt,
// ID) ascending, mirroring the teacher's Mongo sort.
type InMemoryOutboxStore struct {
	mu      sync.Mutex
	records map[string]*OutboxRecord
}

func NewInMemoryOutboxStore() *InMemoryOutboxStore {
	return &InMemoryOutboxStore{records: make(map[string]*OutboxRecord)}
}

func (s *InMemoryOutboxStore) Insert(ctx context.Context, rec *OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *InMemoryOutboxStore) FetchAndLockPending(ctx context.Context, limit int) ([]*OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*OutboxRecord, 0)
	for _, r := range s.records {
		if r.Status == OutboxPending {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].MessageGroup != pending[j].MessageGroup {
			return pending[i].MessageGroup < pending[j].MessageGroup
		}
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	now := time.Now()
	out := make([]*OutboxRecord, 0, len(pending))
	for _, r := range pending {
		r.Status = OutboxProcessing
		r.ProcessedAt = now
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryOutboxStore) MarkCompleted(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			r.Status = OutboxCompleted
			r.ProcessedAt = now
		}
	}
	return nil
}

func (s *InMemoryOutboxStore) MarkFailed(ctx context.Context, ids []string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			r.Status = OutboxFailed
			r.ErrorMessage = errMsg
			r.ProcessedAt = now
		}
	}
	return nil
}

func (s *InMemoryOutboxStore) ScheduleRetry(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			r.Status = OutboxPending
			r.RetryCount++
		}
	}
	return nil
}

func (s *InMemoryOutboxStore) RecoverStuckItems(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	threshold := time.Now().Add(-olderThan)
	var n int64
	for _, r := range s.records {
		if r.Status == OutboxProcessing && r.ProcessedAt.Before(threshold) {
			r.Status = OutboxPending
			n++
		}
	}
	return n, nil
}

// InMemoryInboxStore is a single-process InboxStore.
type InMemoryInboxStore struct {
	mu      sync.Mutex
	records map[string]*InboxRecord
}

func NewInMemoryInboxStore() *InMemoryInboxStore {
	return &InMemoryInboxStore{records: make(map[string]*InboxRecord)}
}

func (s *InMemoryInboxStore) Claim(ctx context.Context, dedupKey string, now time.Time, dedupWindow time.Duration) (InboxClaimOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.records[dedupKey]
	if !exists {
		s.records[dedupKey] = &InboxRecord{DedupKey: dedupKey, Status: InboxInFlight, ReceivedAt: now}
		return InboxClaimNew, nil
	}

	switch r.Status {
	case InboxInFlight:
		return InboxClaimInFlight, nil
	case InboxFailed:
		r.Status = InboxInFlight
		r.ReceivedAt = now
		return InboxClaimNew, nil
	case InboxProcessed:
		if dedupWindow > 0 && now.Sub(r.ProcessedAt) >= dedupWindow {
			r.Status = InboxInFlight
			r.ReceivedAt = now
			r.Attempts = 0
			return InboxClaimNew, nil
		}
		return InboxClaimProcessed, nil
	default:
		return InboxClaimInFlight, nil
	}
}

func (s *InMemoryInboxStore) MarkProcessed(ctx context.Context, dedupKey string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[dedupKey]; ok {
		r.Status = InboxProcessed
		r.ProcessedAt = now
		r.Attempts = 0
	}
	return nil
}

func (s *InMemoryInboxStore) MarkFailed(ctx context.Context, dedupKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[dedupKey]
	if !ok {
		return 0, nil
	}
	r.Status = InboxFailed
	r.Attempts++
	return r.Attempts, nil
}

func (s *InMemoryInboxStore) Lookup(ctx context.Context, dedupKey string) (*InboxRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[dedupKey]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// InMemoryQueueStore is a single-process QueueStore.
type InMemoryQueueStore struct {
	mu      sync.Mutex
	entries map[string]*QueueEntry
}

func NewInMemoryQueueStore() *InMemoryQueueStore {
	return &InMemoryQueueStore{entries: make(map[string]*QueueEntry)}
}

func (s *InMemoryQueueStore) Enqueue(ctx context.Context, entry *QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	cp.Status = QueueEntryReady
	s.entries[entry.ID] = &cp
	return nil
}

func (s *InMemoryQueueStore) LeaseNext(ctx context.Context, queue string, now time.Time) (*QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *QueueEntry
	for _, e := range s.entries {
		if e.Queue != queue || e.Status != QueueEntryReady {
			continue
		}
		if e.NotBefore.After(now) {
			continue
		}
		if best == nil || higherPriority(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, false, nil
	}
	best.Status = QueueEntryLeased
	cp := *best
	return &cp, true, nil
}

func higherPriority(a, b *QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *InMemoryQueueStore) Complete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.Status = QueueEntryCompleted
	}
	return nil
}

func (s *InMemoryQueueStore) Release(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		e.Status = QueueEntryReady
	}
	return nil
}

func (s *InMemoryQueueStore) Depth(ctx context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Queue == queue && e.Status != QueueEntryCompleted {
			n++
		}
	}
	return n, nil
}

// InMemoryMessageStore is a single-process MessageStore.
type InMemoryMessageStore struct {
	mu       sync.Mutex
	messages map[string]message.Message
}

func NewInMemoryMessageStore() *InMemoryMessageStore {
	return &InMemoryMessageStore{messages: make(map[string]message.Message)}
}

func (s *InMemoryMessageStore) Append(ctx context.Context, msg message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	return nil
}

func (s *InMemoryMessageStore) Get(ctx context.Context, id string) (message.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok, nil
}
