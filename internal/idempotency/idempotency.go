// Package idempotency implements IdempotencyStore (spec §4.5): a
// TTL-expiring cache of completed operation results keyed by an
// idempotency key, consulted by the Idempotency pipeline decorator before
// a handler runs and populated after it completes. The in-memory
// implementation follows the teacher's general sync.Map-plus-background-
// sweep caching idiom; the Redis implementation is grounded on the
// teacher's use of github.com/redis/go-redis/v9 for distributed state in
// internal/outbox.Processor.WithRedisLeaderElection.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"go.corebus.dev/internal/message"
)

// Record is a cached outcome for a previously seen idempotency key.
type Record struct {
	Result    message.Result
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Store is the IdempotencyStore contract: Get returns the cached Result for
// key if present and unexpired; Put stores a Result with a TTL.
type Store interface {
	Get(ctx context.Context, key string) (message.Result, bool, error)
	Put(ctx context.Context, key string, result message.Result, ttl time.Duration) error
}

// InMemoryStore is a single-process Store backed by a map with lazy
// expiry: entries are only actually evicted when touched by Get or by the
// periodic sweep, never eagerly on a per-key timer.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

func (s *InMemoryStore) Get(ctx context.Context, key string) (message.Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return message.Result{}, false, nil
	}
	if time.Now().After(rec.ExpiresAt) {
		delete(s.records, key)
		return message.Result{}, false, nil
	}
	return rec.Result, true, nil
}

func (s *InMemoryStore) Put(ctx context.Context, key string, result message.Result, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.records[key] = Record{Result: result, StoredAt: now, ExpiresAt: now.Add(ttl)}
	return nil
}

// Sweep removes all expired entries. Callers may run this periodically
// from a background goroutine to bound memory use even for keys that are
// never looked up again.
func (s *InMemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, rec := range s.records {
		if now.After(rec.ExpiresAt) {
			delete(s.records, k)
			removed++
		}
	}
	return removed
}

// RedisStore is a Store backed by Redis, so idempotency state survives
// process restarts and is shared across horizontally scaled instances of
// the bus. Expiry is delegated to Redis's own key TTL rather than tracked
// client-side.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps client. Keys are namespaced under prefix (default
// "corebus:idempotency:") to avoid collisions with other uses of the same
// Redis instance.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "corebus:idempotency:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

type redisPayload struct {
	Data    any    `json:"data,omitempty"`
	ErrText string `json:"errText,omitempty"`
	Ok      bool   `json:"ok"`
}

func (s *RedisStore) Get(ctx context.Context, key string) (message.Result, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return message.Result{}, false, nil
	}
	if err != nil {
		return message.Result{}, false, err
	}

	var payload redisPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return message.Result{}, false, err
	}

	if payload.Ok {
		return message.Success(payload.Data), true, nil
	}
	return message.Failure(nil, payload.ErrText), true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, result message.Result, ttl time.Duration) error {
	payload := redisPayload{Ok: result.IsSuccess()}
	if result.IsSuccess() {
		payload.Data = result.Data
	} else {
		payload.ErrText = result.Message()
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+key, raw, ttl).Err()
}
