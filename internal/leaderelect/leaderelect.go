// Package leaderelect implements the Redis-backed leader election hook the
// teacher's internal/outbox.Processor.WithRedisLeaderElection wires in for
// multi-instance deployments (the lock-name/lease-duration/refresh-interval
// knobs and OnBecomeLeader/OnLoseLeadership callback shape are carried over
// directly; the package itself is new ground, built on go-redis's SetNX as
// the pack's idiomatic Redis distributed-lock primitive, since the
// original internal/common/leader package was not present in the retrieved
// example files).
package leaderelect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Config configures a RedisElector.
type Config struct {
	LockName        string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// DefaultConfig mirrors the teacher's DefaultLeaderElectionConfig.
func DefaultConfig(lockName string) Config {
	return Config{LockName: lockName, TTL: 30 * time.Second, RefreshInterval: 10 * time.Second}
}

// Elector is the interface a background processor gates its work on (the
// outbox Processor does; the queue engine takes no Elector): IsLeader
// reports current standing, OnBecomeLeader/
// OnLoseLeadership register transition callbacks.
type Elector interface {
	Start(ctx context.Context) error
	Stop()
	IsLeader() bool
	OnBecomeLeader(fn func())
	OnLoseLeadership(fn func())
}

// RedisElector implements Elector using a Redis key as a distributed lock,
// held via SET NX PX and renewed on RefreshInterval for as long as this
// instance remains the holder.
type RedisElector struct {
	client *redis.Client
	cfg    Config
	nodeID string

	isLeader atomic.Bool

	mu               sync.Mutex
	onBecomeLeader   []func()
	onLoseLeadership []func()

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisElector creates an elector backed by client.
func NewRedisElector(client *redis.Client, cfg Config) *RedisElector {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Second
	}
	return &RedisElector{client: client, cfg: cfg, nodeID: uuid.NewString()}
}

func (e *RedisElector) OnBecomeLeader(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onBecomeLeader = append(e.onBecomeLeader, fn)
}

func (e *RedisElector) OnLoseLeadership(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLoseLeadership = append(e.onLoseLeadership, fn)
}

func (e *RedisElector) IsLeader() bool { return e.isLeader.Load() }

// Start begins the acquire/renew loop in a new goroutine.
func (e *RedisElector) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.run(ctx)
	return nil
}

// Stop cancels the election loop, releasing leadership if held.
func (e *RedisElector) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.done != nil {
		<-e.done
	}
}

func (e *RedisElector) run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		e.tryAcquireOrRenew(ctx)
		select {
		case <-ctx.Done():
			e.release(context.Background())
			return
		case <-ticker.C:
		}
	}
}

func (e *RedisElector) tryAcquireOrRenew(ctx context.Context) {
	key := e.lockKey()

	if e.isLeader.Load() {
		// Renew via a Lua-free compare-and-extend: only refresh TTL if we
		// still hold it (GET confirms ownership before EXPIRE to avoid
		// renewing a lock another node has since acquired).
		held, err := e.client.Get(ctx, key).Result()
		if err == nil && held == e.nodeID {
			e.client.Expire(ctx, key, e.cfg.TTL)
			return
		}
		e.transitionTo(false)
	}

	ok, err := e.client.SetNX(ctx, key, e.nodeID, e.cfg.TTL).Result()
	if err != nil {
		log.Warn().Err(err).Str("lock", e.cfg.LockName).Msg("leaderelect: acquire attempt failed")
		return
	}
	if ok {
		e.transitionTo(true)
	}
}

func (e *RedisElector) release(ctx context.Context) {
	if !e.isLeader.Load() {
		return
	}
	held, err := e.client.Get(ctx, e.lockKey()).Result()
	if err == nil && held == e.nodeID {
		e.client.Del(ctx, e.lockKey())
	}
	e.transitionTo(false)
}

func (e *RedisElector) transitionTo(leader bool) {
	if e.isLeader.Load() == leader {
		return
	}
	e.isLeader.Store(leader)

	e.mu.Lock()
	callbacks := e.onLoseLeadership
	if leader {
		callbacks = e.onBecomeLeader
	}
	e.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (e *RedisElector) lockKey() string {
	return "corebus:leader:" + e.cfg.LockName
}

// AlwaysLeader is a no-op Elector for single-instance deployments where
// distributed leader election is unnecessary overhead.
type AlwaysLeader struct{}

func (AlwaysLeader) Start(ctx context.Context) error { return nil }
func (AlwaysLeader) Stop()                           {}
func (AlwaysLeader) IsLeader() bool                  { return true }
func (AlwaysLeader) OnBecomeLeader(fn func())        { fn() }
func (AlwaysLeader) OnLoseLeadership(fn func())      {}
