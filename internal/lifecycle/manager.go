// Package lifecycle provides phased graceful-shutdown orchestration,
// adapted from the teacher's internal/common/lifecycle manager: components
// register a hook against a phase instead of being hand-wired together, and
// Execute runs phases in order, each phase's hooks in parallel.
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase defines the order in which shutdown hooks run.
type Phase int

const (
	// PhaseTransport stops accepting new deliveries and drains consumers.
	PhaseTransport Phase = iota
	// PhaseQueues stops queue engine workers and drains in-flight leases.
	PhaseQueues
	// PhaseProcessors stops the outbox/inbox background loops.
	PhaseProcessors
	// PhaseLeader releases leader-election locks.
	PhaseLeader
	// PhaseStorage closes storage backend connections.
	PhaseStorage
	// PhaseFinal performs any final cleanup.
	PhaseFinal
)

// Hook is a named shutdown action scoped to a phase with its own timeout.
type Hook struct {
	Name     string
	Phase    Phase
	Timeout  time.Duration
	Shutdown func(ctx context.Context) error
}

// Manager orchestrates graceful shutdown across registered hooks.
type Manager struct {
	mu              sync.Mutex
	hooks           []Hook
	shutdownTimeout time.Duration
	done            chan struct{}
	once            sync.Once
}

// NewManager creates a Manager with a 30s overall shutdown budget.
func NewManager() *Manager {
	return &Manager{
		shutdownTimeout: 30 * time.Second,
		done:            make(chan struct{}),
	}
}

// SetShutdownTimeout overrides the overall shutdown budget.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}

// Register adds a shutdown hook, defaulting Timeout to 10s if unset.
func (m *Manager) Register(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hook.Timeout == 0 {
		hook.Timeout = 10 * time.Second
	}
	m.hooks = append(m.hooks, hook)
}

// RegisterTransportShutdown is a convenience wrapper for PhaseTransport.
func (m *Manager) RegisterTransportShutdown(name string, fn func(ctx context.Context) error) {
	m.Register(Hook{Name: name, Phase: PhaseTransport, Timeout: 15 * time.Second, Shutdown: fn})
}

// RegisterQueueShutdown is a convenience wrapper for PhaseQueues.
func (m *Manager) RegisterQueueShutdown(name string, fn func(ctx context.Context) error) {
	m.Register(Hook{Name: name, Phase: PhaseQueues, Timeout: 30 * time.Second, Shutdown: fn})
}

// RegisterProcessorShutdown is a convenience wrapper for PhaseProcessors.
func (m *Manager) RegisterProcessorShutdown(name string, fn func(ctx context.Context) error) {
	m.Register(Hook{Name: name, Phase: PhaseProcessors, Timeout: 30 * time.Second, Shutdown: fn})
}

// RegisterLeaderShutdown is a convenience wrapper for PhaseLeader.
func (m *Manager) RegisterLeaderShutdown(name string, fn func(ctx context.Context) error) {
	m.Register(Hook{Name: name, Phase: PhaseLeader, Timeout: 5 * time.Second, Shutdown: fn})
}

// RegisterStorageShutdown is a convenience wrapper for PhaseStorage.
func (m *Manager) RegisterStorageShutdown(name string, fn func(ctx context.Context) error) {
	m.Register(Hook{Name: name, Phase: PhaseStorage, Timeout: 10 * time.Second, Shutdown: fn})
}

// WaitForSignal blocks until SIGINT/SIGTERM, or until Shutdown is called.
func (m *Manager) WaitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-m.done:
		log.Info().Msg("shutdown triggered programmatically")
	}
}

// Shutdown triggers WaitForSignal to return without an OS signal.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.done) })
}

// Execute runs every registered hook, grouped and ordered by phase, with
// each phase's hooks run in parallel.
func (m *Manager) Execute() error {
	m.mu.Lock()
	hooks := make([]Hook, len(m.hooks))
	copy(hooks, m.hooks)
	timeout := m.shutdownTimeout
	m.mu.Unlock()

	log.Info().Int("hooks", len(hooks)).Dur("timeout", timeout).Msg("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	byPhase := make(map[Phase][]Hook)
	for _, h := range hooks {
		byPhase[h.Phase] = append(byPhase[h.Phase], h)
	}

	phases := []Phase{PhaseTransport, PhaseQueues, PhaseProcessors, PhaseLeader, PhaseStorage, PhaseFinal}
	for _, phase := range phases {
		group := byPhase[phase]
		if len(group) == 0 {
			continue
		}

		log.Info().Int("phase", int(phase)).Int("hooks", len(group)).Msg("executing shutdown phase")

		var wg sync.WaitGroup
		for _, h := range group {
			wg.Add(1)
			go func(hook Hook) {
				defer wg.Done()
				m.runHook(ctx, hook)
			}(h)
		}
		wg.Wait()

		if ctx.Err() != nil {
			log.Warn().Msg("shutdown timeout reached, forcing exit")
			return ctx.Err()
		}
	}

	log.Info().Msg("graceful shutdown completed")
	return nil
}

func (m *Manager) runHook(parentCtx context.Context, hook Hook) {
	ctx, cancel := context.WithTimeout(parentCtx, hook.Timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- hook.Shutdown(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Str("hook", hook.Name).Msg("shutdown hook failed")
		} else {
			log.Debug().Str("hook", hook.Name).Msg("shutdown hook completed")
		}
	case <-ctx.Done():
		log.Warn().Str("hook", hook.Name).Msg("shutdown hook timed out")
	}
}

// Run combines WaitForSignal and Execute for convenience.
func (m *Manager) Run() error {
	m.WaitForSignal()
	return m.Execute()
}
