// Package dispatch implements the Dispatcher (spec §4.6): the handler
// registry and routing core of the CQRS bus. Commands and queries resolve
// to exactly one handler; events fan out to every registered handler. It
// is grounded on the teacher's internal/router/mediator dispatch-by-type
// shape, simplified from HTTP-specific routing to an in-process map-based
// registry (no reflection, handlers keyed by message.Type string).
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.corebus.dev/internal/errs"
	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/metrics"
	"go.corebus.dev/internal/workqueue"
)

// Handler processes one message and returns its outcome. Handlers must not
// panic; a panic reaching the Dispatcher is treated as ErrInternal.
type Handler func(ctx context.Context, msg message.Message) message.Result

// Registry holds the handler bindings for a bus instance. Safe for
// concurrent Register and Dispatch calls.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Handler
	queries  map[string]Handler
	events   map[string][]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]Handler),
		queries:  make(map[string]Handler),
		events:   make(map[string][]Handler),
	}
}

// RegisterCommand binds the single handler for a command type. Registering
// a second handler for the same type replaces the first, matching the
// spec's "last registration wins" rule for test setup convenience; production
// wiring should register each command type exactly once.
func (r *Registry) RegisterCommand(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[msgType] = h
}

// RegisterQuery binds the single handler for a query type.
func (r *Registry) RegisterQuery(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries[msgType] = h
}

// RegisterEvent appends a handler to the fan-out list for an event type.
func (r *Registry) RegisterEvent(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[msgType] = append(r.events[msgType], h)
}

func (r *Registry) commandHandler(msgType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.commands[msgType]
	return h, ok
}

func (r *Registry) queryHandler(msgType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.queries[msgType]
	return h, ok
}

func (r *Registry) eventHandlers(msgType string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := r.events[msgType]
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

// EventOutcome pairs one event handler's Result with its handler index, so
// callers can tell which of several fan-out handlers failed.
type EventOutcome struct {
	HandlerIndex int
	Result       message.Result
}

// Dispatcher routes messages to registered handlers, optionally enforcing
// per-type ordering via a BoundedWorkQueue keyed by message type.
type Dispatcher struct {
	registry *Registry

	mu     sync.Mutex
	queues map[string]*workqueue.Queue
	wqCfg  workqueue.Config
}

// New creates a Dispatcher over registry. wqCfg configures the per-type
// work queues used to serialize handler execution when Ordered is called;
// direct Dispatch/DispatchQuery/Publish calls bypass queuing entirely.
// Dispatch and DispatchQuery run the handler inline on the caller's
// goroutine; Publish runs each event handler on its own goroutine and
// waits for all of them.
func New(registry *Registry, wqCfg workqueue.Config) *Dispatcher {
	return &Dispatcher{registry: registry, queues: make(map[string]*workqueue.Queue), wqCfg: wqCfg}
}

// Dispatch routes a command to its single registered handler, returning
// ErrHandlerMissing if none is registered.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd message.Message) message.Result {
	h, ok := d.registry.commandHandler(cmd.Type)
	if !ok {
		return message.Failure(errs.ErrHandlerMissing, fmt.Sprintf("no handler registered for command %q", cmd.Type))
	}
	return invoke(ctx, h, cmd)
}

// DispatchQuery routes a query to its single registered handler.
func (d *Dispatcher) DispatchQuery(ctx context.Context, qry message.Message) message.Result {
	h, ok := d.registry.queryHandler(qry.Type)
	if !ok {
		return message.Failure(errs.ErrHandlerMissing, fmt.Sprintf("no handler registered for query %q", qry.Type))
	}
	return invoke(ctx, h, qry)
}

// Publish fans an event out to every registered handler, running each
// independently and reporting every outcome rather than stopping at (or
// rethrowing) the first failure: spec.md's event-publish contract is that
// one failing subscriber never prevents the others from running.
func (d *Dispatcher) Publish(ctx context.Context, evt message.Message) []EventOutcome {
	handlers := d.registry.eventHandlers(evt.Type)
	outcomes := make([]EventOutcome, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			outcomes[i] = EventOutcome{HandlerIndex: i, Result: invoke(ctx, h, evt)}
		}(i, h)
	}
	wg.Wait()
	return outcomes
}

// invoke calls h, converting a recovered panic into an ErrInternal Result
// rather than letting it escape to the caller, and records DispatchInvocations/
// DispatchDuration for every call regardless of outcome.
func invoke(ctx context.Context, h Handler, msg message.Message) (result message.Result) {
	start := time.Now()
	kind := string(msg.Kind)
	defer func() {
		if r := recover(); r != nil {
			result = message.Failure(errs.ErrInternal, fmt.Sprintf("handler panicked: %v", r))
		}
		metrics.DispatchDuration.WithLabelValues(kind, msg.Type).Observe(time.Since(start).Seconds())
		outcome := "success"
		if !result.IsSuccess() {
			outcome = "failed"
		}
		metrics.DispatchInvocations.WithLabelValues(kind, msg.Type, outcome).Inc()
	}()
	return h(ctx, msg)
}

// Ordered dispatches cmd through the per-type BoundedWorkQueue for
// cmd.Type, guaranteeing commands of the same type run one at a time and
// in submission order, and returns a channel that receives the single
// Result once the handler completes.
func (d *Dispatcher) Ordered(ctx context.Context, cmd message.Message) (<-chan message.Result, error) {
	q := d.queueFor(cmd.Type)
	out := make(chan message.Result, 1)
	err := q.Send(ctx, func(workCtx context.Context) {
		out <- d.Dispatch(workCtx, cmd)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) queueFor(msgType string) *workqueue.Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[msgType]
	if !ok {
		q = workqueue.New(d.wqCfg)
		d.queues[msgType] = q
	}
	return q
}

// Close drains and stops every per-type ordering queue created by Ordered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.queues {
		q.Complete()
	}
}
