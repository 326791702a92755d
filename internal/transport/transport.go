// Package transport implements the InProcessTransport (spec §4.12): a
// bounded, topic-addressed pub/sub fabric with consumer ack/nak semantics
// and a connection state machine. The Publisher/Consumer/Message split and
// Ack/Nak/NakWithDelay vocabulary are carried over from the teacher's
// internal/queue abstraction (as exercised by internal/queue/sqs.Client),
// generalized here from an AWS-SQS-specific implementation to an
// in-process channel fabric, with a second, real implementation in
// sqstransport for out-of-process delivery.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/metrics"
)

// State mirrors a transport connection's lifecycle, named after the
// teacher's consumer running/stopped flag generalized into a full state
// machine since a remote transport can pass through Connecting/
// Reconnecting/Faulted states that an in-process fabric does not (of the
// transports here, natstransport reports Reconnecting while its
// connection is being re-established).
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFaulted
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFaulted:
		return "faulted"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

// Message is a delivered envelope with acknowledgement control, mirroring
// the teacher's queue.Message interface (Ack/Nak/NakWithDelay/Metadata).
type Message interface {
	Envelope() message.Message
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
}

// Handler processes one delivered Message.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends envelopes to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg message.Message) error
}

// Sender delivers an envelope to exactly one subscriber of a queue,
// competing-consumer style (spec §4.12/§1's point-to-point delivery), as
// opposed to Publisher's fan-out-to-every-subscriber semantics.
type Sender interface {
	Send(ctx context.Context, queue string, msg message.Message) error
}

// Consumer subscribes to a topic and invokes handler for each delivery
// until the context is cancelled or Close is called.
type Consumer interface {
	Consume(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// Transport is a Publisher, a Sender, a Consumer factory, and a reporter
// of its own connection State.
type Transport interface {
	Publisher
	Sender
	CreateConsumer(name string) Consumer
	State() State
	Close() error
}

var ErrClosed = errors.New("transport: closed")

// inProcMessage is the bounded-channel fabric's concrete Message.
type inProcMessage struct {
	env      message.Message
	ackCh    chan ackResult
	acked    int32
}

type ackResult struct {
	kind  ackKind
	delay time.Duration
}

type ackKind int

const (
	ackKindAck ackKind = iota
	ackKindNak
	ackKindNakDelay
)

func (m *inProcMessage) Envelope() message.Message { return m.env }

func (m *inProcMessage) Ack() error {
	return m.resolve(ackResult{kind: ackKindAck})
}

func (m *inProcMessage) Nak() error {
	return m.resolve(ackResult{kind: ackKindNak})
}

func (m *inProcMessage) NakWithDelay(delay time.Duration) error {
	return m.resolve(ackResult{kind: ackKindNakDelay, delay: delay})
}

func (m *inProcMessage) resolve(r ackResult) error {
	if !atomic.CompareAndSwapInt32(&m.acked, 0, 1) {
		return nil
	}
	select {
	case m.ackCh <- r:
	default:
	}
	return nil
}

// Config tunes the in-process Transport's bounded topic channels.
type Config struct {
	TopicBufferSize int
	RedeliverDelay  time.Duration
}

func DefaultConfig() Config {
	return Config{TopicBufferSize: 256, RedeliverDelay: time.Second}
}

// InProcessTransport fans envelopes out to every subscriber of a topic
// over bounded channels, entirely within one process — useful for tests,
// single-node deployments, or as the default wiring before a real
// transport (sqstransport) is configured.
type InProcessTransport struct {
	cfg Config

	mu     sync.RWMutex
	topics map[string][]chan *inProcMessage
	state  atomic.Int32
	closed atomic.Bool

	seqMu sync.Mutex
	seq   map[string]*atomic.Uint64
}

func New(cfg Config) *InProcessTransport {
	t := &InProcessTransport{
		cfg:    cfg,
		topics: make(map[string][]chan *inProcMessage),
		seq:    make(map[string]*atomic.Uint64),
	}
	t.state.Store(int32(StateConnected))
	return t
}

func (t *InProcessTransport) State() State {
	return State(t.state.Load())
}

func (t *InProcessTransport) Publish(ctx context.Context, topic string, msg message.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.RLock()
	subs := append([]chan *inProcMessage(nil), t.topics[topic]...)
	t.mu.RUnlock()

	if len(subs) == 0 {
		metrics.TransportDropped.WithLabelValues(topic).Inc()
		return nil
	}

	for _, ch := range subs {
		envelope := &inProcMessage{env: msg, ackCh: make(chan ackResult, 1)}
		select {
		case ch <- envelope:
		case <-ctx.Done():
			return ctx.Err()
		default:
			metrics.TransportDropped.WithLabelValues(topic).Inc()
		}
	}
	return nil
}

// Send delivers msg to exactly one of queue's current subscribers, chosen
// round-robin, giving competing-consumer (point-to-point) semantics on
// top of the same bounded per-topic channels Publish fans out over.
func (t *InProcessTransport) Send(ctx context.Context, queue string, msg message.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.RLock()
	subs := t.topics[queue]
	n := len(subs)
	var ch chan *inProcMessage
	if n > 0 {
		ch = subs[t.nextIndex(queue, n)]
	}
	t.mu.RUnlock()

	if ch == nil {
		metrics.TransportDropped.WithLabelValues(queue).Inc()
		return nil
	}

	envelope := &inProcMessage{env: msg, ackCh: make(chan ackResult, 1)}
	select {
	case ch <- envelope:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		metrics.TransportDropped.WithLabelValues(queue).Inc()
		return nil
	}
}

// nextIndex returns the next round-robin index into a slice of length n
// subscribed to topic, maintaining one counter per topic so concurrent
// Send calls spread across subscribers instead of favoring index 0.
func (t *InProcessTransport) nextIndex(topic string, n int) int {
	t.seqMu.Lock()
	counter, ok := t.seq[topic]
	if !ok {
		counter = &atomic.Uint64{}
		t.seq[topic] = counter
	}
	t.seqMu.Unlock()
	return int(counter.Add(1) % uint64(n))
}

func (t *InProcessTransport) subscribe(topic string) chan *inProcMessage {
	ch := make(chan *inProcMessage, t.cfg.TopicBufferSize)
	t.mu.Lock()
	t.topics[topic] = append(t.topics[topic], ch)
	t.mu.Unlock()
	return ch
}

func (t *InProcessTransport) unsubscribe(topic string, ch chan *inProcMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := t.topics[topic]
	for i, c := range subs {
		if c == ch {
			t.topics[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

func (t *InProcessTransport) CreateConsumer(name string) Consumer {
	return &inProcConsumer{transport: t, name: name}
}

func (t *InProcessTransport) Close() error {
	t.closed.Store(true)
	t.state.Store(int32(StateDisconnecting))
	t.mu.Lock()
	t.topics = make(map[string][]chan *inProcMessage)
	t.mu.Unlock()
	t.state.Store(int32(StateDisconnected))
	return nil
}

type inProcConsumer struct {
	transport *InProcessTransport
	name      string
	mu        sync.Mutex
	ch        chan *inProcMessage
	topic     string
}

// Consume subscribes to topic and processes deliveries until ctx is
// cancelled. A handler error naks the message with RedeliverDelay,
// reinjecting it onto the same topic after the delay elapses.
func (c *inProcConsumer) Consume(ctx context.Context, topic string, handler Handler) error {
	ch := c.transport.subscribe(topic)
	c.mu.Lock()
	c.ch = ch
	c.topic = topic
	c.mu.Unlock()
	defer c.transport.unsubscribe(topic, ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-ch:
			if !ok {
				return nil
			}
			c.deliver(ctx, topic, env, handler)
		}
	}
}

func (c *inProcConsumer) deliver(ctx context.Context, topic string, env *inProcMessage, handler Handler) {
	if err := handler(ctx, env); err != nil {
		log.Warn().Err(err).Str("topic", topic).Str("consumer", c.name).Msg("transport: handler failed, nak")
		metrics.TransportDelivered.WithLabelValues(topic, "failed").Inc()
		_ = env.Nak()
		c.redeliver(ctx, topic, env.env, 0)
		return
	}

	select {
	case r := <-env.ackCh:
		switch r.kind {
		case ackKindNak:
			metrics.TransportDelivered.WithLabelValues(topic, "failed").Inc()
			c.redeliver(ctx, topic, env.env, 0)
		case ackKindNakDelay:
			metrics.TransportDelivered.WithLabelValues(topic, "failed").Inc()
			c.redeliver(ctx, topic, env.env, r.delay)
		}
	default:
		metrics.TransportDelivered.WithLabelValues(topic, "acked").Inc()
		_ = env.Ack()
	}
}

func (c *inProcConsumer) redeliver(ctx context.Context, topic string, msg message.Message, delay time.Duration) {
	if delay <= 0 {
		delay = c.transport.cfg.RedeliverDelay
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			_ = c.transport.Publish(context.Background(), topic, msg)
		}
	}()
}

func (c *inProcConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		c.transport.unsubscribe(c.topic, c.ch)
	}
	return nil
}
