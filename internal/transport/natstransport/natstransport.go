// Package natstransport adapts a NATS JetStream stream into a
// transport.Transport, generalizing the same Publisher/Consumer/Message
// seam sqstransport implements for SQS: topic addressing, consumer
// ack/nak semantics, and a reported connection State. Unlike SQS's
// polling receive-delete loop, JetStream push-subscribes and exposes
// Ack/Nak/NakWithDelay directly on the delivered *nats.Msg, which this
// package wraps rather than reimplements.
package natstransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/metrics"
	"go.corebus.dev/internal/transport"
)

// Config describes the JetStream stream this Transport publishes to and
// consumes from. Subjects are topic-addressed the same way
// InProcessTransport addresses channels: callers pass the topic as the
// NATS subject.
type Config struct {
	URL         string
	StreamName  string
	Subjects    []string
	DurablePrefix string
	AckWait     time.Duration
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.DurablePrefix == "" {
		c.DurablePrefix = "corebus"
	}
	if c.AckWait == 0 {
		c.AckWait = 30 * time.Second
	}
}

// Transport implements transport.Transport against a JetStream stream.
type Transport struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	cfg  Config
	state stateBox
}

type stateBox struct {
	mu  sync.Mutex
	val transport.State
}

func (s *stateBox) get() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val
}

func (s *stateBox) set(v transport.State) {
	s.mu.Lock()
	s.val = v
	s.mu.Unlock()
}

// New connects to cfg.URL, opens a JetStream context, and ensures
// cfg.StreamName exists (creating it over cfg.Subjects if absent).
func New(cfg Config) (*Transport, error) {
	cfg.applyDefaults()

	conn, err := nats.Connect(cfg.URL,
		nats.Name("corebus"),
		nats.ReconnectHandler(func(*nats.Conn) { log.Info().Msg("natstransport: reconnected") }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("natstransport: disconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("natstransport: failed to connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("natstransport: failed to open JetStream context: %w", err)
	}

	if cfg.StreamName != "" {
		if _, err := js.StreamInfo(cfg.StreamName); err != nil {
			_, err := js.AddStream(&nats.StreamConfig{
				Name:     cfg.StreamName,
				Subjects: cfg.Subjects,
			})
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("natstransport: failed to create stream %q: %w", cfg.StreamName, err)
			}
		}
	}

	t := &Transport{conn: conn, js: js, cfg: cfg}
	t.state.set(transport.StateConnected)
	return t, nil
}

func (t *Transport) State() transport.State {
	if t.conn.IsClosed() {
		return transport.StateDisconnected
	}
	if t.conn.IsReconnecting() {
		return transport.StateReconnecting
	}
	return t.state.get()
}

// Publish marshals msg as JSON and publishes it to the subject named by
// topic, mirroring sqstransport.Transport.Publish's JSON envelope.
func (t *Transport) Publish(ctx context.Context, topic string, msg message.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("natstransport: failed to encode message: %w", err)
	}
	if _, err := t.js.Publish(topic, body, nats.Context(ctx)); err != nil {
		metrics.TransportDropped.WithLabelValues(topic).Inc()
		return fmt.Errorf("natstransport: publish failed: %w", err)
	}
	return nil
}

// Send is equivalent to Publish for this transport: point-to-point
// delivery here comes from CreateConsumer's queue-group subscription
// (NATS load-balances one subject's messages across every consumer
// sharing a queue group), not from a distinct publish call.
func (t *Transport) Send(ctx context.Context, queue string, msg message.Message) error {
	return t.Publish(ctx, queue, msg)
}

// CreateConsumer returns a Consumer that durably subscribes to a subject
// under a queue group named after name, so multiple consumer instances
// sharing name load-balance deliveries.
func (t *Transport) CreateConsumer(name string) transport.Consumer {
	return &consumer{transport: t, name: name}
}

func (t *Transport) Close() error {
	t.state.set(transport.StateDisconnecting)
	t.conn.Close()
	t.state.set(transport.StateDisconnected)
	return nil
}

type consumer struct {
	transport *Transport
	name      string
	mu        sync.Mutex
	sub       *nats.Subscription
}

// Consume push-subscribes to topic with a manually-acked durable consumer
// and blocks until ctx is cancelled or Close is called.
func (c *consumer) Consume(ctx context.Context, topic string, handler transport.Handler) error {
	durable := c.transport.cfg.DurablePrefix + "-" + c.name
	sub, err := c.transport.js.QueueSubscribe(topic, c.name, func(m *nats.Msg) {
		c.deliver(ctx, topic, m, handler)
	}, nats.Durable(durable), nats.ManualAck(), nats.AckWait(c.transport.cfg.AckWait))
	if err != nil {
		return fmt.Errorf("natstransport: subscribe failed: %w", err)
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	<-ctx.Done()
	_ = c.Close()
	return ctx.Err()
}

func (c *consumer) deliver(ctx context.Context, topic string, raw *nats.Msg, handler transport.Handler) {
	var env message.Message
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		log.Error().Err(err).Str("consumer", c.name).Msg("natstransport: failed to decode message")
		_ = raw.Nak()
		return
	}

	wrapped := &natsMessage{env: env, raw: raw}
	if err := handler(ctx, wrapped); err != nil {
		metrics.TransportDelivered.WithLabelValues(topic, "failed").Inc()
		log.Warn().Err(err).Str("consumer", c.name).Msg("natstransport: handler failed, nak")
		_ = raw.Nak()
		return
	}
	metrics.TransportDelivered.WithLabelValues(topic, "acked").Inc()
	_ = raw.Ack()
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		err := c.sub.Unsubscribe()
		c.sub = nil
		return err
	}
	return nil
}

// natsMessage adapts a delivered *nats.Msg into transport.Message,
// delegating Ack/Nak/NakWithDelay straight to JetStream's own
// acknowledgement machinery rather than reimplementing it.
type natsMessage struct {
	env message.Message
	raw *nats.Msg
}

func (m *natsMessage) Envelope() message.Message { return m.env }
func (m *natsMessage) Ack() error                { return m.raw.Ack() }
func (m *natsMessage) Nak() error                { return m.raw.Nak() }
func (m *natsMessage) NakWithDelay(delay time.Duration) error {
	return m.raw.NakWithDelay(delay)
}
