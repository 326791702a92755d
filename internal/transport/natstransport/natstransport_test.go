//go:build integration

// These tests spin up an embedded nats-server rather than mocking
// JetStreamContext: unlike sqstransport's ClientAPI seam, nats.go's
// JetStreamContext return value is produced internally by *nats.Conn with
// no constructor-injectable seam worth faking, so this package follows
// nats.go's own test suite convention of testing against a real
// in-process server instead. Run with -tags=integration.
package natstransport

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/transport"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	opts := &natsserver.Options{JetStream: true, Port: -1, StoreDir: t.TempDir()}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server did not become ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func TestTransport_PublishThenConsumeRoundTrips(t *testing.T) {
	url := startTestServer(t)
	tr, err := New(Config{URL: url, StreamName: "ORDERS", Subjects: []string{"orders.>"}})
	require.NoError(t, err)
	defer tr.Close()

	assert.Equal(t, transport.StateConnected, tr.State())

	received := make(chan transport.Message, 1)
	consumer := tr.CreateConsumer("order-worker")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = consumer.Consume(ctx, "orders.created", func(ctx context.Context, msg transport.Message) error {
			received <- msg
			return nil
		})
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, tr.Publish(context.Background(), "orders.created", message.NewEvent("order.created", map[string]string{"id": "o-1"})))

	select {
	case msg := <-received:
		assert.Equal(t, "order.created", msg.Envelope().Type)
		assert.NoError(t, msg.Ack())
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestTransport_HandlerFailureNaksForRedelivery(t *testing.T) {
	url := startTestServer(t)
	tr, err := New(Config{URL: url, StreamName: "ORDERS", Subjects: []string{"orders.>"}, AckWait: 500 * time.Millisecond})
	require.NoError(t, err)
	defer tr.Close()

	attempts := make(chan int, 5)
	count := 0
	consumer := tr.CreateConsumer("flaky-worker")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = consumer.Consume(ctx, "orders.flaky", func(ctx context.Context, msg transport.Message) error {
			count++
			attempts <- count
			if count < 2 {
				return assert.AnError
			}
			return nil
		})
	}()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, tr.Publish(context.Background(), "orders.flaky", message.NewEvent("order.flaky", nil)))

	var last int
	for i := 0; i < 2; i++ {
		select {
		case last = <-attempts:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for redelivery")
		}
	}
	assert.Equal(t, 2, last)
}
