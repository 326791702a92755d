package sqstransport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/transport"
)

type fakeSQS struct {
	mu       sync.Mutex
	queue    []types.Message
	deleted  []string
	sent     []*sqs.SendMessageInput
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.queue
	f.queue = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, params)
	body := *params.MessageBody
	receiptHandle := "rh-" + body[:8]
	f.queue = append(f.queue, types.Message{
		Body:              params.MessageBody,
		ReceiptHandle:     aws.String(receiptHandle),
		MessageAttributes: params.MessageAttributes,
	})
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	return &sqs.GetQueueAttributesOutput{}, nil
}

func TestTransport_PublishThenConsumeRoundTrips(t *testing.T) {
	fake := &fakeSQS{}
	tr := NewWithClient(fake, Config{QueueURL: "test-queue"})

	msg := message.NewEvent("order.created", "payload")
	require.NoError(t, tr.Publish(context.Background(), "orders", msg))

	received := make(chan message.Message, 1)
	c := tr.CreateConsumer("c1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Consume(ctx, "orders", func(ctx context.Context, m transport.Message) error {
		received <- m.Envelope()
		return m.Ack()
	})

	select {
	case got := <-received:
		assert.Equal(t, "order.created", got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		fake.mu.Lock()
		n := len(fake.deleted)
		fake.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("acked message was never deleted from the queue")
}

func TestTransport_FiltersBySubjectTopic(t *testing.T) {
	fake := &fakeSQS{}
	tr := NewWithClient(fake, Config{QueueURL: "test-queue"})

	require.NoError(t, tr.Publish(context.Background(), "shipments", message.NewEvent("shipment.sent", nil)))

	var calls int
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := tr.CreateConsumer("c1")
	go c.Consume(ctx, "orders", func(ctx context.Context, m transport.Message) error {
		calls++
		return m.Ack()
	})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, calls, "consumer subscribed to a different topic must not receive the message")
}
