// Package sqstransport adapts AWS SQS into a transport.Transport,
// generalizing the teacher's internal/queue/sqs.Client: the same
// SQSClientAPI seam for testability, the same long-poll receive-process
// loop with adaptive idle/partial/full-batch delay (a received message is
// deleted from the queue only when the handler calls Ack on it), and the
// same visibility-timeout vocabulary for Nak/NakWithDelay,
// rehomed onto corebus's message.Message envelope instead of the
// teacher's queue.Message/DispatchMessage pair.
package sqstransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"

	"go.corebus.dev/internal/message"
	"go.corebus.dev/internal/metrics"
	"go.corebus.dev/internal/transport"
)

// Visibility timeout bounds, matching the teacher's constants.
const (
	FastFailVisibilitySeconds = 10
	DefaultVisibilitySeconds  = 30
	MaxVisibilitySeconds      = 43200
)

// ClientAPI is the subset of the SQS SDK this package needs, seamed out
// for testing exactly as the teacher's SQSClientAPI does.
type ClientAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config describes one SQS queue endpoint.
type Config struct {
	Region              string
	QueueURL             string
	WaitTimeSeconds      int32
	VisibilityTimeout    int32
	MaxNumberOfMessages  int32

	// AccessKeyID/SecretAccessKey/SessionToken, when AccessKeyID is
	// non-empty, pin New to a static credential set instead of the SDK's
	// default provider chain (env vars, shared config, EC2/ECS roles).
	// Used for LocalStack/MinIO-style endpoints with fixed test creds.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

func (c *Config) applyDefaults() {
	if c.WaitTimeSeconds == 0 {
		c.WaitTimeSeconds = 20
	}
	if c.VisibilityTimeout == 0 {
		c.VisibilityTimeout = DefaultVisibilitySeconds
	}
	if c.MaxNumberOfMessages == 0 {
		c.MaxNumberOfMessages = 10
	}
}

// Transport implements transport.Transport against a single SQS queue.
// Unlike the in-process transport, "topic" is carried as a message
// attribute rather than a physical address, since one SQS queue URL
// serves as this transport's sole destination.
type Transport struct {
	client ClientAPI
	cfg    Config
	state  stateBox
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

// New loads the default AWS configuration for cfg.Region and connects to
// the queue at cfg.QueueURL.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	cfg.applyDefaults()
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sqstransport: failed to load AWS config: %w", err)
	}
	t := &Transport{client: sqs.NewFromConfig(awsCfg), cfg: cfg}
	t.state.set(transport.StateConnected)
	return t, nil
}

// NewWithClient wires a pre-built ClientAPI, used for LocalStack endpoints
// and tests.
func NewWithClient(client ClientAPI, cfg Config) *Transport {
	cfg.applyDefaults()
	t := &Transport{client: client, cfg: cfg}
	t.state.set(transport.StateConnected)
	return t
}

func (t *Transport) State() transport.State { return t.state.get() }

// Publish marshals msg as JSON and sends it with topic carried in the
// Subject message attribute, mirroring the teacher's Publisher.Publish.
func (t *Transport) Publish(ctx context.Context, topic string, msg message.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sqstransport: failed to encode message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(t.cfg.QueueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Subject": {DataType: aws.String("String"), StringValue: aws.String(topic)},
		},
	}
	if msg.CorrelationID != "" {
		input.MessageGroupId = aws.String(msg.CorrelationID)
	}

	if _, err := t.client.SendMessage(ctx, input); err != nil {
		metrics.TransportDropped.WithLabelValues(topic).Inc()
		return fmt.Errorf("sqstransport: send failed: %w", err)
	}
	return nil
}

// Send is equivalent to Publish for this transport: an SQS queue is
// already a single point-to-point destination (exactly one consumer among
// however many poll it receives each message), so there is no separate
// fan-out mode to distinguish it from.
func (t *Transport) Send(ctx context.Context, queue string, msg message.Message) error {
	return t.Publish(ctx, queue, msg)
}

// CreateConsumer returns a Consumer that long-polls the configured queue.
// topic filters deliveries by Subject attribute; an empty topic consumes
// everything on the queue.
func (t *Transport) CreateConsumer(name string) transport.Consumer {
	return &consumer{transport: t, name: name}
}

func (t *Transport) Close() error {
	t.state.set(transport.StateDisconnecting)
	t.state.set(transport.StateDisconnected)
	return nil
}

// HealthCheck verifies the queue is reachable, mirroring the teacher's
// HealthCheck method for wiring into an admin health endpoint.
func (t *Transport) HealthCheck(ctx context.Context) error {
	_, err := t.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(t.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

type consumer struct {
	transport *Transport
	name      string
	mu        sync.Mutex
	running   bool
}

func (c *consumer) Consume(ctx context.Context, topic string, handler transport.Handler) error {
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	log.Info().Str("consumer", c.name).Str("queueUrl", c.transport.cfg.QueueURL).Msg("sqstransport: consumer starting")

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			return ctx.Err()
		default:
		}

		c.mu.Lock()
		running := c.running
		c.mu.Unlock()
		if !running {
			return nil
		}

		n, err := c.poll(ctx, topic, handler)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Str("consumer", c.name).Msg("sqstransport: poll failed")
			time.Sleep(time.Second)
			continue
		}

		switch {
		case n == 0:
			time.Sleep(time.Second)
		case n < int(c.transport.cfg.MaxNumberOfMessages):
			time.Sleep(50 * time.Millisecond)
		}
	}
}

func (c *consumer) poll(ctx context.Context, topic string, handler transport.Handler) (int, error) {
	cfg := c.transport.cfg
	out, err := c.transport.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(cfg.QueueURL),
		MaxNumberOfMessages:   cfg.MaxNumberOfMessages,
		WaitTimeSeconds:       cfg.WaitTimeSeconds,
		VisibilityTimeout:     cfg.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("sqstransport: receive failed: %w", err)
	}

	processed := 0
	for _, raw := range out.Messages {
		subject := subjectOf(raw)
		if topic != "" && subject != topic {
			continue
		}

		var env message.Message
		if raw.Body != nil {
			if err := json.Unmarshal([]byte(*raw.Body), &env); err != nil {
				log.Error().Err(err).Msg("sqstransport: failed to decode message body")
				continue
			}
		}

		wrapped := &sqsMessage{
			env:           env,
			client:        c.transport.client,
			queueURL:      cfg.QueueURL,
			receiptHandle: aws.ToString(raw.ReceiptHandle),
			visibility:    cfg.VisibilityTimeout,
		}

		if err := handler(ctx, wrapped); err != nil {
			metrics.TransportDelivered.WithLabelValues(subject, "failed").Inc()
			log.Error().Err(err).Str("consumer", c.name).Msg("sqstransport: handler error")
			_ = wrapped.Nak()
		} else {
			metrics.TransportDelivered.WithLabelValues(subject, "acked").Inc()
		}
		processed++
	}
	return processed, nil
}

func subjectOf(raw types.Message) string {
	if attr, ok := raw.MessageAttributes["Subject"]; ok && attr.StringValue != nil {
		return *attr.StringValue
	}
	return ""
}

func (c *consumer) Close() error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	return nil
}

// sqsMessage adapts one received SQS message into transport.Message.
// Ack deletes; Nak is a no-op (visibility timeout handles redelivery);
// NakWithDelay shortens visibility so the message reappears sooner, per
// the teacher's SQSMessage semantics.
type sqsMessage struct {
	env           message.Message
	client        ClientAPI
	queueURL      string
	receiptHandle string
	visibility    int32
}

func (m *sqsMessage) Envelope() message.Message { return m.env }

func (m *sqsMessage) Ack() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := m.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(m.queueURL),
		ReceiptHandle: aws.String(m.receiptHandle),
	})
	return err
}

func (m *sqsMessage) Nak() error {
	return nil
}

func (m *sqsMessage) NakWithDelay(delay time.Duration) error {
	seconds := int32(delay.Seconds())
	if seconds < 0 {
		seconds = 0
	}
	if seconds > MaxVisibilitySeconds {
		seconds = MaxVisibilitySeconds
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := m.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(m.queueURL),
		ReceiptHandle:     aws.String(m.receiptHandle),
		VisibilityTimeout: seconds,
	})
	return err
}
