package queue

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hszk-dev/hlspack/internal/domain/repository"
)

// redeliveryHeader counts how many times an upload notification was
// republished after a handler failure.
const redeliveryHeader = "x-redelivery-count"

// UploadConsumerConfig holds configuration for the upload notification queue.
type UploadConsumerConfig struct {
	URL       string
	QueueName string // Queue bound to the bucket's notification target

	// MaxRedeliveries is how many times a failed notification is
	// republished before it is dead-lettered.
	MaxRedeliveries int
}

// DefaultUploadConsumerConfig returns an UploadConsumerConfig with sensible defaults.
func DefaultUploadConsumerConfig(url string) UploadConsumerConfig {
	return UploadConsumerConfig{
		URL:             url,
		QueueName:       "upload_events",
		MaxRedeliveries: 3,
	}
}

func (c UploadConsumerConfig) deadLetterQueueName() string {
	return c.QueueName + ".dlq"
}

// UploadConsumer implements repository.UploadEventSource over a RabbitMQ
// queue receiving MinIO bucket notifications.
type UploadConsumer struct {
	conn    amqpConnection
	channel amqpChannel
	config  UploadConsumerConfig
}

// Compile-time verification that UploadConsumer implements repository.UploadEventSource.
var _ repository.UploadEventSource = (*UploadConsumer)(nil)

// NewUploadConsumer connects to RabbitMQ and declares the notification
// queue and its dead-letter queue.
func NewUploadConsumer(ctx context.Context, cfg UploadConsumerConfig) (*UploadConsumer, error) {
	conn, err := dial(cfg.URL)
	if err != nil {
		return nil, err
	}

	return newUploadConsumerWithConnection(ctx, conn, cfg)
}

func newUploadConsumerWithConnection(_ context.Context, conn amqpConnection, cfg UploadConsumerConfig) (*UploadConsumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.deadLetterQueueName(), true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare dead-letter queue: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.deadLetterQueueName(),
	}
	if _, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, args); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &UploadConsumer{
		conn:    conn,
		channel: ch,
		config:  cfg,
	}, nil
}

// ConsumeUploadEvents delivers every object-created record to handler,
// one notification at a time. Returns when ctx is cancelled or the
// channel is closed.
//
// Ack/Nack strategy:
//   - All records handled: Ack
//   - Undecodable body: Nack without requeue (dead-lettered)
//   - Handler failure: republish with the redelivery header incremented and
//     Ack, or Nack without requeue once MaxRedeliveries is reached
func (c *UploadConsumer) ConsumeUploadEvents(ctx context.Context, handler func(ctx context.Context, event repository.UploadEvent) error) error {
	msgs, err := c.channel.Consume(c.config.QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed unexpectedly")
			}
			c.handleDelivery(ctx, d, handler)
		}
	}
}

func (c *UploadConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler func(ctx context.Context, event repository.UploadEvent) error) {
	events, err := ParseUploadEvents(d.Body)
	if err != nil {
		slog.Error("discarding malformed upload notification", "error", err)
		_ = d.Nack(false, false)
		return
	}

	for _, event := range events {
		if err := handler(ctx, event); err != nil {
			c.redeliver(ctx, d, event, err)
			return
		}
	}

	_ = d.Ack(false)
}

// redeliver republishes a failed notification or dead-letters it once the
// redelivery budget is spent. Records already handled are delivered again;
// submission is idempotent per asset.
func (c *UploadConsumer) redeliver(ctx context.Context, d amqp.Delivery, event repository.UploadEvent, cause error) {
	count := redeliveryCount(d.Headers)
	if count >= c.config.MaxRedeliveries {
		slog.Error("upload notification exhausted redeliveries",
			"key", event.Key,
			"redeliveries", count,
			"error", cause,
		)
		_ = d.Nack(false, false)
		return
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[redeliveryHeader] = int32(count + 1)

	err := c.channel.PublishWithContext(ctx, "", c.config.QueueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  d.ContentType,
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		slog.Error("failed to republish upload notification",
			"key", event.Key,
			"error", err,
		)
		_ = d.Nack(false, false)
		return
	}

	slog.Warn("upload notification scheduled for redelivery",
		"key", event.Key,
		"redeliveries", count+1,
		"error", cause,
	)
	_ = d.Ack(false)
}

func redeliveryCount(headers amqp.Table) int {
	switch v := headers[redeliveryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Close closes the channel and connection.
func (c *UploadConsumer) Close() error {
	return closeAll(c.channel, c.conn)
}
