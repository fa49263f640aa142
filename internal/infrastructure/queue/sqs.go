package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/hszk-dev/hlspack/internal/domain/repository"
)

// sqsAPI is the subset of *sqs.Client used by SQSConsumer.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSConsumerConfig holds configuration for the S3 notification queue.
type SQSConsumerConfig struct {
	QueueURL          string
	Region            string
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
}

// DefaultSQSConsumerConfig returns an SQSConsumerConfig with long polling enabled.
func DefaultSQSConsumerConfig(queueURL, region string) SQSConsumerConfig {
	return SQSConsumerConfig{
		QueueURL:          queueURL,
		Region:            region,
		MaxMessages:       10,
		WaitTimeSeconds:   20,
		VisibilityTimeout: 60,
	}
}

const (
	sqsInitialBackoff = time.Second
	sqsMaxBackoff     = 30 * time.Second
)

// SQSConsumer implements repository.UploadEventSource by long-polling an
// SQS queue that receives S3 bucket notifications. A message is deleted
// only after every record in it was handled; failed messages reappear
// after the visibility timeout and fall under the queue's redrive policy.
type SQSConsumer struct {
	client sqsAPI
	config SQSConsumerConfig
}

// Compile-time verification that SQSConsumer implements repository.UploadEventSource.
var _ repository.UploadEventSource = (*SQSConsumer)(nil)

// NewSQSConsumer builds an SQS client from the default AWS credential chain.
func NewSQSConsumer(ctx context.Context, cfg SQSConsumerConfig) (*SQSConsumer, error) {
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("SQS queue URL is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newSQSConsumerWithClient(sqs.NewFromConfig(awsCfg), cfg), nil
}

func newSQSConsumerWithClient(client sqsAPI, cfg SQSConsumerConfig) *SQSConsumer {
	return &SQSConsumer{client: client, config: cfg}
}

// ConsumeUploadEvents polls until ctx is cancelled.
func (c *SQSConsumer) ConsumeUploadEvents(ctx context.Context, handler func(ctx context.Context, event repository.UploadEvent) error) error {
	backoff := sqsInitialBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.config.QueueURL),
			MaxNumberOfMessages: c.config.MaxMessages,
			WaitTimeSeconds:     c.config.WaitTimeSeconds,
			VisibilityTimeout:   c.config.VisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("SQS receive failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, sqsMaxBackoff)
			continue
		}
		backoff = sqsInitialBackoff

		for _, m := range out.Messages {
			c.handleMessage(ctx, m, handler)
		}
	}
}

func (c *SQSConsumer) handleMessage(ctx context.Context, m types.Message, handler func(ctx context.Context, event repository.UploadEvent) error) {
	events, err := ParseUploadEvents([]byte(aws.ToString(m.Body)))
	if err != nil {
		slog.Error("discarding malformed upload notification",
			"message_id", aws.ToString(m.MessageId),
			"error", err,
		)
		c.delete(ctx, m)
		return
	}

	for _, event := range events {
		if err := handler(ctx, event); err != nil {
			// Do NOT delete; the message becomes visible again for retry.
			slog.Error("upload notification failed",
				"message_id", aws.ToString(m.MessageId),
				"key", event.Key,
				"error", err,
			)
			return
		}
	}

	c.delete(ctx, m)
}

func (c *SQSConsumer) delete(ctx context.Context, m types.Message) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.config.QueueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		slog.Error("failed to delete SQS message",
			"message_id", aws.ToString(m.MessageId),
			"error", err,
		)
	}
}

// Close is a no-op; the SQS client holds no connection.
func (c *SQSConsumer) Close() error {
	return nil
}
