package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobMessage is the durable queue message that drives one orchestrator
// attempt.
type JobMessage struct {
	AssetID     string    `json:"asset_id"`
	ExecutionID uuid.UUID `json:"execution_id"`
	SourceKey   string    `json:"source_key"`
	Attempt     int       `json:"attempt"`
	NotBefore   time.Time `json:"not_before,omitempty"`
}

// JobQueue defines the durable job queue between the orchestrator's
// admission step and its worker pool.
type JobQueue interface {
	// PublishJob enqueues a job attempt.
	PublishJob(ctx context.Context, msg JobMessage) error

	// ConsumeJobs delivers messages to handler until ctx is cancelled.
	// A handler error re-enqueues the message with Attempt incremented and
	// NotBefore pushed out by the retry backoff.
	ConsumeJobs(ctx context.Context, handler func(ctx context.Context, msg JobMessage) error) error

	// Close gracefully closes the connection to the message queue.
	Close() error
}

// UploadEventSource delivers object-created notifications for uploaded
// source videos.
type UploadEventSource interface {
	// ConsumeUploadEvents calls handler for every object-created record
	// until ctx is cancelled. A handler error leaves the notification to the
	// source's redrive policy.
	ConsumeUploadEvents(ctx context.Context, handler func(ctx context.Context, event UploadEvent) error) error

	// Close releases the source's connections.
	Close() error
}

// UploadEvent is one object-created record of a notification.
type UploadEvent struct {
	Bucket string
	Key    string
}
