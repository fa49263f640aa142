package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hszk-dev/hlspack/internal/domain/model"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
	"github.com/hszk-dev/hlspack/internal/infrastructure/metrics"
)

// Invoker turns upload notifications into transcoding jobs.
type Invoker interface {
	// HandleUploadEvent submits a job for a newly uploaded source video.
	// Objects that are not source videos are ignored. A returned error
	// means the notification should be delivered again.
	HandleUploadEvent(ctx context.Context, event repository.UploadEvent) error
}

type invoker struct {
	storage   repository.ObjectStorage
	submitter JobSubmitter
}

// NewInvoker creates a new Invoker.
func NewInvoker(storage repository.ObjectStorage, submitter JobSubmitter) Invoker {
	return &invoker{
		storage:   storage,
		submitter: submitter,
	}
}

func (i *invoker) HandleUploadEvent(ctx context.Context, event repository.UploadEvent) error {
	job, err := model.NewTranscodingJob(event.Key)
	if err != nil {
		metrics.UploadEventsTotal.WithLabelValues(metrics.ResultIgnored).Inc()
		slog.Info("ignoring object outside the source layout",
			"bucket", event.Bucket,
			"key", event.Key,
		)
		return nil
	}

	info, err := i.storage.Stat(ctx, event.Key)
	if err != nil {
		if errors.Is(err, repository.ErrObjectNotFound) {
			// Deleted or replaced before we got to it; a later event covers it.
			metrics.UploadEventsTotal.WithLabelValues(metrics.ResultIgnored).Inc()
			slog.Warn("uploaded object no longer exists", "key", event.Key)
			return nil
		}
		metrics.UploadEventsTotal.WithLabelValues(metrics.ResultError).Inc()
		return fmt.Errorf("stat %s: %w", event.Key, err)
	}

	if !isVideo(info.ContentType) {
		metrics.UploadEventsTotal.WithLabelValues(metrics.ResultIgnored).Inc()
		slog.Info("ignoring non-video upload",
			"asset_id", job.AssetID,
			"key", event.Key,
			"content_type", info.ContentType,
		)
		return nil
	}

	if err := i.submitter.Submit(ctx, *job); err != nil {
		if errors.Is(err, repository.ErrJobInProgress) {
			metrics.UploadEventsTotal.WithLabelValues(metrics.ResultIgnored).Inc()
			return nil
		}
		metrics.UploadEventsTotal.WithLabelValues(metrics.ResultError).Inc()
		return fmt.Errorf("submit job: %w", err)
	}

	metrics.UploadEventsTotal.WithLabelValues(metrics.ResultSubmitted).Inc()
	return nil
}

func isVideo(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "video/")
}
