package usecase

import (
	"context"
	"log/slog"

	"github.com/hszk-dev/hlspack/internal/domain/model"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
	"github.com/hszk-dev/hlspack/internal/infrastructure/metrics"
)

// Finalizer publishes the end of processing. Nothing it does can fail the
// job: every error is logged and dropped.
type Finalizer interface {
	Finalize(ctx context.Context, result model.JoinResult)
}

type finalizer struct {
	status repository.StatusStore
	cdn    repository.CDNInvalidator
}

// NewFinalizer creates a Finalizer. status should be the cached store so
// the FINISHED write also drops the cached PROCESSING entry.
func NewFinalizer(status repository.StatusStore, cdn repository.CDNInvalidator) Finalizer {
	return &finalizer{
		status: status,
		cdn:    cdn,
	}
}

func (f *finalizer) Finalize(ctx context.Context, result model.JoinResult) {
	assetID := result.AssetID()
	if assetID == "" {
		slog.Error("join result carries no asset id", "branches", len(result))
		return
	}

	if err := f.status.SetStatus(ctx, assetID, model.StatusFinished); err != nil {
		slog.Error("failed to mark asset finished",
			"asset_id", assetID,
			"error", err,
		)
	}

	path := model.InvalidationPath(assetID)
	id, err := f.cdn.Invalidate(ctx, path)
	if err != nil {
		metrics.CDNInvalidationsTotal.WithLabelValues(metrics.ResultError).Inc()
		slog.Error("failed to invalidate CDN",
			"asset_id", assetID,
			"path", path,
			"error", err,
		)
		return
	}

	metrics.CDNInvalidationsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	slog.Info("asset finalized",
		"asset_id", assetID,
		"invalidation_id", id,
	)
}
