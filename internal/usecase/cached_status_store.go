package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hszk-dev/hlspack/internal/domain/model"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
	"github.com/hszk-dev/hlspack/internal/infrastructure/cache"
	"github.com/hszk-dev/hlspack/internal/infrastructure/metrics"
)

// DefaultStatusCacheTTL bounds how stale a cached status may be if an
// invalidation is lost.
const DefaultStatusCacheTTL = 30 * time.Second

// cachedStatusStore wraps a StatusStore with a read-through cache.
// Writes go to the delegate first and then drop the cache entry, so a
// reader never sees a cached status older than the last successful write
// made through this store.
type cachedStatusStore struct {
	delegate repository.StatusStore
	cache    cache.StatusCache
	sfGroup  singleflight.Group

	ttl time.Duration
}

// NewCachedStatusStore creates a StatusStore that serves reads from cache.
func NewCachedStatusStore(delegate repository.StatusStore, statusCache cache.StatusCache, ttl time.Duration) repository.StatusStore {
	if ttl <= 0 {
		ttl = DefaultStatusCacheTTL
	}
	return &cachedStatusStore{
		delegate: delegate,
		cache:    statusCache,
		ttl:      ttl,
	}
}

// GetStatus coalesces concurrent lookups for the same asset.
func (s *cachedStatusStore) GetStatus(ctx context.Context, assetID string) (model.Status, error) {
	result, err, shared := s.sfGroup.Do(assetID, func() (any, error) {
		return s.getStatusWithCache(ctx, assetID)
	})

	if shared {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightShared).Inc()
	} else {
		metrics.SingleflightRequestsTotal.WithLabelValues(metrics.SingleflightInitiated).Inc()
	}

	if err != nil {
		return "", err
	}
	return result.(model.Status), nil
}

func (s *cachedStatusStore) getStatusWithCache(ctx context.Context, assetID string) (model.Status, error) {
	cached, err := s.cache.Get(ctx, assetID)
	if err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusError, metrics.CacheTypeRedis).Inc()
		slog.Warn("cache get failed, falling back to database",
			"asset_id", assetID,
			"error", err,
		)
	}

	if cached != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusHit, metrics.CacheTypeRedis).Inc()
		return cached.Status, nil
	}
	if err == nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpGet, metrics.CacheStatusMiss, metrics.CacheTypeRedis).Inc()
	}

	metrics.DBQueriesTotal.WithLabelValues(metrics.DBQuerySelect, metrics.TableTranscodingStatus).Inc()
	status, err := s.delegate.GetStatus(ctx, assetID)
	if err != nil {
		// Missing rows are not cached; the row may appear at any moment.
		return "", err
	}

	if err := s.cache.Set(ctx, assetID, status, s.ttl); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpSet, metrics.CacheStatusError, metrics.CacheTypeRedis).Inc()
		slog.Warn("failed to cache status",
			"asset_id", assetID,
			"error", err,
		)
	} else {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpSet, metrics.CacheStatusSuccess, metrics.CacheTypeRedis).Inc()
	}

	return status, nil
}

// SetStatus writes through to the delegate and invalidates the entry.
func (s *cachedStatusStore) SetStatus(ctx context.Context, assetID string, status model.Status) error {
	metrics.DBQueriesTotal.WithLabelValues(metrics.DBQueryUpdate, metrics.TableTranscodingStatus).Inc()
	err := s.delegate.SetStatus(ctx, assetID, status)

	// A rejected transition leaves the row as it was, but the cached value
	// may still be behind it.
	if err == nil || errors.Is(err, repository.ErrInvalidTransition) {
		s.invalidate(ctx, assetID)
	}
	return err
}

// RemoveStatus deletes the row and the cache entry. A refused delete also
// drops the entry since the cache may still hold a status from before the
// asset went back to PROCESSING.
func (s *cachedStatusStore) RemoveStatus(ctx context.Context, assetID string) error {
	metrics.DBQueriesTotal.WithLabelValues(metrics.DBQueryDelete, metrics.TableTranscodingStatus).Inc()
	err := s.delegate.RemoveStatus(ctx, assetID)
	if err == nil || errors.Is(err, repository.ErrStatusProcessing) || errors.Is(err, repository.ErrStatusNotFound) {
		s.invalidate(ctx, assetID)
	}
	return err
}

func (s *cachedStatusStore) invalidate(ctx context.Context, assetID string) {
	if err := s.cache.Delete(ctx, assetID); err != nil {
		metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpDelete, metrics.CacheStatusError, metrics.CacheTypeRedis).Inc()
		slog.Warn("failed to invalidate status cache",
			"asset_id", assetID,
			"error", err,
		)
		return
	}
	metrics.CacheOperationsTotal.WithLabelValues(metrics.CacheOpDelete, metrics.CacheStatusSuccess, metrics.CacheTypeRedis).Inc()
}
