package cache

import (
	"context"
	"time"

	"github.com/hszk-dev/hlspack/internal/domain/model"
)

// StatusCache caches transcoding status lookups.
// Implementations should handle serialization/deserialization transparently.
type StatusCache interface {
	// Get retrieves a cached status by asset ID.
	// Returns nil, nil if the asset is not in cache (cache miss).
	Get(ctx context.Context, assetID string) (*CachedStatus, error)

	// Set stores a status with the specified TTL.
	Set(ctx context.Context, assetID string, status model.Status, ttl time.Duration) error

	// Delete removes a status from cache.
	// Returns nil if the asset was not in cache.
	Delete(ctx context.Context, assetID string) error
}

// CachedStatus is a status read from the cache.
type CachedStatus struct {
	Status   model.Status
	CachedAt time.Time
}
