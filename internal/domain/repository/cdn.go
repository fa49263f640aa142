package repository

import "context"

// CDNInvalidator purges cached paths from the content-delivery layer.
type CDNInvalidator interface {
	// Invalidate requests removal of the given path patterns and returns
	// the provider's invalidation ID.
	Invalidate(ctx context.Context, paths ...string) (string, error)
}
