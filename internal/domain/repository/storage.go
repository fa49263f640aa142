package repository

import (
	"context"
	"io"
	"time"
)

// ObjectStorage defines the interface for object storage operations.
// Implementations should be provided by the infrastructure layer (e.g., MinIO, S3).
type ObjectStorage interface {
	// GeneratePresignedUploadURL creates a presigned URL for direct client upload.
	// key is the object path within the bucket (e.g., "{asset_id}/video/movie.mp4").
	GeneratePresignedUploadURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// Upload stores an object in the storage, overwriting any existing object.
	Upload(ctx context.Context, key string, reader io.Reader, contentType string) error

	// Download retrieves an object from the storage.
	// Caller is responsible for closing the returned ReadCloser.
	// Returns ErrObjectNotFound if the object does not exist.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns object metadata without fetching its content.
	// Returns ErrObjectNotFound if the object does not exist.
	Stat(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns metadata of every object under prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes an object from the storage.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object under prefix and returns the number
	// of objects removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}
