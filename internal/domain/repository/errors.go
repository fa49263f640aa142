package repository

import "errors"

var (
	// ErrStatusNotFound is returned when an asset has no transcoding status row.
	ErrStatusNotFound = errors.New("transcoding status not found")

	// ErrInvalidTransition is returned when a conditional status write finds
	// the row in a state it may not replace.
	ErrInvalidTransition = errors.New("invalid transcoding status transition")

	// ErrStatusProcessing is returned when a status row cannot be removed
	// because the asset is being processed.
	ErrStatusProcessing = errors.New("transcoding status is processing")

	// ErrJobNotFound is returned when an asset has no job record.
	ErrJobNotFound = errors.New("transcoding job not found")

	// ErrJobInProgress is returned when a job is submitted for an asset that
	// already has a non-terminal execution.
	ErrJobInProgress = errors.New("transcoding job already in progress")

	// ErrStaleJob is returned when a job update targets an execution that is
	// no longer the current one for the asset.
	ErrStaleJob = errors.New("transcoding job execution is stale")

	// ErrObjectNotFound is returned when an object does not exist in storage.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")
)
