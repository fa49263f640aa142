package repository

import (
	"context"

	"github.com/hszk-dev/hlspack/internal/domain/model"
)

// StatusStore is the durable AssetID -> Status map consulted by the
// pipeline and by collaborators that mutate assets.
type StatusStore interface {
	// GetStatus returns the asset's current status.
	// Returns ErrStatusNotFound if no row exists.
	GetStatus(ctx context.Context, assetID string) (model.Status, error)

	// SetStatus writes the status if the stored row may transition to it.
	// PROCESSING creates the row when missing. FINISHED requires an
	// existing row and returns ErrStatusNotFound otherwise.
	// Returns ErrInvalidTransition when the stored status forbids the write.
	SetStatus(ctx context.Context, assetID string, status model.Status) error

	// RemoveStatus deletes the asset's row unless it is PROCESSING, in
	// which case it returns ErrStatusProcessing and leaves the row. Returns
	// ErrStatusNotFound if no row exists.
	RemoveStatus(ctx context.Context, assetID string) error
}
