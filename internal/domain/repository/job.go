package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/hszk-dev/hlspack/internal/domain/model"
)

// JobRepository persists orchestrator execution records, one per asset.
type JobRepository interface {
	// Admit stores job as the asset's current execution unless a
	// non-terminal execution already exists, in which case it returns
	// ErrJobInProgress and leaves the stored record untouched.
	Admit(ctx context.Context, job *model.Job) error

	// Get returns the asset's job record.
	// Returns ErrJobNotFound if no record exists.
	Get(ctx context.Context, assetID string) (*model.Job, error)

	// Update persists state, attempt, completion set and last error of the
	// execution identified by job.ExecutionID, provided the stored record
	// has not been updated since job was read (job.Version), and then
	// advances job.Version.
	// Returns ErrStaleJob if the execution differs or the record moved on.
	Update(ctx context.Context, job *model.Job) error

	// MarkBranchComplete atomically ORs a completed branch into the
	// execution's completion set and returns the new set.
	MarkBranchComplete(ctx context.Context, assetID string, executionID uuid.UUID, branches model.BranchSet) (model.BranchSet, error)
}
