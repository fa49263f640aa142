package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hszk-dev/hlspack/internal/domain/model"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
)

// JobRepository implements repository.JobRepository using PostgreSQL.
type JobRepository struct {
	db DBTX
}

// NewJobRepository creates a new JobRepository instance.
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

// Admit inserts the job, or replaces a terminal record for the same asset.
// A non-terminal record is left untouched and ErrJobInProgress returned.
func (r *JobRepository) Admit(ctx context.Context, job *model.Job) error {
	const query = `
		INSERT INTO transcoding_jobs (
			asset_id, execution_id, source_key, state, attempt,
			completed_branches, last_error, submitted_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (asset_id) DO UPDATE
		SET execution_id = EXCLUDED.execution_id,
		    source_key = EXCLUDED.source_key,
		    state = EXCLUDED.state,
		    attempt = EXCLUDED.attempt,
		    completed_branches = EXCLUDED.completed_branches,
		    last_error = EXCLUDED.last_error,
		    submitted_at = EXCLUDED.submitted_at,
		    updated_at = EXCLUDED.updated_at,
		    version = 0
		WHERE transcoding_jobs.state IN ('SUCCEEDED', 'FAILED')
	`

	tag, err := r.db.Exec(ctx, query,
		job.AssetID,
		job.ExecutionID,
		job.SourceKey,
		job.State.String(),
		job.Attempt,
		int64(job.CompletedBranches),
		job.LastError,
		job.SubmittedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to admit job: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return repository.ErrJobInProgress
	}

	return nil
}

// Get retrieves the asset's job record.
func (r *JobRepository) Get(ctx context.Context, assetID string) (*model.Job, error) {
	const query = `
		SELECT asset_id, execution_id, source_key, state, attempt,
		       completed_branches, last_error, submitted_at, updated_at, version
		FROM transcoding_jobs
		WHERE asset_id = $1
	`

	var (
		job      model.Job
		state    string
		branches int64
	)

	err := r.db.QueryRow(ctx, query, assetID).Scan(
		&job.AssetID,
		&job.ExecutionID,
		&job.SourceKey,
		&state,
		&job.Attempt,
		&branches,
		&job.LastError,
		&job.SubmittedAt,
		&job.UpdatedAt,
		&job.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.State = model.JobState(state)
	job.CompletedBranches = model.BranchSet(branches)

	return &job, nil
}

// Update persists the mutable fields of the job's execution if the stored
// record is still at job.Version, and advances job.Version on success.
// Completion bits written by MarkBranchComplete do not move the version.
func (r *JobRepository) Update(ctx context.Context, job *model.Job) error {
	const query = `
		UPDATE transcoding_jobs
		SET state = $3, attempt = $4, completed_branches = $5, last_error = $6,
		    updated_at = $7, version = version + 1
		WHERE asset_id = $1 AND execution_id = $2 AND version = $8
	`

	job.UpdatedAt = time.Now()

	tag, err := r.db.Exec(ctx, query,
		job.AssetID,
		job.ExecutionID,
		job.State.String(),
		job.Attempt,
		int64(job.CompletedBranches),
		job.LastError,
		job.UpdatedAt,
		job.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return repository.ErrStaleJob
	}

	job.Version++
	return nil
}

// MarkBranchComplete ORs branches into the stored completion set.
func (r *JobRepository) MarkBranchComplete(ctx context.Context, assetID string, executionID uuid.UUID, branches model.BranchSet) (model.BranchSet, error) {
	const query = `
		UPDATE transcoding_jobs
		SET completed_branches = completed_branches | $3, updated_at = $4
		WHERE asset_id = $1 AND execution_id = $2
		RETURNING completed_branches
	`

	var completed int64
	err := r.db.QueryRow(ctx, query, assetID, executionID, int64(branches), time.Now()).Scan(&completed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrStaleJob
		}
		return 0, fmt.Errorf("failed to mark branch complete: %w", err)
	}

	return model.BranchSet(completed), nil
}

// Compile-time verification that JobRepository implements repository.JobRepository.
var _ repository.JobRepository = (*JobRepository)(nil)
