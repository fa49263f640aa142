package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hszk-dev/hlspack/internal/domain/model"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
)

// StatusStore implements repository.StatusStore using PostgreSQL.
// Every write is conditional on the stored status being an allowed
// predecessor and bumps the row version.
type StatusStore struct {
	db DBTX
}

// NewStatusStore creates a new StatusStore instance.
func NewStatusStore(db DBTX) *StatusStore {
	return &StatusStore{db: db}
}

// GetStatus returns the asset's current status.
func (s *StatusStore) GetStatus(ctx context.Context, assetID string) (model.Status, error) {
	const query = `
		SELECT status
		FROM transcoding_status
		WHERE asset_id = $1
	`

	var status string
	if err := s.db.QueryRow(ctx, query, assetID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", repository.ErrStatusNotFound
		}
		return "", fmt.Errorf("failed to get status: %w", err)
	}

	return model.Status(status), nil
}

// SetStatus writes status if the stored row allows the transition.
func (s *StatusStore) SetStatus(ctx context.Context, assetID string, status model.Status) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", model.ErrInvalidStatus, status)
	}

	var (
		allowed       []string
		createMissing bool
	)
	for _, prev := range status.AllowedFrom() {
		if prev == "" {
			createMissing = true
			continue
		}
		allowed = append(allowed, prev.String())
	}

	if createMissing {
		return s.upsert(ctx, assetID, status, allowed)
	}
	return s.update(ctx, assetID, status, allowed)
}

// upsert creates the row or overwrites a row whose status is in allowed.
func (s *StatusStore) upsert(ctx context.Context, assetID string, status model.Status, allowed []string) error {
	const query = `
		INSERT INTO transcoding_status (asset_id, status, version, updated_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (asset_id) DO UPDATE
		SET status = EXCLUDED.status,
		    version = transcoding_status.version + 1,
		    updated_at = EXCLUDED.updated_at
		WHERE transcoding_status.status = ANY($4)
	`

	tag, err := s.db.Exec(ctx, query, assetID, status.String(), time.Now(), allowed)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: to %s", repository.ErrInvalidTransition, status)
	}

	return nil
}

// update changes an existing row whose status is in allowed.
func (s *StatusStore) update(ctx context.Context, assetID string, status model.Status, allowed []string) error {
	const query = `
		UPDATE transcoding_status
		SET status = $2, version = version + 1, updated_at = $3
		WHERE asset_id = $1 AND status = ANY($4)
	`

	tag, err := s.db.Exec(ctx, query, assetID, status.String(), time.Now(), allowed)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}

	if tag.RowsAffected() > 0 {
		return nil
	}

	exists, err := s.exists(ctx, assetID)
	if err != nil {
		return err
	}
	if !exists {
		return repository.ErrStatusNotFound
	}
	return fmt.Errorf("%w: to %s", repository.ErrInvalidTransition, status)
}

func (s *StatusStore) exists(ctx context.Context, assetID string) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM transcoding_status WHERE asset_id = $1)`

	var exists bool
	if err := s.db.QueryRow(ctx, query, assetID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check status row: %w", err)
	}
	return exists, nil
}

// RemoveStatus deletes the asset's row unless it is PROCESSING. The
// status check and the delete are one statement.
func (s *StatusStore) RemoveStatus(ctx context.Context, assetID string) error {
	const query = `DELETE FROM transcoding_status WHERE asset_id = $1 AND status <> $2`

	tag, err := s.db.Exec(ctx, query, assetID, model.StatusProcessing.String())
	if err != nil {
		return fmt.Errorf("failed to remove status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	exists, err := s.exists(ctx, assetID)
	if err != nil {
		return err
	}
	if !exists {
		return repository.ErrStatusNotFound
	}
	return repository.ErrStatusProcessing
}

// Compile-time verification that StatusStore implements repository.StatusStore.
var _ repository.StatusStore = (*StatusStore)(nil)
