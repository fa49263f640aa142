package usecase

import (
	"bytes"
	"context"
	"fmt"

	"github.com/hszk-dev/hlspack/internal/domain/model"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
	"github.com/hszk-dev/hlspack/internal/transcoder"
)

// PlaylistComposer marks an asset as in flight and publishes its master
// playlist once every rendition exists.
type PlaylistComposer interface {
	// Begin records the asset as PROCESSING.
	Begin(ctx context.Context, assetID string) error

	// Publish uploads {assetId}/index.m3u8 for the configured ladder.
	Publish(ctx context.Context, assetID string) (*model.BranchResult, error)
}

type playlistComposer struct {
	status  repository.StatusStore
	storage repository.ObjectStorage
	ladder  model.Ladder
}

// NewPlaylistComposer creates a PlaylistComposer for ladder.
func NewPlaylistComposer(status repository.StatusStore, storage repository.ObjectStorage, ladder model.Ladder) PlaylistComposer {
	return &playlistComposer{
		status:  status,
		storage: storage,
		ladder:  ladder,
	}
}

func (c *playlistComposer) Begin(ctx context.Context, assetID string) error {
	if err := c.status.SetStatus(ctx, assetID, model.StatusProcessing); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	return nil
}

func (c *playlistComposer) Publish(ctx context.Context, assetID string) (*model.BranchResult, error) {
	key := model.MasterPlaylistKey(assetID)
	body := transcoder.RenderMasterPlaylist(c.ladder)

	if err := c.storage.Upload(ctx, key, bytes.NewReader(body), contentTypePlaylist); err != nil {
		return nil, fmt.Errorf("upload master playlist: %w", err)
	}

	return &model.BranchResult{
		Branch:  model.PlaylistBranch,
		AssetID: assetID,
		Keys:    []string{key},
	}, nil
}
