package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hszk-dev/hlspack/internal/domain/model"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
)

var (
	// ErrAssetNotReady is returned when an asset cannot be mutated because
	// its renditions are still being produced.
	ErrAssetNotReady = errors.New("asset is still processing")

	// ErrEmptyFileName is returned when an upload is requested without a
	// source file name.
	ErrEmptyFileName = errors.New("file name cannot be empty")
)

// CreateUploadOutput contains the result of CreateUpload.
type CreateUploadOutput struct {
	AssetID   string
	SourceKey string
	UploadURL string
	ExpiresAt time.Time
}

// AssetView is the read model of an asset's transcoding state.
type AssetView struct {
	AssetID     string
	Status      model.Status
	PlaybackURL string
}

// AssetService is the collaborator-facing side of the pipeline: it hands
// out upload URLs and guards mutations of assets that are in flight.
type AssetService interface {
	// CreateUpload allocates an asset ID and a presigned URL for its source.
	CreateUpload(ctx context.Context, fileName string) (*CreateUploadOutput, error)

	// GetAsset returns the asset's status and, once finished, its playback URL.
	GetAsset(ctx context.Context, assetID string) (*AssetView, error)

	// GetJob returns the asset's current execution record.
	GetJob(ctx context.Context, assetID string) (*model.Job, error)

	// CheckMutable returns nil if the asset may be changed, ErrAssetNotReady
	// while it is PROCESSING and ErrStatusNotFound if it has no status.
	CheckMutable(ctx context.Context, assetID string) error

	// DeleteAsset removes every object of a mutable asset and its status,
	// returning the number of objects removed.
	DeleteAsset(ctx context.Context, assetID string) (int, error)
}

// AssetServiceConfig holds configuration for AssetService.
type AssetServiceConfig struct {
	UploadURLExpiry time.Duration
	// CDNBaseURL is the base URL playback URLs are built on.
	CDNBaseURL string
}

// DefaultAssetServiceConfig returns the default configuration.
func DefaultAssetServiceConfig() AssetServiceConfig {
	return AssetServiceConfig{
		UploadURLExpiry: 15 * time.Minute,
		CDNBaseURL:      "http://localhost:8081",
	}
}

type assetService struct {
	status  repository.StatusStore
	guard   repository.StatusStore
	jobs    repository.JobRepository
	storage repository.ObjectStorage

	uploadURLExpiry time.Duration
	cdnBaseURL      string
}

// NewAssetService creates a new AssetService instance. status serves reads
// and writes and may be cached; guard must be the uncached store, since
// mutation checks cannot act on a stale status.
func NewAssetService(
	status repository.StatusStore,
	guard repository.StatusStore,
	jobs repository.JobRepository,
	storage repository.ObjectStorage,
	cfg AssetServiceConfig,
) AssetService {
	return &assetService{
		status:          status,
		guard:           guard,
		jobs:            jobs,
		storage:         storage,
		uploadURLExpiry: cfg.UploadURLExpiry,
		cdnBaseURL:      strings.TrimSuffix(cfg.CDNBaseURL, "/"),
	}
}

func (s *assetService) CreateUpload(ctx context.Context, fileName string) (*CreateUploadOutput, error) {
	if strings.TrimSpace(fileName) == "" {
		return nil, ErrEmptyFileName
	}

	assetID := uuid.New().String()
	key := model.SourceKey(assetID, fileName)

	uploadURL, err := s.storage.GeneratePresignedUploadURL(ctx, key, s.uploadURLExpiry)
	if err != nil {
		return nil, fmt.Errorf("generate presigned upload URL: %w", err)
	}

	return &CreateUploadOutput{
		AssetID:   assetID,
		SourceKey: key,
		UploadURL: uploadURL,
		ExpiresAt: time.Now().Add(s.uploadURLExpiry),
	}, nil
}

func (s *assetService) GetAsset(ctx context.Context, assetID string) (*AssetView, error) {
	if err := model.ValidateAssetID(assetID); err != nil {
		return nil, err
	}

	status, err := s.status.GetStatus(ctx, assetID)
	if err != nil {
		return nil, err
	}

	view := &AssetView{AssetID: assetID, Status: status}
	if status == model.StatusFinished {
		view.PlaybackURL = s.cdnBaseURL + "/" + model.MasterPlaylistKey(assetID)
	}
	return view, nil
}

func (s *assetService) GetJob(ctx context.Context, assetID string) (*model.Job, error) {
	if err := model.ValidateAssetID(assetID); err != nil {
		return nil, err
	}
	return s.jobs.Get(ctx, assetID)
}

func (s *assetService) CheckMutable(ctx context.Context, assetID string) error {
	if err := model.ValidateAssetID(assetID); err != nil {
		return err
	}

	status, err := s.guard.GetStatus(ctx, assetID)
	if err != nil {
		return err
	}
	if status.IsProcessing() {
		return ErrAssetNotReady
	}
	return nil
}

// DeleteAsset removes the objects before the status row so that a partial
// failure leaves the asset guarded and the delete can be repeated. The row
// is removed only if it is still not PROCESSING; an asset re-uploaded after
// the check keeps its row and the delete reports ErrAssetNotReady.
func (s *assetService) DeleteAsset(ctx context.Context, assetID string) (int, error) {
	if err := s.CheckMutable(ctx, assetID); err != nil {
		return 0, err
	}

	removed, err := s.storage.DeletePrefix(ctx, model.OutputPrefix(assetID))
	if err != nil {
		return removed, fmt.Errorf("delete objects: %w", err)
	}

	if err := s.status.RemoveStatus(ctx, assetID); err != nil {
		switch {
		case errors.Is(err, repository.ErrStatusProcessing):
			return removed, ErrAssetNotReady
		case errors.Is(err, repository.ErrStatusNotFound):
			return removed, err
		}
		return removed, fmt.Errorf("remove status: %w", err)
	}

	slog.Info("asset deleted", "asset_id", assetID, "objects", removed)
	return removed, nil
}
