package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hszk-dev/hlspack/internal/domain/model"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
	"github.com/hszk-dev/hlspack/internal/transcoder"
)

const (
	contentTypePlaylist = "application/vnd.apple.mpegurl"
	contentTypeSegment  = "video/mp2t"
)

// RenditionService produces one rendition of an asset end to end.
type RenditionService interface {
	// TranscodeRendition fetches the source, encodes it per spec and uploads
	// the variant playlist and segments under the asset prefix.
	TranscodeRendition(ctx context.Context, job model.TranscodingJob, spec model.RenditionSpec) (*model.BranchResult, error)
}

type renditionService struct {
	storage    repository.ObjectStorage
	transcoder transcoder.Transcoder
	tempDir    string
}

// NewRenditionService creates a RenditionService. Scratch directories are
// created under tempDir, or the OS temp dir when empty.
func NewRenditionService(storage repository.ObjectStorage, tc transcoder.Transcoder, tempDir string) RenditionService {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &renditionService{
		storage:    storage,
		transcoder: tc,
		tempDir:    tempDir,
	}
}

// TranscodeRendition runs in its own scratch directory so branches of the
// same asset never share local files. The directory is removed on return.
func (s *renditionService) TranscodeRendition(ctx context.Context, job model.TranscodingJob, spec model.RenditionSpec) (*model.BranchResult, error) {
	workDir, err := os.MkdirTemp(s.tempDir, fmt.Sprintf("hlspack-%s-%s-", job.AssetID, spec.Name))
	if err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	defer s.cleanup(workDir)

	inputPath, err := s.downloadSource(ctx, job.SourceKey, workDir)
	if err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}

	outputDir := filepath.Join(workDir, "out")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	output, err := s.transcoder.TranscodeRendition(ctx, inputPath, outputDir, spec)
	if err != nil {
		return nil, fmt.Errorf("transcode %s: %w", spec.Name, err)
	}

	keys, err := s.uploadRendition(ctx, job.AssetID, output)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", spec.Name, err)
	}

	return &model.BranchResult{
		Branch:  spec.Name,
		AssetID: job.AssetID,
		Keys:    keys,
	}, nil
}

func (s *renditionService) cleanup(workDir string) {
	if err := os.RemoveAll(workDir); err != nil {
		slog.Warn("failed to remove work directory", "dir", workDir, "error", err)
	}
}

func (s *renditionService) downloadSource(ctx context.Context, key, workDir string) (string, error) {
	reader, err := s.storage.Download(ctx, key)
	if err != nil {
		return "", fmt.Errorf("storage download: %w", err)
	}
	defer func() { _ = reader.Close() }()

	filename := filepath.Base(key)
	if filename == "." || filename == "/" {
		filename = "source"
	}

	localPath := filepath.Join(workDir, filename)
	file, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create local file: %w", err)
	}

	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("copy to local file: %w", err)
	}

	if err := file.Close(); err != nil {
		return "", fmt.Errorf("close local file: %w", err)
	}

	return localPath, nil
}

// uploadRendition uploads the segments first and the variant playlist last,
// so a published playlist never references a missing segment.
func (s *renditionService) uploadRendition(ctx context.Context, assetID string, output *transcoder.RenditionOutput) ([]string, error) {
	prefix := model.OutputPrefix(assetID)
	keys := make([]string, 0, len(output.SegmentPaths)+1)

	for _, segmentPath := range output.SegmentPaths {
		key := prefix + filepath.Base(segmentPath)
		if err := s.uploadFile(ctx, segmentPath, key, contentTypeSegment); err != nil {
			return nil, fmt.Errorf("upload segment %s: %w", filepath.Base(segmentPath), err)
		}
		keys = append(keys, key)
	}

	playlistKey := prefix + filepath.Base(output.PlaylistPath)
	if err := s.uploadFile(ctx, output.PlaylistPath, playlistKey, contentTypePlaylist); err != nil {
		return nil, fmt.Errorf("upload playlist: %w", err)
	}
	keys = append(keys, playlistKey)

	return keys, nil
}

func (s *renditionService) uploadFile(ctx context.Context, localPath, key, contentType string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if err := s.storage.Upload(ctx, key, file, contentType); err != nil {
		return fmt.Errorf("storage upload: %w", err)
	}
	return nil
}
