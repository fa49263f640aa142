package model

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Source objects are uploaded as "<assetId>/video/<filename>".
const sourceSegment = "video"

// MasterPlaylistName is the object name of the master manifest under the
// asset prefix.
const MasterPlaylistName = "index.m3u8"

var (
	ErrEmptyAssetID     = errors.New("asset ID cannot be empty")
	ErrInvalidSourceKey = errors.New("source key must have the form <assetId>/video/<filename>")
)

// TranscodingJob is the unit of work handed from the invoker to the
// orchestrator.
type TranscodingJob struct {
	AssetID     string
	SourceKey   string
	SubmittedAt time.Time
}

// NewTranscodingJob builds a job from an uploaded source key.
func NewTranscodingJob(sourceKey string) (*TranscodingJob, error) {
	assetID, err := AssetIDFromSourceKey(sourceKey)
	if err != nil {
		return nil, err
	}
	return &TranscodingJob{
		AssetID:     assetID,
		SourceKey:   sourceKey,
		SubmittedAt: time.Now(),
	}, nil
}

// AssetIDFromSourceKey extracts the asset ID from "<assetId>/video/<filename>".
func AssetIDFromSourceKey(key string) (string, error) {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	if len(parts) != 3 || parts[1] != sourceSegment {
		return "", fmt.Errorf("%w: %q", ErrInvalidSourceKey, key)
	}
	if parts[0] == "" || parts[2] == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidSourceKey, key)
	}
	return parts[0], nil
}

// SourceKey returns the upload key for a source file of an asset.
func SourceKey(assetID, filename string) string {
	return path.Join(assetID, sourceSegment, path.Base(filename))
}

// OutputPrefix returns the object key prefix every rendition and the master
// playlist of an asset are written under.
func OutputPrefix(assetID string) string {
	return assetID + "/"
}

// MasterPlaylistKey returns the object key of the asset's master playlist.
func MasterPlaylistKey(assetID string) string {
	return OutputPrefix(assetID) + MasterPlaylistName
}

// InvalidationPath returns the CDN path pattern covering every object of an
// asset.
func InvalidationPath(assetID string) string {
	return "/" + assetID + "/*"
}

// ValidateAssetID checks that id can be used as a single key segment.
func ValidateAssetID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptyAssetID
	}
	if strings.ContainsAny(id, "/*") {
		return fmt.Errorf("%w: %q contains reserved characters", ErrInvalidSourceKey, id)
	}
	return nil
}
