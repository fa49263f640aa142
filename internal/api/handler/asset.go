package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hszk-dev/hlspack/internal/api/middleware"
	"github.com/hszk-dev/hlspack/internal/domain/model"
	"github.com/hszk-dev/hlspack/internal/domain/repository"
	"github.com/hszk-dev/hlspack/internal/usecase"
)

// Request/Response types

type CreateUploadRequest struct {
	FileName string `json:"file_name"`
}

type CreateUploadResponse struct {
	AssetID   string `json:"asset_id"`
	SourceKey string `json:"source_key"`
	UploadURL string `json:"upload_url"`
	ExpiresAt string `json:"expires_at"`
}

type AssetStatusResponse struct {
	AssetID     string `json:"asset_id"`
	Status      string `json:"status"`
	PlaybackURL string `json:"playback_url,omitempty"`
}

type JobResponse struct {
	AssetID           string   `json:"asset_id"`
	ExecutionID       string   `json:"execution_id"`
	SourceKey         string   `json:"source_key"`
	State             string   `json:"state"`
	Attempt           int      `json:"attempt"`
	CompletedBranches []string `json:"completed_branches"`
	LastError         string   `json:"last_error,omitempty"`
	SubmittedAt       string   `json:"submitted_at"`
	UpdatedAt         string   `json:"updated_at"`
}

type DeleteAssetResponse struct {
	AssetID        string `json:"asset_id"`
	ObjectsRemoved int    `json:"objects_removed"`
}

// AssetHandler handles asset-related HTTP requests.
type AssetHandler struct {
	svc    usecase.AssetService
	ladder model.Ladder
}

// NewAssetHandler creates a new AssetHandler. ladder names the bits of a
// job's completion set in responses.
func NewAssetHandler(svc usecase.AssetService, ladder model.Ladder) *AssetHandler {
	return &AssetHandler{svc: svc, ladder: ladder}
}

// CreateUpload handles POST /v1/assets
func (h *AssetHandler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	var req CreateUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if req.FileName == "" {
		Error(w, http.StatusBadRequest, "invalid_file_name", "File name is required")
		return
	}

	out, err := h.svc.CreateUpload(r.Context(), req.FileName)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	JSON(w, http.StatusCreated, CreateUploadResponse{
		AssetID:   out.AssetID,
		SourceKey: out.SourceKey,
		UploadURL: out.UploadURL,
		ExpiresAt: out.ExpiresAt.Format(time.RFC3339),
	})
}

// GetStatus handles GET /v1/assets/{id}/status
func (h *AssetHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.GetAsset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, AssetStatusResponse{
		AssetID:     view.AssetID,
		Status:      view.Status.String(),
		PlaybackURL: view.PlaybackURL,
	})
}

// GetJob handles GET /v1/assets/{id}/job
func (h *AssetHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, h.toJobResponse(job))
}

// Delete handles DELETE /v1/assets/{id}
func (h *AssetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	assetID := chi.URLParam(r, "id")

	removed, err := h.svc.DeleteAsset(r.Context(), assetID)
	if err != nil {
		h.handleServiceError(w, r, err)
		return
	}

	JSON(w, http.StatusOK, DeleteAssetResponse{
		AssetID:        assetID,
		ObjectsRemoved: removed,
	})
}

func (h *AssetHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, usecase.ErrAssetNotReady):
		Error(w, http.StatusConflict, "asset_not_ready", "Asset is still being transcoded")
	case errors.Is(err, repository.ErrStatusNotFound):
		Error(w, http.StatusNotFound, "status_not_found", "Asset has no transcoding status")
	case errors.Is(err, repository.ErrJobNotFound):
		Error(w, http.StatusNotFound, "job_not_found", "Asset has no transcoding job")
	case errors.Is(err, model.ErrEmptyAssetID), errors.Is(err, model.ErrInvalidSourceKey):
		Error(w, http.StatusBadRequest, "invalid_asset_id", "Asset ID is invalid")
	case errors.Is(err, usecase.ErrEmptyFileName):
		Error(w, http.StatusBadRequest, "invalid_file_name", "File name is required")
	default:
		middleware.LoggerFrom(r.Context()).Error("request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}

func (h *AssetHandler) toJobResponse(j *model.Job) JobResponse {
	completed := make([]string, 0, j.CompletedBranches.Count())
	for i, r := range h.ladder {
		if j.CompletedBranches.HasRendition(i) {
			completed = append(completed, r.Name)
		}
	}
	if j.CompletedBranches.HasPlaylist() {
		completed = append(completed, model.PlaylistBranch)
	}

	return JobResponse{
		AssetID:           j.AssetID,
		ExecutionID:       j.ExecutionID.String(),
		SourceKey:         j.SourceKey,
		State:             j.State.String(),
		Attempt:           j.Attempt,
		CompletedBranches: completed,
		LastError:         j.LastError,
		SubmittedAt:       j.SubmittedAt.Format(time.RFC3339),
		UpdatedAt:         j.UpdatedAt.Format(time.RFC3339),
	}
}
