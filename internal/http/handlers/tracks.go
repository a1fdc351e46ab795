package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"trackforge/internal/domain"
	"trackforge/internal/middleware"
)

type trackGenerateRequest struct {
	Title        string `json:"title"`
	Tags         string `json:"tags"`
	Lyrics       string `json:"lyrics"`
	Instrumental bool   `json:"instrumental"`
	ModelVersion string `json:"model_version"`
}

type trackResponse struct {
	JobID         string              `json:"job_id"`
	State         string              `json:"state"`
	Country       string              `json:"country,omitempty"`
	Result        *domain.TrackResult `json:"result,omitempty"`
	PlaybackID    string              `json:"playback_id,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	CreatedAt     string              `json:"created_at"`
	UpdatedAt     string              `json:"updated_at"`
}

func toTrackResponse(job *domain.GenerationJob) trackResponse {
	return trackResponse{
		JobID:         job.ID,
		State:         string(job.State),
		Country:       job.Country,
		Result:        job.PrimaryResult,
		PlaybackID:    job.PlaybackID,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:     job.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (a *App) TracksGenerate(w http.ResponseWriter, r *http.Request) {
	ownerID := a.currentOwnerID(r)
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner context")
		return
	}
	var req trackGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	params := domain.TrackParams{
		Title:        strings.TrimSpace(req.Title),
		Tags:         strings.TrimSpace(req.Tags),
		Lyrics:       req.Lyrics,
		Instrumental: req.Instrumental,
		ModelVersion: strings.TrimSpace(req.ModelVersion),
	}
	if params.Tags == "" && strings.TrimSpace(params.Lyrics) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "tags or lyrics required")
		return
	}
	country := middleware.CountryFromContext(r.Context())

	job, err := a.Generator.SubmitJob(r.Context(), ownerID, params, country)
	switch {
	case errors.Is(err, domain.ErrDuplicateSubmission):
		// The caller gets the in-flight job back instead of a second charge.
		a.json(w, http.StatusConflict, toTrackResponse(job))
		return
	case errors.Is(err, domain.ErrQuotaExceeded):
		a.error(w, http.StatusForbidden, "quota_exceeded", err.Error())
		return
	case errors.Is(err, domain.ErrRemoteSubmission):
		a.error(w, http.StatusBadGateway, "provider_error", "generation provider rejected the request")
		return
	case err != nil:
		a.Logger.Error().Err(err).Str("owner_id", ownerID).Msg("tracks: submit failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to submit generation")
		return
	}
	a.json(w, http.StatusAccepted, toTrackResponse(job))
}

// TrackStatus is the pull half of the completion protocol. Reading status for
// a generating job triggers a provider poll, so a completion the webhook
// missed is picked up here.
func (a *App) TrackStatus(w http.ResponseWriter, r *http.Request) {
	ownerID := a.currentOwnerID(r)
	if ownerID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing owner context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil || job.OwnerID != ownerID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	job, err = a.Generator.Poll(r.Context(), jobID)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("tracks: poll failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job status")
		return
	}
	a.json(w, http.StatusOK, toTrackResponse(job))
}
