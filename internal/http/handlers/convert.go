package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"atelier/internal/cache"
	"atelier/internal/domain"
)

const (
	maxUploadBytes     = 10 << 20
	maxGenerationCount = 5
	// Rough client-facing estimate, seconds per requested variant.
	estimatedSecondsPerVariant = 30
)

var allowedExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".webp": {},
}

type startConversionResponse struct {
	JobID          string `json:"job_id"`
	Status         string `json:"status"`
	Model          string `json:"model"`
	UsageConsumed  int    `json:"usage_consumed"`
	RemainingQuota int    `json:"remaining_quota"`
	EstimatedTime  int    `json:"estimated_time"`
}

type artifactResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Description string `json:"description,omitempty"`
}

// StartConversion accepts a multipart upload plus generation parameters,
// charges the pre-authorized cost, and enqueues a pending job for the worker.
func (a *App) StartConversion(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid multipart payload or file too large")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "image file required")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if _, ok := allowedExtensions[ext]; !ok {
		a.error(w, http.StatusBadRequest, "bad_request", "unsupported image type, use jpg, jpeg, png or webp")
		return
	}

	prompt := strings.TrimSpace(r.FormValue("prompt"))
	if prompt == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt required")
		return
	}

	count := 1
	if v := r.FormValue("generation_count"); v != "" {
		count, err = strconv.Atoi(v)
		if err != nil || count < 1 || count > maxGenerationCount {
			a.error(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("generation_count must be 1-%d", maxGenerationCount))
			return
		}
	}

	model := r.FormValue("model")
	if model == "" {
		model = a.defaultModel()
	}
	if !domain.SupportedModel(model) {
		a.Log.Warn().Str("user_id", userID).Str("model", model).Msg("convert: unsupported model requested, using default")
		model = a.defaultModel()
	}

	aspect := r.FormValue("aspect_ratio")
	if aspect == "" {
		aspect = domain.DefaultAspectRatio
	}
	if !domain.SupportedAspectRatio(aspect) {
		a.Log.Warn().Str("user_id", userID).Str("aspect_ratio", aspect).Msg("convert: unsupported aspect ratio requested, using default")
		aspect = domain.DefaultAspectRatio
	}

	var presetID *int
	var presetName *string
	if v := r.FormValue("preset_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "preset_id must be an integer")
			return
		}
		presetID = &id
	}
	if v := strings.TrimSpace(r.FormValue("preset_name")); v != "" {
		presetName = &v
	}

	cost := domain.ModelUnitCost(model) * count

	profile, err := a.Quota.EnsureProfile(r.Context(), userID, a.DefaultMonthlyLimit)
	if err != nil {
		a.Log.Error().Err(err).Str("user_id", userID).Msg("convert: loading profile failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to check quota")
		return
	}
	if !profile.CanGenerate(cost) {
		a.json(w, http.StatusForbidden, map[string]any{
			"error":     "quota_exceeded",
			"message":   "monthly generation quota exceeded",
			"remaining": profile.Remaining(),
			"required":  cost,
		})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "failed to read image")
		return
	}

	sourceKey := fmt.Sprintf("uploads/user_%s/%s%s", userID, uuid.NewString(), ext)
	if _, err := a.Blobs.Put(r.Context(), sourceKey, data); err != nil {
		a.Log.Error().Err(err).Str("user_id", userID).Msg("convert: source upload failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to store image")
		return
	}

	job := &domain.ConversionJob{
		ID:              uuid.NewString(),
		UserID:          userID,
		SourceKey:       sourceKey,
		SourceName:      header.Filename,
		SourceSize:      int64(len(data)),
		Prompt:          prompt,
		Model:           model,
		PresetID:        presetID,
		PresetName:      presetName,
		GenerationCount: count,
		UsageConsumed:   cost,
		AspectRatio:     aspect,
		Status:          domain.JobStatusPending,
	}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.Log.Error().Err(err).Str("user_id", userID).Msg("convert: job create failed")
		if _, delErr := a.Blobs.Delete(r.Context(), sourceKey); delErr != nil {
			a.Log.Warn().Err(delErr).Str("key", sourceKey).Msg("convert: orphaned upload cleanup failed")
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}

	if err := a.Ledger.Charge(r.Context(), userID, cost); err != nil {
		a.Log.Error().Err(err).Str("user_id", userID).Str("job_id", job.ID).Msg("convert: quota charge failed")
	}

	a.json(w, http.StatusAccepted, startConversionResponse{
		JobID:          job.ID,
		Status:         string(job.Status),
		Model:          model,
		UsageConsumed:  cost,
		RemainingQuota: profile.Remaining() - cost,
		EstimatedTime:  count * estimatedSecondsPerVariant,
	})
}

// ConversionStatus reports a job's current state, its persisted artifacts,
// and any model-fallback summary cached by the worker.
func (a *App) ConversionStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}

	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil || job.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	var images []artifactResponse
	artifacts, err := a.Artifacts.ListByJob(r.Context(), jobID)
	if err != nil {
		a.Log.Error().Err(err).Str("job_id", jobID).Msg("status: listing artifacts failed")
	} else {
		for _, art := range artifacts {
			images = append(images, artifactResponse{
				ID:          art.ID,
				URL:         art.StorageKey,
				Name:        art.Name,
				Size:        art.SizeBytes,
				Description: art.Description,
			})
		}
	}

	resp := map[string]any{
		"id":               job.ID,
		"status":           job.Status,
		"model":            job.Model,
		"aspect_ratio":     job.AspectRatio,
		"generation_count": job.GenerationCount,
		"usage_consumed":   job.UsageConsumed,
		"created_at":       job.CreatedAt,
		"updated_at":       job.UpdatedAt,
		"images":           images,
	}
	if job.ErrorMessage != nil {
		resp["error_message"] = *job.ErrorMessage
	}
	if job.ProcessingSeconds != nil {
		resp["processing_seconds"] = *job.ProcessingSeconds
	}
	if a.Fallback != nil {
		summary, err := a.Fallback.LoadFallbackSummary(r.Context(), jobID)
		switch {
		case err == nil:
			resp["fallback"] = summary
		case !errors.Is(err, cache.ErrMiss):
			a.Log.Warn().Err(err).Str("job_id", jobID).Msg("status: fallback summary load failed")
		}
	}

	a.json(w, http.StatusOK, resp)
}

// CancelConversion requests cooperative cancellation of one of the caller's
// jobs. Cancelling a finished job is reported, not treated as an error.
func (a *App) CancelConversion(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return
	}

	outcome, err := a.Cancel.RequestCancel(r.Context(), jobID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		a.Log.Error().Err(err).Str("job_id", jobID).Msg("cancel: request failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}

	a.json(w, http.StatusOK, map[string]any{
		"id":               jobID,
		"status":           outcome.Status,
		"already_finished": outcome.AlreadyFinished,
		"refunded":         outcome.Refunded,
	})
}
