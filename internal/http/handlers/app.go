package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"atelier/internal/domain"
	"atelier/internal/middleware"
	"atelier/internal/pipeline"
	"atelier/internal/quota"
	"atelier/internal/storage"
)

// UsageCache is the read-through cache for usage views. May be absent.
type UsageCache interface {
	GetUsageSummary(ctx context.Context, userID string, dest any) error
	SetUsageSummary(ctx context.Context, userID string, value any) error
	GetUsageHistory(ctx context.Context, userID string, months int, dest any) error
	SetUsageHistory(ctx context.Context, userID string, months int, value any) error
}

// FallbackReader surfaces a job's cached model-fallback summary on status polls.
type FallbackReader interface {
	LoadFallbackSummary(ctx context.Context, jobID string) (*domain.FallbackSummary, error)
}

type App struct {
	Jobs      domain.ConversionRepository
	Artifacts domain.ArtifactRepository
	Quota     domain.QuotaRepository
	Ledger    *quota.Ledger
	Blobs     storage.BlobStore
	Cancel    *pipeline.Coordinator
	Usage     UsageCache
	Fallback  FallbackReader
	Log       zerolog.Logger

	DefaultMonthlyLimit int
	DefaultModel        string
}

// defaultModel resolves the deployment's configured default model, falling
// back to the built-in one when unset or unknown.
func (a *App) defaultModel() string {
	if a.DefaultModel != "" && domain.SupportedModel(a.DefaultModel) {
		return a.DefaultModel
	}
	return domain.DefaultModel
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]string{"error": code, "message": message})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
