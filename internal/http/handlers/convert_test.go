package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"atelier/internal/broadcast"
	"atelier/internal/cache"
	"atelier/internal/domain"
	"atelier/internal/middleware"
	"atelier/internal/pipeline"
	"atelier/internal/quota"
)

type stubJobs struct {
	jobs    map[string]*domain.ConversionJob
	history []domain.MonthlyUsage
}

func newStubJobs() *stubJobs {
	return &stubJobs{jobs: make(map[string]*domain.ConversionJob)}
}

func (s *stubJobs) Create(ctx context.Context, job *domain.ConversionJob) error {
	s.jobs[job.ID] = job
	return nil
}

func (s *stubJobs) GetByID(ctx context.Context, jobID string) (*domain.ConversionJob, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (s *stubJobs) BeginProcessing(ctx context.Context, jobID string) (*domain.ConversionJob, error) {
	return s.GetByID(ctx, jobID)
}

func (s *stubJobs) Status(ctx context.Context, jobID string) (domain.JobStatus, error) {
	job, err := s.GetByID(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

func (s *stubJobs) CompleteIfProcessing(ctx context.Context, jobID string, seconds float64) (bool, error) {
	return false, nil
}

func (s *stubJobs) FailIfActive(ctx context.Context, jobID string, errMsg string) (bool, error) {
	return false, nil
}

func (s *stubJobs) CancelIfActive(ctx context.Context, jobID string) (*domain.ConversionJob, bool, error) {
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false, domain.ErrNotFound
	}
	snapshot := *job
	if job.Status.IsTerminal() {
		return &snapshot, false, nil
	}
	job.Status = domain.JobStatusCancelled
	return &snapshot, true, nil
}

func (s *stubJobs) UpdateReconciliation(ctx context.Context, jobID string, usageConsumed int, model string) error {
	return nil
}

func (s *stubJobs) ScheduleRetry(ctx context.Context, jobID string, at time.Time) (bool, error) {
	return false, nil
}

func (s *stubJobs) ClaimDue(ctx context.Context, visibility time.Duration) (string, error) {
	return "", domain.ErrNotFound
}

func (s *stubJobs) UsageHistory(ctx context.Context, userID string, months int) ([]domain.MonthlyUsage, error) {
	return s.history, nil
}

type stubArtifacts struct {
	artifacts map[string][]domain.GeneratedArtifact
}

func newStubArtifacts() *stubArtifacts {
	return &stubArtifacts{artifacts: make(map[string][]domain.GeneratedArtifact)}
}

func (s *stubArtifacts) Insert(ctx context.Context, artifact *domain.GeneratedArtifact) error {
	s.artifacts[artifact.JobID] = append(s.artifacts[artifact.JobID], *artifact)
	return nil
}

func (s *stubArtifacts) ListByJob(ctx context.Context, jobID string) ([]domain.GeneratedArtifact, error) {
	return s.artifacts[jobID], nil
}

func (s *stubArtifacts) Delete(ctx context.Context, artifactID string) error {
	return nil
}

func (s *stubArtifacts) DeleteByJob(ctx context.Context, jobID string) error {
	delete(s.artifacts, jobID)
	return nil
}

type stubQuota struct {
	profiles map[string]*domain.UserProfile
}

func newStubQuota() *stubQuota {
	return &stubQuota{profiles: make(map[string]*domain.UserProfile)}
}

func (s *stubQuota) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	p, ok := s.profiles[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *stubQuota) EnsureProfile(ctx context.Context, userID string, defaultLimit int) (*domain.UserProfile, error) {
	p, ok := s.profiles[userID]
	if !ok {
		p = &domain.UserProfile{UserID: userID, MonthlyLimit: defaultLimit}
		s.profiles[userID] = p
	}
	copied := *p
	return &copied, nil
}

func (s *stubQuota) AddUsed(ctx context.Context, userID string, amount int) (bool, error) {
	p, ok := s.profiles[userID]
	if !ok {
		return false, nil
	}
	p.MonthlyUsed += amount
	return true, nil
}

func (s *stubQuota) SubtractUsedClamped(ctx context.Context, userID string, amount int) (bool, error) {
	p, ok := s.profiles[userID]
	if !ok {
		return false, nil
	}
	p.MonthlyUsed -= amount
	if p.MonthlyUsed < 0 {
		p.MonthlyUsed = 0
	}
	return true, nil
}

func (s *stubQuota) ResetAllUsage(ctx context.Context) (int64, error) {
	return 0, nil
}

type stubBlobs struct {
	data map[string][]byte
}

func newStubBlobs() *stubBlobs {
	return &stubBlobs{data: make(map[string][]byte)}
}

func (s *stubBlobs) Put(ctx context.Context, key string, data []byte) (string, error) {
	s.data[key] = data
	return key, nil
}

func (s *stubBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", key)
	}
	return data, nil
}

func (s *stubBlobs) Delete(ctx context.Context, key string) (bool, error) {
	_, ok := s.data[key]
	delete(s.data, key)
	return ok, nil
}

func (s *stubBlobs) Size(ctx context.Context, key string) (int64, error) {
	return int64(len(s.data[key])), nil
}

type stubFallback struct {
	summary *domain.FallbackSummary
}

func (s *stubFallback) LoadFallbackSummary(ctx context.Context, jobID string) (*domain.FallbackSummary, error) {
	if s.summary == nil {
		return nil, cache.ErrMiss
	}
	return s.summary, nil
}

type noopEvents struct{}

func (noopEvents) Publish(ctx context.Context, jobID string, event broadcast.Event) {}

type testEnv struct {
	app       *App
	jobs      *stubJobs
	artifacts *stubArtifacts
	quota     *stubQuota
	blobs     *stubBlobs
	fallback  *stubFallback
}

func newTestApp() *testEnv {
	env := &testEnv{
		jobs:      newStubJobs(),
		artifacts: newStubArtifacts(),
		quota:     newStubQuota(),
		blobs:     newStubBlobs(),
		fallback:  &stubFallback{},
	}
	ledger := quota.NewLedger(env.quota, nil, zerolog.Nop())
	env.app = &App{
		Jobs:                env.jobs,
		Artifacts:           env.artifacts,
		Quota:               env.quota,
		Ledger:              ledger,
		Blobs:               env.blobs,
		Fallback:            env.fallback,
		Log:                 zerolog.Nop(),
		DefaultMonthlyLimit: 100,
	}
	return env
}

func multipartRequest(t *testing.T, filename string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	wr := multipart.NewWriter(&buf)
	fw, err := wr.CreateFormFile("image", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte("source-image-bytes")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	for k, v := range fields {
		if err := wr.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if err := wr.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/convert", &buf)
	req.Header.Set("Content-Type", wr.FormDataContentType())
	return req.WithContext(middleware.ContextWithUserID(req.Context(), "u1"))
}

func withJobParam(req *http.Request, jobID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("job_id", jobID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestStartConversionCreatesJobAndCharges(t *testing.T) {
	env := newTestApp()

	req := multipartRequest(t, "photo.png", map[string]string{
		"prompt":           "make it watercolor",
		"generation_count": "2",
		"model":            "gemini-2.5-pro-image",
		"aspect_ratio":     "1:1",
	})
	rec := httptest.NewRecorder()
	env.app.StartConversion(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp startConversionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.UsageConsumed != 10 {
		t.Fatalf("usage_consumed = %d, want 10 (2 variants at cost 5)", resp.UsageConsumed)
	}
	if resp.EstimatedTime != 60 {
		t.Fatalf("estimated_time = %d", resp.EstimatedTime)
	}

	job, ok := env.jobs.jobs[resp.JobID]
	if !ok {
		t.Fatalf("job not created")
	}
	if job.Status != domain.JobStatusPending || job.GenerationCount != 2 || job.UsageConsumed != 10 {
		t.Fatalf("job = %+v", job)
	}
	if !strings.HasPrefix(job.SourceKey, "uploads/user_u1/") {
		t.Fatalf("source key = %q", job.SourceKey)
	}
	if _, ok := env.blobs.data[job.SourceKey]; !ok {
		t.Fatalf("source not uploaded")
	}
	if env.quota.profiles["u1"].MonthlyUsed != 10 {
		t.Fatalf("used = %d, want 10", env.quota.profiles["u1"].MonthlyUsed)
	}
}

func TestStartConversionUsesConfiguredDefaultModel(t *testing.T) {
	env := newTestApp()
	env.app.DefaultModel = "gemini-2.0-flash-image"

	req := multipartRequest(t, "photo.png", map[string]string{
		"prompt": "make it watercolor",
	})
	rec := httptest.NewRecorder()
	env.app.StartConversion(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp startConversionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Model != "gemini-2.0-flash-image" {
		t.Fatalf("model = %s, want configured default", resp.Model)
	}

	// An unknown configured default falls back to the built-in one.
	env = newTestApp()
	env.app.DefaultModel = "gemini-99-imaginary"
	rec = httptest.NewRecorder()
	env.app.StartConversion(rec, multipartRequest(t, "photo.png", map[string]string{"prompt": "p"}))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Model != domain.DefaultModel {
		t.Fatalf("model = %s, want built-in default", resp.Model)
	}
}

func TestStartConversionRejectsUnsupportedFileType(t *testing.T) {
	env := newTestApp()

	req := multipartRequest(t, "photo.gif", map[string]string{"prompt": "p"})
	rec := httptest.NewRecorder()
	env.app.StartConversion(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(env.jobs.jobs) != 0 {
		t.Fatalf("job created for rejected upload")
	}
}

func TestStartConversionRequiresPrompt(t *testing.T) {
	env := newTestApp()

	req := multipartRequest(t, "photo.png", map[string]string{"prompt": "  "})
	rec := httptest.NewRecorder()
	env.app.StartConversion(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStartConversionRejectsBadCount(t *testing.T) {
	env := newTestApp()

	req := multipartRequest(t, "photo.png", map[string]string{
		"prompt":           "p",
		"generation_count": "9",
	})
	rec := httptest.NewRecorder()
	env.app.StartConversion(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStartConversionQuotaExceeded(t *testing.T) {
	env := newTestApp()
	env.quota.profiles["u1"] = &domain.UserProfile{UserID: "u1", MonthlyLimit: 3, MonthlyUsed: 0}

	req := multipartRequest(t, "photo.png", map[string]string{
		"prompt":           "p",
		"generation_count": "1",
		"model":            "gemini-2.5-pro-image",
	})
	rec := httptest.NewRecorder()
	env.app.StartConversion(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(env.jobs.jobs) != 0 {
		t.Fatalf("job created despite exhausted quota")
	}
	if len(env.blobs.data) != 0 {
		t.Fatalf("source uploaded despite exhausted quota")
	}
}

func TestConversionStatusHidesOtherUsersJobs(t *testing.T) {
	env := newTestApp()
	env.jobs.jobs["j1"] = &domain.ConversionJob{ID: "j1", UserID: "someone-else", Status: domain.JobStatusPending}

	req := httptest.NewRequest(http.MethodGet, "/v1/convert/j1/status", nil)
	req = req.WithContext(middleware.ContextWithUserID(req.Context(), "u1"))
	req = withJobParam(req, "j1")
	rec := httptest.NewRecorder()
	env.app.ConversionStatus(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestConversionStatusIncludesImagesAndFallback(t *testing.T) {
	env := newTestApp()
	env.jobs.jobs["j1"] = &domain.ConversionJob{
		ID:              "j1",
		UserID:          "u1",
		Status:          domain.JobStatusCompleted,
		Model:           domain.DefaultModel,
		GenerationCount: 2,
		UsageConsumed:   2,
	}
	env.artifacts.artifacts["j1"] = []domain.GeneratedArtifact{
		{ID: "a1", JobID: "j1", StorageKey: "generated/user_u1/a.png", Name: "variant_1.png", SizeBytes: 5},
	}
	env.fallback.summary = &domain.FallbackSummary{
		RequestedModel: "gemini-2.5-pro-image",
		UsedModel:      domain.DefaultModel,
		Refund:         8,
		UsageConsumed:  2,
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/convert/j1/status", nil)
	req = req.WithContext(middleware.ContextWithUserID(req.Context(), "u1"))
	req = withJobParam(req, "j1")
	rec := httptest.NewRecorder()
	env.app.ConversionStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	images, ok := resp["images"].([]any)
	if !ok || len(images) != 1 {
		t.Fatalf("images = %v", resp["images"])
	}
	if _, ok := resp["fallback"]; !ok {
		t.Fatalf("fallback summary missing from response")
	}
}

func TestCancelConversionIdempotentOnFinishedJob(t *testing.T) {
	env := newTestApp()
	env.jobs.jobs["j1"] = &domain.ConversionJob{ID: "j1", UserID: "u1", Status: domain.JobStatusCompleted}
	env.app.Cancel = pipeline.NewCoordinator(env.jobs, env.artifacts, env.app.Ledger, env.blobs, noopEvents{}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/convert/j1/cancel", nil)
	req = req.WithContext(middleware.ContextWithUserID(req.Context(), "u1"))
	req = withJobParam(req, "j1")
	rec := httptest.NewRecorder()
	env.app.CancelConversion(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if finished, _ := resp["already_finished"].(bool); !finished {
		t.Fatalf("already_finished not reported: %v", resp)
	}
}

func TestUsageHistoryValidatesWindow(t *testing.T) {
	env := newTestApp()

	req := httptest.NewRequest(http.MethodGet, "/v1/usage/history?months=13", nil)
	req = req.WithContext(middleware.ContextWithUserID(req.Context(), "u1"))
	rec := httptest.NewRecorder()
	env.app.UsageHistory(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUsageSummaryComputesRemaining(t *testing.T) {
	env := newTestApp()
	env.quota.profiles["u1"] = &domain.UserProfile{UserID: "u1", MonthlyLimit: 100, MonthlyUsed: 37}

	req := httptest.NewRequest(http.MethodGet, "/v1/usage/summary", nil)
	req = req.WithContext(middleware.ContextWithUserID(req.Context(), "u1"))
	rec := httptest.NewRecorder()
	env.app.UsageSummary(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp usageSummaryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Remaining != 63 || resp.MonthlyUsed != 37 {
		t.Fatalf("resp = %+v", resp)
	}
}
