// Package pipeline drives conversion jobs from pending to a terminal state.
// One invocation owns one job: the locked entry transition makes redelivery a
// no-op, and every suspension point re-reads status so a concurrent
// cancellation is honored cooperatively instead of preemptively.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"atelier/internal/broadcast"
	"atelier/internal/domain"
	"atelier/internal/providers/image"
	"atelier/internal/quota"
	"atelier/internal/storage"
)

// FallbackCache stores per-job reconciliation summaries so a status poll
// issued while the job is still running can surface the model substitution.
type FallbackCache interface {
	StoreFallbackSummary(ctx context.Context, jobID string, summary domain.FallbackSummary) error
	DeleteFallbackSummary(ctx context.Context, jobID string) error
}

// Result is what one pipeline invocation reports back to the worker loop.
type Result struct {
	Status          domain.JobStatus
	ArtifactCount   int
	DurationSeconds float64
	Message         string
}

// Deps carries the pipeline's collaborators. Fallback may be nil; events and
// the repositories may not.
type Deps struct {
	Jobs      domain.ConversionRepository
	Artifacts domain.ArtifactRepository
	Ledger    *quota.Ledger
	Blobs     storage.BlobStore
	Generator image.Generator
	Events    broadcast.Publisher
	Fallback  FallbackCache

	MaxAttempts  int
	RetryBackoff time.Duration
	Logger       zerolog.Logger
}

// Pipeline executes conversion jobs. Safe for concurrent use across distinct
// jobs; two invocations for the same job serialize on the locked entry
// transition and at most one of them makes progress.
type Pipeline struct {
	jobs      domain.ConversionRepository
	artifacts domain.ArtifactRepository
	ledger    *quota.Ledger
	blobs     storage.BlobStore
	generator image.Generator
	events    broadcast.Publisher
	fallback  FallbackCache

	maxAttempts  int
	retryBackoff time.Duration
	log          zerolog.Logger
}

// New builds a pipeline from its dependencies.
func New(d Deps) *Pipeline {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 3
	}
	if d.RetryBackoff <= 0 {
		d.RetryBackoff = time.Minute
	}
	return &Pipeline{
		jobs:         d.Jobs,
		artifacts:    d.Artifacts,
		ledger:       d.Ledger,
		blobs:        d.Blobs,
		generator:    d.Generator,
		events:       d.Events,
		fallback:     d.Fallback,
		maxAttempts:  d.MaxAttempts,
		retryBackoff: d.RetryBackoff,
		log:          d.Logger,
	}
}

// Process runs one job to a terminal state, or schedules a retry on transient
// failure. Invoking it again for a finished job is a no-op.
func (p *Pipeline) Process(ctx context.Context, jobID string) (Result, error) {
	start := time.Now()

	job, err := p.jobs.BeginProcessing(ctx, jobID)
	if err != nil {
		return Result{}, fmt.Errorf("acquire job %s: %w", jobID, err)
	}
	log := p.log.With().Str("job_id", job.ID).Str("user_id", job.UserID).Logger()

	if job.Status.IsTerminal() {
		log.Info().Str("status", string(job.Status)).Msg("pipeline: job already finished, skipping")
		return Result{Status: job.Status, Message: "already finished"}, nil
	}
	if job.Status == domain.JobStatusProcessing {
		log.Warn().Msg("pipeline: job already in flight, skipping")
		return Result{Status: job.Status, Message: "already in flight"}, nil
	}

	if p.fallback != nil {
		if err := p.fallback.DeleteFallbackSummary(ctx, job.ID); err != nil {
			log.Warn().Err(err).Msg("pipeline: clearing stale fallback summary failed")
		}
	}

	p.events.Publish(ctx, job.ID, broadcast.Progress("Preparing image", 10))

	if cancelled, err := p.isCancelled(ctx, job.ID); err != nil {
		return p.retryOrFail(ctx, log, job, err)
	} else if cancelled {
		return p.finishCancelled(ctx, log, job, nil)
	}

	source, err := p.blobs.Get(ctx, job.SourceKey)
	if err != nil {
		return p.retryOrFail(ctx, log, job, fmt.Errorf("load source %s: %w", job.SourceKey, err))
	}

	p.events.Publish(ctx, job.ID, broadcast.Progress("Generating images", 30))

	results, err := p.generator.Generate(ctx, image.GenerateRequest{
		SourceImage: source,
		SourceMIME:  mimeForName(job.SourceName),
		Prompt:      job.Prompt,
		Count:       job.GenerationCount,
		AspectRatio: job.AspectRatio,
		Model:       job.Model,
		RequestID:   job.ID,
	})
	if err != nil {
		if errors.Is(err, image.ErrNoResults) {
			return p.finishFailed(ctx, log, job, "image generation produced no results")
		}
		return p.retryOrFail(ctx, log, job, err)
	}

	if cancelled, err := p.isCancelled(ctx, job.ID); err != nil {
		return p.retryOrFail(ctx, log, job, err)
	} else if cancelled {
		// Results are discarded unpersisted.
		return p.finishCancelled(ctx, log, job, nil)
	}

	p.reconcileFallback(ctx, log, job, results)

	persisted, cancelledMidLoop := p.persistResults(ctx, log, job, results)
	if cancelledMidLoop {
		return p.finishCancelled(ctx, log, job, persisted)
	}
	if len(persisted) == 0 {
		return p.finishFailed(ctx, log, job, "no generated images could be stored")
	}

	seconds := time.Since(start).Seconds()
	ok, err := p.jobs.CompleteIfProcessing(ctx, job.ID, seconds)
	if err != nil {
		log.Error().Err(err).Msg("pipeline: completion commit failed")
		return Result{}, fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if !ok {
		// Only cancellation moves a job out of processing underneath us.
		log.Info().Msg("pipeline: completion lost race to cancellation")
		return p.finishCancelled(ctx, log, job, persisted)
	}

	refs := make([]broadcast.ArtifactRef, 0, len(persisted))
	for _, a := range persisted {
		refs = append(refs, broadcast.ArtifactRef{
			ID:          a.ID,
			URL:         a.StorageKey,
			Name:        a.Name,
			Size:        a.SizeBytes,
			Description: a.Description,
		})
	}
	p.events.Publish(ctx, job.ID, broadcast.Completed("Conversion completed", refs))

	log.Info().
		Int("artifacts", len(persisted)).
		Float64("seconds", seconds).
		Msg("pipeline: job completed")
	return Result{
		Status:          domain.JobStatusCompleted,
		ArtifactCount:   len(persisted),
		DurationSeconds: seconds,
		Message:         "completed",
	}, nil
}

func (p *Pipeline) isCancelled(ctx context.Context, jobID string) (bool, error) {
	status, err := p.jobs.Status(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("read status: %w", err)
	}
	return status == domain.JobStatusCancelled, nil
}

// reconcileFallback compares each result's model to the requested one and,
// when the backend substituted, rewrites the job's recorded cost, refunds the
// difference, and announces the substitution. Mutates job's in-memory
// UsageConsumed and Model to the reconciled values.
func (p *Pipeline) reconcileFallback(ctx context.Context, log zerolog.Logger, job *domain.ConversionJob, results []image.Result) {
	breakdown := make(map[string]int)
	actual := 0
	substituted := false
	for _, res := range results {
		breakdown[res.ModelUsed]++
		actual += domain.ModelUnitCost(res.ModelUsed)
		if res.ModelUsed != job.Model {
			substituted = true
		}
	}
	if !substituted {
		return
	}

	usedModel := domain.DefaultModel
	recordedModel := job.Model
	if len(breakdown) == 1 {
		for m := range breakdown {
			usedModel = m
		}
		recordedModel = usedModel
	}

	if err := p.jobs.UpdateReconciliation(ctx, job.ID, actual, recordedModel); err != nil {
		log.Error().Err(err).Msg("pipeline: reconciliation update failed")
		return
	}

	refund, err := p.ledger.AdjustTo(ctx, job.UserID, job.UsageConsumed, actual)
	if err != nil {
		log.Error().Err(err).Msg("pipeline: reconciliation refund failed")
	}

	summary := domain.FallbackSummary{
		RequestedModel: job.Model,
		UsedModel:      usedModel,
		Refund:         refund,
		UsageConsumed:  actual,
		Breakdown:      breakdown,
	}
	job.UsageConsumed = actual
	job.Model = recordedModel

	log.Warn().
		Str("requested_model", summary.RequestedModel).
		Str("used_model", usedModel).
		Int("refund", refund).
		Msg("pipeline: model fallback reconciled")

	p.events.Publish(ctx, job.ID, broadcast.FallbackProgress("Model fallback applied", 60, summary))
	if p.fallback != nil {
		if err := p.fallback.StoreFallbackSummary(ctx, job.ID, summary); err != nil {
			log.Warn().Err(err).Msg("pipeline: caching fallback summary failed")
		}
	}
}

// persistResults stores each generated image and records its artifact row,
// re-checking cancellation before every artifact. A single failed store or
// insert skips that artifact and continues with the rest.
func (p *Pipeline) persistResults(ctx context.Context, log zerolog.Logger, job *domain.ConversionJob, results []image.Result) ([]domain.GeneratedArtifact, bool) {
	total := len(results)
	persisted := make([]domain.GeneratedArtifact, 0, total)

	for i, res := range results {
		cancelled, err := p.isCancelled(ctx, job.ID)
		if err != nil {
			log.Warn().Err(err).Msg("pipeline: cancellation check failed, continuing")
		} else if cancelled {
			return persisted, true
		}

		key := fmt.Sprintf("generated/user_%s/%s.%s", job.UserID, uuid.NewString(), res.Format)
		if _, err := p.blobs.Put(ctx, key, res.Data); err != nil {
			log.Error().Err(err).Int("index", res.Index).Msg("pipeline: storing artifact failed, skipping")
			continue
		}

		artifact := domain.GeneratedArtifact{
			ID:          uuid.NewString(),
			JobID:       job.ID,
			StorageKey:  key,
			Name:        fmt.Sprintf("variant_%d.%s", res.Index, res.Format),
			SizeBytes:   int64(len(res.Data)),
			Description: res.Description,
		}
		if err := p.artifacts.Insert(ctx, &artifact); err != nil {
			log.Error().Err(err).Int("index", res.Index).Msg("pipeline: recording artifact failed, skipping")
			if _, delErr := p.blobs.Delete(ctx, key); delErr != nil {
				log.Warn().Err(delErr).Str("key", key).Msg("pipeline: orphaned blob cleanup failed")
			}
			continue
		}

		persisted = append(persisted, artifact)
		pct := 70 + (25*(i+1))/total
		p.events.Publish(ctx, job.ID, broadcast.StepProgress("Saving images", pct, i+1, total))
	}
	return persisted, false
}

// finishCancelled removes the artifacts persisted during this invocation and
// reports the cancelled outcome. Quota is not touched here: the cancellation
// request path performs the rollback, since it knows the amount at the moment
// the request was accepted.
func (p *Pipeline) finishCancelled(ctx context.Context, log zerolog.Logger, job *domain.ConversionJob, persisted []domain.GeneratedArtifact) (Result, error) {
	for _, a := range persisted {
		if _, err := p.blobs.Delete(ctx, a.StorageKey); err != nil {
			log.Warn().Err(err).Str("key", a.StorageKey).Msg("pipeline: cancelled artifact blob delete failed")
		}
		if err := p.artifacts.Delete(ctx, a.ID); err != nil {
			log.Warn().Err(err).Str("artifact_id", a.ID).Msg("pipeline: cancelled artifact row delete failed")
		}
	}

	p.events.Publish(ctx, job.ID, broadcast.Cancelled("Conversion cancelled"))
	log.Info().Int("discarded", len(persisted)).Msg("pipeline: job cancelled")
	return Result{Status: domain.JobStatusCancelled, Message: "cancelled"}, nil
}

// finishFailed commits the failed terminal state and refunds the job's
// recorded cost. The status transition goes first: if cancellation won the
// race, its originator already performed the rollback and a second one here
// would over-refund.
func (p *Pipeline) finishFailed(ctx context.Context, log zerolog.Logger, job *domain.ConversionJob, message string) (Result, error) {
	ok, err := p.jobs.FailIfActive(ctx, job.ID, message)
	if err != nil {
		log.Error().Err(err).Msg("pipeline: failure commit failed")
		return Result{}, fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if !ok {
		log.Info().Msg("pipeline: failure lost race to cancellation")
		return p.finishCancelled(ctx, log, job, nil)
	}

	if _, err := p.ledger.Rollback(ctx, job.UserID, job.UsageConsumed); err != nil {
		log.Error().Err(err).Int("amount", job.UsageConsumed).Msg("pipeline: quota rollback failed")
	}

	p.events.Publish(ctx, job.ID, broadcast.Failed("Conversion failed", message))
	log.Error().Str("reason", message).Msg("pipeline: job failed")
	return Result{Status: domain.JobStatusFailed, Message: message}, nil
}

// retryOrFail handles a transient error: schedule another attempt when budget
// remains, otherwise give up through the failure path. Quota stays charged
// across retries and is rolled back only once retries are exhausted.
func (p *Pipeline) retryOrFail(ctx context.Context, log zerolog.Logger, job *domain.ConversionJob, cause error) (Result, error) {
	if job.Attempts+1 < p.maxAttempts {
		at := time.Now().Add(p.retryBackoff)
		ok, err := p.jobs.ScheduleRetry(ctx, job.ID, at)
		if err != nil {
			log.Error().Err(err).Msg("pipeline: retry scheduling failed")
			return Result{}, fmt.Errorf("schedule retry for job %s: %w", job.ID, err)
		}
		if !ok {
			return p.finishCancelled(ctx, log, job, nil)
		}
		log.Warn().Err(cause).Int("attempt", job.Attempts+1).Time("next_attempt_at", at).Msg("pipeline: transient failure, retry scheduled")
		return Result{Status: domain.JobStatusPending, Message: "retry scheduled"}, nil
	}
	log.Error().Err(cause).Int("attempts", job.Attempts+1).Msg("pipeline: retry budget exhausted")
	return p.finishFailed(ctx, log, job, cause.Error())
}

func mimeForName(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 {
		return "image/png"
	}
	switch strings.ToLower(name[idx+1:]) {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
