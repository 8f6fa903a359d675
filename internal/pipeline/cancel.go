package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"atelier/internal/broadcast"
	"atelier/internal/domain"
	"atelier/internal/quota"
	"atelier/internal/storage"
)

// CancelOutcome reports what a cancellation request did.
type CancelOutcome struct {
	Status          domain.JobStatus
	AlreadyFinished bool
	Refunded        int
}

// Coordinator is the out-of-band cancellation path. It flips the status flag
// the pipeline's checkpoints observe; the running invocation notices
// cooperatively and cleans up whatever it persisted after the flip.
type Coordinator struct {
	jobs      domain.ConversionRepository
	artifacts domain.ArtifactRepository
	ledger    *quota.Ledger
	blobs     storage.BlobStore
	events    broadcast.Publisher
	log       zerolog.Logger
}

// NewCoordinator builds a cancellation coordinator.
func NewCoordinator(jobs domain.ConversionRepository, artifacts domain.ArtifactRepository, ledger *quota.Ledger, blobs storage.BlobStore, events broadcast.Publisher, log zerolog.Logger) *Coordinator {
	return &Coordinator{jobs: jobs, artifacts: artifacts, ledger: ledger, blobs: blobs, events: events, log: log}
}

// RequestCancel cancels one of the requesting user's jobs. Cancelling a job
// that already reached a terminal state is an idempotent no-op, reported as
// AlreadyFinished rather than an error. A job another user owns is reported
// as not found.
func (c *Coordinator) RequestCancel(ctx context.Context, jobID, requestingUser string) (CancelOutcome, error) {
	job, err := c.jobs.GetByID(ctx, jobID)
	if err != nil {
		return CancelOutcome{}, err
	}
	if job.UserID != requestingUser {
		return CancelOutcome{}, domain.ErrNotFound
	}

	snapshot, cancelled, err := c.jobs.CancelIfActive(ctx, jobID)
	if err != nil {
		return CancelOutcome{}, fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	log := c.log.With().Str("job_id", jobID).Str("user_id", snapshot.UserID).Logger()
	if !cancelled {
		log.Info().Str("status", string(snapshot.Status)).Msg("cancel: job already finished")
		return CancelOutcome{Status: snapshot.Status, AlreadyFinished: true}, nil
	}

	// Rollback uses the cost recorded at the moment the cancel was accepted.
	// Fallback reconciliation and cancellation serialize on the row lock, so
	// the snapshot amount is exactly what is still charged.
	refunded := 0
	if snapshot.UsageConsumed > 0 {
		if _, err := c.ledger.Rollback(ctx, snapshot.UserID, snapshot.UsageConsumed); err != nil {
			log.Error().Err(err).Int("amount", snapshot.UsageConsumed).Msg("cancel: quota rollback failed")
		} else {
			refunded = snapshot.UsageConsumed
		}
	}

	c.deleteArtifacts(ctx, log, jobID)

	c.events.Publish(ctx, jobID, broadcast.Cancelled("Conversion cancelled"))
	log.Info().Int("refunded", refunded).Msg("cancel: job cancelled")
	return CancelOutcome{Status: domain.JobStatusCancelled, Refunded: refunded}, nil
}

// deleteArtifacts removes every artifact persisted for the job so far. A
// running invocation may persist one more in the window between the list and
// the status flip it observes next; that one is removed by the pipeline's own
// cancelled cleanup. Deletes are idempotent and failures only logged.
func (c *Coordinator) deleteArtifacts(ctx context.Context, log zerolog.Logger, jobID string) {
	artifacts, err := c.artifacts.ListByJob(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Msg("cancel: listing artifacts failed")
		return
	}
	for _, a := range artifacts {
		if _, err := c.blobs.Delete(ctx, a.StorageKey); err != nil {
			log.Warn().Err(err).Str("key", a.StorageKey).Msg("cancel: artifact blob delete failed")
		}
	}
	if err := c.artifacts.DeleteByJob(ctx, jobID); err != nil {
		log.Error().Err(err).Msg("cancel: artifact rows delete failed")
	}
}
