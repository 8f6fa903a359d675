package domain

import (
	"context"
	"time"
)

// MonthlyUsage is one month of aggregated conversion activity for a user.
type MonthlyUsage struct {
	Month           string
	Used            int
	ConversionCount int
}

// ConversionRepository defines persistence for conversion jobs. Status
// transitions are written under the job row's exclusive lock so that exactly
// one mutation is in flight per job.
type ConversionRepository interface {
	Create(ctx context.Context, job *ConversionJob) error
	GetByID(ctx context.Context, jobID string) (*ConversionJob, error)

	// BeginProcessing locks the job row, returns a snapshot with the status
	// observed at lock time, and transitions pending jobs to processing
	// before releasing the lock. Terminal jobs are returned unchanged.
	BeginProcessing(ctx context.Context, jobID string) (*ConversionJob, error)

	// Status re-reads the current status without locking. Used at the
	// pipeline's cancellation checkpoints.
	Status(ctx context.Context, jobID string) (JobStatus, error)

	// CompleteIfProcessing and FailIfActive are guarded terminal commits:
	// they report false without writing when the row is no longer in a
	// state the transition is legal from (e.g. cancelled concurrently).
	CompleteIfProcessing(ctx context.Context, jobID string, seconds float64) (bool, error)
	FailIfActive(ctx context.Context, jobID string, errMsg string) (bool, error)

	// CancelIfActive locks the row and transitions pending/processing jobs
	// to cancelled, returning the pre-cancel snapshot. The bool is false
	// when the job was already terminal.
	CancelIfActive(ctx context.Context, jobID string) (*ConversionJob, bool, error)

	// UpdateReconciliation rewrites usage_consumed (and the recorded model
	// when the fallback was uniform) after model-fallback reconciliation.
	UpdateReconciliation(ctx context.Context, jobID string, usageConsumed int, model string) error

	// ScheduleRetry returns a processing job to pending with a bumped
	// attempt counter, due again at the given time. Reports false when the
	// job left the processing state in the meantime.
	ScheduleRetry(ctx context.Context, jobID string, at time.Time) (bool, error)

	// ClaimDue picks one due pending job and pushes its next_attempt_at out
	// by the visibility window, so a crashed worker's claim expires and the
	// job is redelivered. Returns ErrNotFound when no job is due.
	ClaimDue(ctx context.Context, visibility time.Duration) (string, error)

	UsageHistory(ctx context.Context, userID string, months int) ([]MonthlyUsage, error)
}

// ArtifactRepository handles persistence for generated artifact rows.
type ArtifactRepository interface {
	Insert(ctx context.Context, artifact *GeneratedArtifact) error
	ListByJob(ctx context.Context, jobID string) ([]GeneratedArtifact, error)
	Delete(ctx context.Context, artifactID string) error
	DeleteByJob(ctx context.Context, jobID string) error
}

// QuotaRepository is the storage behind the credit ledger. Mutations are
// single atomic updates; the clamped decrement never drives the counter
// negative.
type QuotaRepository interface {
	GetProfile(ctx context.Context, userID string) (*UserProfile, error)
	EnsureProfile(ctx context.Context, userID string, defaultLimit int) (*UserProfile, error)
	AddUsed(ctx context.Context, userID string, amount int) (bool, error)
	SubtractUsedClamped(ctx context.Context, userID string, amount int) (bool, error)
	ResetAllUsage(ctx context.Context) (int64, error)
}
