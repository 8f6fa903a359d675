package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/domain"
)

const jobColumns = `id, user_id, source_key, source_name, source_size, prompt, model,
preset_id, preset_name, generation_count, usage_consumed, aspect_ratio, status,
error_message, processing_seconds, attempts, next_attempt_at, created_at, updated_at`

// ConversionRepositoryPG implements domain.ConversionRepository backed by PostgreSQL.
type ConversionRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewConversionRepository creates a new conversion job repository.
func NewConversionRepository(pool *pgxpool.Pool) *ConversionRepositoryPG {
	return &ConversionRepositoryPG{pool: pool}
}

// Create inserts a new conversion job record.
func (r *ConversionRepositoryPG) Create(ctx context.Context, job *domain.ConversionJob) error {
	query := `
INSERT INTO conversion_jobs (id, user_id, source_key, source_name, source_size, prompt, model,
                             preset_id, preset_name, generation_count, usage_consumed, aspect_ratio, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);
`
	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.UserID,
		job.SourceKey,
		job.SourceName,
		job.SourceSize,
		job.Prompt,
		job.Model,
		job.PresetID,
		job.PresetName,
		job.GenerationCount,
		job.UsageConsumed,
		job.AspectRatio,
		job.Status,
	)
	return err
}

// GetByID fetches a job by its identifier.
func (r *ConversionRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.ConversionJob, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1`, jobID)
	return scanJob(row)
}

// BeginProcessing acquires the job row lock, snapshots it, and moves pending
// jobs to processing. The returned snapshot carries the status observed while
// the lock was held; callers decide what the observed status means.
func (r *ConversionRepositoryPG) BeginProcessing(ctx context.Context, jobID string) (*domain.ConversionJob, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin processing: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	if job.Status == domain.JobStatusPending {
		if _, err := tx.Exec(ctx, `
UPDATE conversion_jobs SET status = $2, updated_at = now() WHERE id = $1
`, jobID, domain.JobStatusProcessing); err != nil {
			return nil, fmt.Errorf("mark processing: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit processing transition: %w", err)
	}
	return job, nil
}

// Status returns the job's current status.
func (r *ConversionRepositoryPG) Status(ctx context.Context, jobID string) (domain.JobStatus, error) {
	var status domain.JobStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM conversion_jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return status, nil
}

// CompleteIfProcessing commits the completed terminal state, recording the
// processing duration. Reports false when the job is no longer processing.
func (r *ConversionRepositoryPG) CompleteIfProcessing(ctx context.Context, jobID string, seconds float64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE conversion_jobs
SET status = $2, processing_seconds = $3, updated_at = now()
WHERE id = $1 AND status = $4
`, jobID, domain.JobStatusCompleted, seconds, domain.JobStatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// FailIfActive commits the failed terminal state with the stored error message.
func (r *ConversionRepositoryPG) FailIfActive(ctx context.Context, jobID string, errMsg string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE conversion_jobs
SET status = $2, error_message = $3, updated_at = now()
WHERE id = $1 AND status IN ($4, $5)
`, jobID, domain.JobStatusFailed, errMsg, domain.JobStatusPending, domain.JobStatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CancelIfActive locks the row and cancels pending/processing jobs, returning
// the snapshot taken before the transition.
func (r *ConversionRepositoryPG) CancelIfActive(ctx context.Context, jobID string) (*domain.ConversionJob, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, false, err
	}

	if job.Status.IsTerminal() {
		return job, false, nil
	}

	if _, err := tx.Exec(ctx, `
UPDATE conversion_jobs SET status = $2, updated_at = now() WHERE id = $1
`, jobID, domain.JobStatusCancelled); err != nil {
		return nil, false, fmt.Errorf("mark cancelled: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit cancel: %w", err)
	}
	return job, true, nil
}

// UpdateReconciliation rewrites the job's consumed credits and recorded model.
func (r *ConversionRepositoryPG) UpdateReconciliation(ctx context.Context, jobID string, usageConsumed int, model string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE conversion_jobs SET usage_consumed = $2, model = $3, updated_at = now() WHERE id = $1
`, jobID, usageConsumed, model)
	return err
}

// ScheduleRetry returns a processing job to the pending pool, due at the given time.
func (r *ConversionRepositoryPG) ScheduleRetry(ctx context.Context, jobID string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE conversion_jobs
SET status = $2, attempts = attempts + 1, next_attempt_at = $3, updated_at = now()
WHERE id = $1 AND status = $4
`, jobID, domain.JobStatusPending, at, domain.JobStatusProcessing)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimDue selects one due pending job and pushes its visibility window out.
// The status stays pending: only the pipeline's locked entry transition writes
// status, and an expired claim simply makes the job due again.
func (r *ConversionRepositoryPG) ClaimDue(ctx context.Context, visibility time.Duration) (string, error) {
	query := `
WITH due AS (
    SELECT id
    FROM conversion_jobs
    WHERE status = 'pending' AND next_attempt_at <= now()
    ORDER BY created_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
UPDATE conversion_jobs
SET next_attempt_at = now() + $1::interval, updated_at = now()
WHERE id IN (SELECT id FROM due)
RETURNING id;
`
	var id string
	interval := fmt.Sprintf("%d seconds", int(visibility.Seconds()))
	if err := r.pool.QueryRow(ctx, query, interval).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return id, nil
}

// UsageHistory aggregates per-month generation counts for the lookback window.
func (r *ConversionRepositoryPG) UsageHistory(ctx context.Context, userID string, months int) ([]domain.MonthlyUsage, error) {
	rows, err := r.pool.Query(ctx, `
SELECT to_char(date_trunc('month', created_at), 'YYYY-MM') AS month,
       COALESCE(SUM(generation_count), 0),
       COUNT(*)
FROM conversion_jobs
WHERE user_id = $1
  AND created_at >= date_trunc('month', now()) - make_interval(months => $2 - 1)
GROUP BY 1
ORDER BY 1;
`, userID, months)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.MonthlyUsage
	for rows.Next() {
		var m domain.MonthlyUsage
		if err := rows.Scan(&m.Month, &m.Used, &m.ConversionCount); err != nil {
			return nil, err
		}
		history = append(history, m)
	}
	return history, rows.Err()
}

func scanJob(row pgx.Row) (*domain.ConversionJob, error) {
	var job domain.ConversionJob
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.SourceKey,
		&job.SourceName,
		&job.SourceSize,
		&job.Prompt,
		&job.Model,
		&job.PresetID,
		&job.PresetName,
		&job.GenerationCount,
		&job.UsageConsumed,
		&job.AspectRatio,
		&job.Status,
		&job.ErrorMessage,
		&job.ProcessingSeconds,
		&job.Attempts,
		&job.NextAttemptAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

var _ domain.ConversionRepository = (*ConversionRepositoryPG)(nil)
