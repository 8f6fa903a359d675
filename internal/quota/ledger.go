// Package quota implements the per-user credit ledger. The ledger only does
// arithmetic: sufficiency is checked by the submission path before charging,
// and every mutation is compensatable by a clamped rollback.
package quota

import (
	"context"

	"github.com/rs/zerolog"

	"atelier/internal/domain"
)

// UsageInvalidator drops a user's cached usage views after a ledger mutation.
type UsageInvalidator interface {
	InvalidateUsage(ctx context.Context, userID string) error
}

// Ledger mutates the authoritative monthly_used counter. Atomicity is
// delegated to the repository's single-statement updates, so concurrent
// charges and rollbacks for one user cannot lose updates.
type Ledger struct {
	repo  domain.QuotaRepository
	cache UsageInvalidator
	log   zerolog.Logger
}

// NewLedger builds a ledger. cache may be nil in tests.
func NewLedger(repo domain.QuotaRepository, cache UsageInvalidator, log zerolog.Logger) *Ledger {
	return &Ledger{repo: repo, cache: cache, log: log}
}

// Charge increments the user's used counter by amount before work starts.
// A missing profile is a no-op: the caller verified the user when it checked
// remaining credit, so a miss here is only worth a log line.
func (l *Ledger) Charge(ctx context.Context, userID string, amount int) error {
	if amount <= 0 {
		return nil
	}
	affected, err := l.repo.AddUsed(ctx, userID, amount)
	if err != nil {
		return err
	}
	if !affected {
		l.log.Warn().Str("user_id", userID).Int("amount", amount).Msg("quota: charge hit missing profile")
		return nil
	}
	l.invalidate(ctx, userID)
	return nil
}

// Rollback decrements the user's used counter by amount, clamped at zero.
// Rolling back more than was charged, or rolling back twice, never drives the
// counter negative. Reports whether a profile row was actually touched.
func (l *Ledger) Rollback(ctx context.Context, userID string, amount int) (bool, error) {
	if amount <= 0 {
		return false, nil
	}
	affected, err := l.repo.SubtractUsedClamped(ctx, userID, amount)
	if err != nil {
		return false, err
	}
	if !affected {
		l.log.Warn().Str("user_id", userID).Int("amount", amount).Msg("quota: rollback hit missing profile")
		return false, nil
	}
	l.invalidate(ctx, userID)
	return true, nil
}

// AdjustTo refunds the gap between a pre-authorized cost and the actual cost
// once the real per-model spend is known. Actual costs at or above the
// pre-authorization leave the ledger untouched.
func (l *Ledger) AdjustTo(ctx context.Context, userID string, preauthorized, actual int) (int, error) {
	refund := preauthorized - actual
	if refund <= 0 {
		return 0, nil
	}
	if _, err := l.Rollback(ctx, userID, refund); err != nil {
		return 0, err
	}
	return refund, nil
}

// ResetMonthlyUsage zeroes every user's used counter at month rollover and
// reports how many profiles were touched. Cached usage views are left to
// expire on their own TTL.
func (l *Ledger) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	n, err := l.repo.ResetAllUsage(ctx)
	if err != nil {
		return 0, err
	}
	l.log.Info().Int64("profiles", n).Msg("quota: monthly usage reset")
	return n, nil
}

func (l *Ledger) invalidate(ctx context.Context, userID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.InvalidateUsage(ctx, userID); err != nil {
		l.log.Warn().Err(err).Str("user_id", userID).Msg("quota: usage cache invalidation failed")
	}
}
