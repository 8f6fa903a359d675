package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/domain"
)

// QuotaRepositoryPG implements domain.QuotaRepository backed by PostgreSQL.
// Credit mutations are single atomic updates so concurrent charges and
// rollbacks for the same user serialize on the row without an application lock.
type QuotaRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewQuotaRepository creates a new quota repository.
func NewQuotaRepository(pool *pgxpool.Pool) *QuotaRepositoryPG {
	return &QuotaRepositoryPG{pool: pool}
}

// GetProfile fetches the user's quota profile.
func (r *QuotaRepositoryPG) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	row := r.pool.QueryRow(ctx, `
SELECT user_id, monthly_limit, monthly_used, created_at, updated_at
FROM user_profiles WHERE user_id = $1
`, userID)
	var p domain.UserProfile
	if err := row.Scan(&p.UserID, &p.MonthlyLimit, &p.MonthlyUsed, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// EnsureProfile creates the profile with the default limit if missing and
// returns the current row either way.
func (r *QuotaRepositoryPG) EnsureProfile(ctx context.Context, userID string, defaultLimit int) (*domain.UserProfile, error) {
	row := r.pool.QueryRow(ctx, `
INSERT INTO user_profiles (user_id, monthly_limit)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET updated_at = now()
RETURNING user_id, monthly_limit, monthly_used, created_at, updated_at;
`, userID, defaultLimit)
	var p domain.UserProfile
	if err := row.Scan(&p.UserID, &p.MonthlyLimit, &p.MonthlyUsed, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// AddUsed increments the used counter. Reports whether a row was affected.
func (r *QuotaRepositoryPG) AddUsed(ctx context.Context, userID string, amount int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE user_profiles SET monthly_used = monthly_used + $2, updated_at = now()
WHERE user_id = $1
`, userID, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SubtractUsedClamped decrements the used counter, floored at zero, in one
// atomic update. Reports whether a row was affected.
func (r *QuotaRepositoryPG) SubtractUsedClamped(ctx context.Context, userID string, amount int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE user_profiles SET monthly_used = GREATEST(monthly_used - $2, 0), updated_at = now()
WHERE user_id = $1
`, userID, amount)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ResetAllUsage zeroes every user's monthly counter. Run at month rollover.
func (r *QuotaRepositoryPG) ResetAllUsage(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE user_profiles SET monthly_used = 0, updated_at = now() WHERE monthly_used > 0
`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var _ domain.QuotaRepository = (*QuotaRepositoryPG)(nil)
