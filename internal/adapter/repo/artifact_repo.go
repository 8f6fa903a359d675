package repo

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"atelier/internal/domain"
)

// ArtifactRepositoryPG implements domain.ArtifactRepository using PostgreSQL.
type ArtifactRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewArtifactRepository constructs a new artifact repository instance.
func NewArtifactRepository(pool *pgxpool.Pool) *ArtifactRepositoryPG {
	return &ArtifactRepositoryPG{pool: pool}
}

// Insert persists one generated artifact row.
func (r *ArtifactRepositoryPG) Insert(ctx context.Context, artifact *domain.GeneratedArtifact) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO generated_artifacts (id, job_id, storage_key, name, size_bytes, description)
VALUES ($1, $2, $3, $4, $5, $6);
`, artifact.ID, artifact.JobID, artifact.StorageKey, artifact.Name, artifact.SizeBytes, artifact.Description)
	return err
}

// ListByJob returns all artifacts belonging to the job in creation order.
func (r *ArtifactRepositoryPG) ListByJob(ctx context.Context, jobID string) ([]domain.GeneratedArtifact, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, job_id, storage_key, name, size_bytes, description, created_at
FROM generated_artifacts
WHERE job_id = $1
ORDER BY created_at ASC;
`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []domain.GeneratedArtifact
	for rows.Next() {
		var a domain.GeneratedArtifact
		if err := rows.Scan(&a.ID, &a.JobID, &a.StorageKey, &a.Name, &a.SizeBytes, &a.Description, &a.CreatedAt); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// Delete removes one artifact row. Deleting an absent row is not an error.
func (r *ArtifactRepositoryPG) Delete(ctx context.Context, artifactID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM generated_artifacts WHERE id = $1`, artifactID)
	return err
}

// DeleteByJob removes every artifact row owned by the job.
func (r *ArtifactRepositoryPG) DeleteByJob(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM generated_artifacts WHERE job_id = $1`, jobID)
	return err
}

var _ domain.ArtifactRepository = (*ArtifactRepositoryPG)(nil)
