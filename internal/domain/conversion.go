package domain

import "time"

// JobStatus enumerates conversion job lifecycle states.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether a job in this status accepts no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ConversionJob is one user-submitted image conversion request.
type ConversionJob struct {
	ID                string
	UserID            string
	SourceKey         string
	SourceName        string
	SourceSize        int64
	Prompt            string
	Model             string
	PresetID          *int
	PresetName        *string
	GenerationCount   int
	UsageConsumed     int
	AspectRatio       string
	Status            JobStatus
	ErrorMessage      *string
	ProcessingSeconds *float64
	Attempts          int
	NextAttemptAt     time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// GeneratedArtifact is one produced image belonging to a job.
type GeneratedArtifact struct {
	ID          string
	JobID       string
	StorageKey  string
	Name        string
	SizeBytes   int64
	Description string
	CreatedAt   time.Time
}

// UserProfile carries the per-user monthly quota counters.
type UserProfile struct {
	UserID       string
	MonthlyLimit int
	MonthlyUsed  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining returns the credits still available this month, never negative.
func (p UserProfile) Remaining() int {
	if p.MonthlyUsed >= p.MonthlyLimit {
		return 0
	}
	return p.MonthlyLimit - p.MonthlyUsed
}

// CanGenerate reports whether the user can afford a charge of cost credits.
func (p UserProfile) CanGenerate(cost int) bool {
	return p.Remaining() >= cost
}
