package broadcast

import "atelier/internal/domain"

// Event kinds carried on a job's channel. Every payload includes the Type
// discriminator so subscribers can switch without sniffing fields.
const (
	TypeProgress  = "progress"
	TypeCompleted = "completed"
	TypeFailed    = "failed"
	TypeCancelled = "cancelled"
)

// ArtifactRef is the client-facing view of one persisted artifact.
type ArtifactRef struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Description string `json:"description,omitempty"`
}

// Event is one progress/result notification for a job. Fields beyond Type and
// Message are populated per kind.
type Event struct {
	Type     string                  `json:"type"`
	Message  string                  `json:"message"`
	Percent  int                     `json:"percent,omitempty"`
	Current  int                     `json:"current,omitempty"`
	Total    int                     `json:"total,omitempty"`
	Fallback *domain.FallbackSummary `json:"fallback,omitempty"`
	Images   []ArtifactRef           `json:"images,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// Progress builds a plain progress event.
func Progress(message string, percent int) Event {
	return Event{Type: TypeProgress, Message: message, Percent: percent}
}

// StepProgress builds a progress event for artifact current of total.
func StepProgress(message string, percent, current, total int) Event {
	return Event{Type: TypeProgress, Message: message, Percent: percent, Current: current, Total: total}
}

// FallbackProgress builds a progress event carrying a reconciliation summary.
func FallbackProgress(message string, percent int, summary domain.FallbackSummary) Event {
	return Event{Type: TypeProgress, Message: message, Percent: percent, Fallback: &summary}
}

// Completed builds the terminal success event listing persisted artifacts.
func Completed(message string, images []ArtifactRef) Event {
	return Event{Type: TypeCompleted, Message: message, Images: images}
}

// Failed builds the terminal failure event.
func Failed(message, errMsg string) Event {
	return Event{Type: TypeFailed, Message: message, Error: errMsg}
}

// Cancelled builds the terminal cancellation event.
func Cancelled(message string) Event {
	return Event{Type: TypeCancelled, Message: message}
}
