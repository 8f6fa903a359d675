package image

import "context"

// GenerateRequest describes one batch of variant generations for a job.
type GenerateRequest struct {
	SourceImage []byte
	SourceMIME  string
	Prompt      string
	Count       int
	AspectRatio string
	Model       string
	RequestID   string
}

// Result is one successfully generated variant. ModelUsed records the model
// that actually served the call, which differs from the requested model when
// the backend substituted the default.
type Result struct {
	Data        []byte
	Format      string
	Description string
	Index       int
	ModelUsed   string
}

// Generator is the contract the job pipeline generates variants through.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]Result, error)
}
