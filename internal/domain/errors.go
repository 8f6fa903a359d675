package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrQuotaExceeded   = errors.New("quota exceeded")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrJobFinished     = errors.New("job already finished")
	ErrProviderFailure = errors.New("provider failure")
)
