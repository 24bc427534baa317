package domain

import "errors"

// Rejections of an invalid request. They leave the persisted job untouched and
// are surfaced to the caller of the public operations instead of marking the
// job failed.
var (
	ErrJobBusy          = errors.New("a pipeline run is already in flight for this job")
	ErrAlreadyCompleted = errors.New("job already completed")
	ErrRetryLimit       = errors.New("retry limit reached for this job")
	ErrOverloaded       = errors.New("render queue is at capacity")
)
