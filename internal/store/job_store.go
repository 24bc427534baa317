package store

import (
	"context"
	"errors"

	"animforge/internal/domain"
)

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrStoreUnavailable wraps every backend failure that is not a plain
	// missing key. Callers treat the job system as degraded, not crashed.
	ErrStoreUnavailable = errors.New("job store unavailable")
)

// JobStore persists whole job records keyed by id. Put is last-writer-wins for
// the full record; partial-field updates are deliberately not exposed, so the
// lifecycle controller always reads, mutates, and writes back one record under
// its per-job lock. Records expire after the configured retention window.
type JobStore interface {
	Put(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	ListRecent(ctx context.Context, limit int) ([]domain.JobSummary, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
