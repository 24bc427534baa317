package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"animforge/internal/domain"
)

// MemoryJobStore keeps jobs in a map with a recency index. It honors the same
// retention window as the durable backends: expired records stop being
// returned even though the sweep may physically remove them later.
type MemoryJobStore struct {
	mu        sync.RWMutex
	jobs      map[string]domain.Job
	retention time.Duration
	now       func() time.Time
}

func NewMemoryJobStore(retention time.Duration) *MemoryJobStore {
	return &MemoryJobStore{
		jobs:      make(map[string]domain.Job),
		retention: retention,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Expiration tests use it to move time
// past the retention window without sleeping.
func (s *MemoryJobStore) WithClock(now func() time.Time) *MemoryJobStore {
	s.now = now
	return s
}

func (s *MemoryJobStore) Put(_ context.Context, job domain.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok || s.expired(job) {
		return domain.Job{}, ErrJobNotFound
	}
	if err := job.Validate(); err != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return job, nil
}

func (s *MemoryJobStore) ListRecent(_ context.Context, limit int) ([]domain.JobSummary, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	live := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !s.expired(job) {
			live = append(live, job)
		}
	}
	s.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool {
		return live[i].CreatedAt.After(live[j].CreatedAt)
	})
	if len(live) > limit {
		live = live[:limit]
	}

	summaries := make([]domain.JobSummary, 0, len(live))
	for _, job := range live {
		summaries = append(summaries, job.Summary())
	}
	return summaries, nil
}

func (s *MemoryJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// Sweep removes expired records and returns how many were dropped.
func (s *MemoryJobStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if s.expired(job) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryJobStore) Close() error {
	return nil
}

func (s *MemoryJobStore) expired(job domain.Job) bool {
	if s.retention <= 0 {
		return false
	}
	return s.now().After(job.CreatedAt.Add(s.retention))
}
