package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"animforge/internal/domain"
)

const (
	jobKeyPrefix = "animforge:job:"
	jobIndexKey  = "animforge:jobs:index"
)

// RedisJobStore is the default backend. Each job is a JSON blob under
// animforge:job:{id} with a TTL equal to the retention window, so expiration
// is native to the store. A sorted set scored by creation time provides
// most-recent-first listing without scanning keys; index entries whose job
// key has already expired are reaped opportunistically during ListRecent.
type RedisJobStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

func NewRedisJobStore(client redis.UniversalClient, retention time.Duration) (*RedisJobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	return &RedisJobStore{client: client, retention: retention}, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func (s *RedisJobStore) Put(ctx context.Context, job domain.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%w: marshal job %s: %v", ErrStoreUnavailable, job.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), payload, s.retention)
	pipe.ZAdd(ctx, jobIndexKey, redis.Z{
		Score:  float64(job.CreatedAt.UTC().Unix()),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: put job %s: %v", ErrStoreUnavailable, job.ID, err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	payload, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("%w: get job %s: %v", ErrStoreUnavailable, id, err)
	}

	var job domain.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return domain.Job{}, fmt.Errorf("%w: decode job %s: %v", ErrStoreUnavailable, id, err)
	}
	if err := job.Validate(); err != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return job, nil
}

func (s *RedisJobStore) ListRecent(ctx context.Context, limit int) ([]domain.JobSummary, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := s.client.ZRevRange(ctx, jobIndexKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", ErrStoreUnavailable, err)
	}

	summaries := make([]domain.JobSummary, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			// Job key expired but the index entry lingered; reap it.
			s.client.ZRem(ctx, jobIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, job.Summary())
	}
	return summaries, nil
}

func (s *RedisJobStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(id))
	pipe.ZRem(ctx, jobIndexKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: delete job %s: %v", ErrStoreUnavailable, id, err)
	}
	return nil
}

// Sweep drops index entries whose job key has expired. ListRecent already
// reaps lazily; Sweep exists for deployments that want a periodic pass.
func (s *RedisJobStore) Sweep(ctx context.Context) (int, error) {
	ids, err := s.client.ZRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: sweep index: %v", ErrStoreUnavailable, err)
	}

	removed := 0
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, jobKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("%w: sweep job %s: %v", ErrStoreUnavailable, id, err)
		}
		if exists == 0 {
			s.client.ZRem(ctx, jobIndexKey, id)
			removed++
		}
	}
	return removed, nil
}

func (s *RedisJobStore) Close() error {
	return s.client.Close()
}
