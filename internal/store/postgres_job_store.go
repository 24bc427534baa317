package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"animforge/internal/domain"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS animation_jobs (
	id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	script TEXT NOT NULL DEFAULT '',
	scene_name TEXT NOT NULL DEFAULT '',
	artifact_ref TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	attempt INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS animation_jobs_created_at_idx ON animation_jobs (created_at DESC);
`

// PostgresJobStore is the relational backend. Postgres has no native key
// expiry, so reads filter on the retention window and DeleteExpired performs
// the physical sweep.
type PostgresJobStore struct {
	db        *sql.DB
	retention time.Duration
}

func NewPostgresJobStore(ctx context.Context, dsn string, retention time.Duration) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresJobStore{db: db, retention: retention}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure animation_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Put(ctx context.Context, job domain.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO animation_jobs
		   (id, topic, description, status, message, script, scene_name, artifact_ref, error, attempt, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   message = EXCLUDED.message,
		   script = EXCLUDED.script,
		   scene_name = EXCLUDED.scene_name,
		   artifact_ref = EXCLUDED.artifact_ref,
		   error = EXCLUDED.error,
		   attempt = EXCLUDED.attempt,
		   updated_at = EXCLUDED.updated_at`,
		job.ID,
		job.Topic,
		job.Description,
		job.State,
		job.Message,
		job.Script,
		job.SceneName,
		job.ArtifactRef,
		job.Error,
		job.Attempt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: upsert job %s: %v", ErrStoreUnavailable, job.ID, err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, topic, description, status, message, script, scene_name, artifact_ref, error, attempt, created_at, updated_at
		 FROM animation_jobs
		 WHERE id = $1 AND created_at > $2`,
		id,
		s.cutoff(),
	)

	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.Topic,
		&job.Description,
		&job.State,
		&job.Message,
		&job.Script,
		&job.SceneName,
		&job.ArtifactRef,
		&job.Error,
		&job.Attempt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("%w: query job %s: %v", ErrStoreUnavailable, id, err)
	}

	if err := job.Validate(); err != nil {
		return domain.Job{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return job, nil
}

func (s *PostgresJobStore) ListRecent(ctx context.Context, limit int) ([]domain.JobSummary, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, topic, status, artifact_ref, created_at
		 FROM animation_jobs
		 WHERE created_at > $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		s.cutoff(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var summaries []domain.JobSummary
	for rows.Next() {
		var item domain.JobSummary
		if err := rows.Scan(&item.ID, &item.Topic, &item.State, &item.ArtifactRef, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan job summary: %v", ErrStoreUnavailable, err)
		}
		summaries = append(summaries, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list jobs: %v", ErrStoreUnavailable, err)
	}
	return summaries, nil
}

func (s *PostgresJobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM animation_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("%w: delete job %s: %v", ErrStoreUnavailable, id, err)
	}
	return nil
}

// DeleteExpired physically removes records past the retention window.
func (s *PostgresJobStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM animation_jobs WHERE created_at <= $1`, s.cutoff())
	if err != nil {
		return 0, fmt.Errorf("%w: delete expired jobs: %v", ErrStoreUnavailable, err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return removed, nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) cutoff() time.Time {
	if s.retention <= 0 {
		return time.Time{}
	}
	return time.Now().UTC().Add(-s.retention)
}
