// Package lifecycle owns the job state machine. The controller is the only
// component that mutates a job record: every transition is committed to the
// store before the next pipeline stage begins, so a crash parks the job in
// its last committed state and an explicit retry recovers it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"animforge/internal/artifact"
	"animforge/internal/domain"
	"animforge/internal/id"
	"animforge/internal/queue"
	"animforge/internal/render"
	"animforge/internal/scriptgen"
	"animforge/internal/store"
)

// ErrArtifactNotReady rejects an artifact fetch for a job that has not
// completed.
var ErrArtifactNotReady = errors.New("video not ready")

// Dispatcher hands pipeline runs to the worker pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload queue.RenderPayload) error
	Depth(ctx context.Context) (int, error)
	CancelPending(ctx context.Context, jobID string) (bool, error)
	CancelRunning(ctx context.Context, jobID string) error
}

type Config struct {
	MaxRetries        int
	QueueMaxDepth     int
	RenderConcurrency int
	RenderTimeout     time.Duration
	ListLimit         int
}

type Controller struct {
	logger     *log.Logger
	store      store.JobStore
	dispatcher Dispatcher
	generator  scriptgen.Generator
	executor   render.Executor
	artifacts  artifact.Store
	cfg        Config

	mu       sync.Mutex
	inflight map[string]struct{}

	renderSlots chan struct{}
}

// NewController wires the state machine. Generator and executor may be nil in
// an API-only deployment that never calls Run; store and dispatcher are
// always required.
func NewController(
	logger *log.Logger,
	jobStore store.JobStore,
	dispatcher Dispatcher,
	generator scriptgen.Generator,
	executor render.Executor,
	artifacts artifact.Store,
	cfg Config,
) (*Controller, error) {
	if jobStore == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 50
	}
	slots := cfg.RenderConcurrency
	if slots < 1 {
		slots = 1
	}

	return &Controller{
		logger:      logger,
		store:       jobStore,
		dispatcher:  dispatcher,
		generator:   generator,
		executor:    executor,
		artifacts:   artifacts,
		cfg:         cfg,
		inflight:    make(map[string]struct{}),
		renderSlots: make(chan struct{}, slots),
	}, nil
}

// Create persists a new job and dispatches its first pipeline run. Creation
// is refused outright when the render queue is at capacity, before anything
// is persisted.
func (c *Controller) Create(ctx context.Context, req domain.CreateJobRequest) (domain.Job, error) {
	if err := req.Validate(); err != nil {
		return domain.Job{}, err
	}

	if c.cfg.QueueMaxDepth > 0 {
		depth, err := c.dispatcher.Depth(ctx)
		if err != nil {
			// Queue introspection failing is not a reason to refuse work;
			// a dead broker will surface on dispatch anyway.
			c.logger.Printf("queue depth check failed err=%v", err)
		} else if depth >= c.cfg.QueueMaxDepth {
			return domain.Job{}, domain.ErrOverloaded
		}
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:          id.New(),
		Topic:       strings.TrimSpace(req.Topic),
		Description: strings.TrimSpace(req.Description),
		State:       domain.StateCreated,
		Message:     "Animation request accepted",
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := c.store.Put(ctx, job); err != nil {
		return domain.Job{}, err
	}

	if err := c.dispatch(ctx, job); err != nil {
		c.failJob(ctx, &job, "failed to queue pipeline run: "+err.Error())
		return domain.Job{}, fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}

	c.logger.Printf("job created job_id=%s topic=%q", job.ID, job.Topic)
	return job, nil
}

func (c *Controller) Get(ctx context.Context, jobID string) (domain.Job, error) {
	return c.store.Get(ctx, jobID)
}

func (c *Controller) List(ctx context.Context, limit int) ([]domain.JobSummary, error) {
	if limit <= 0 || limit > c.cfg.ListLimit {
		limit = c.cfg.ListLimit
	}
	return c.store.ListRecent(ctx, limit)
}

// Retry resets a created or failed job back to generating_script with the
// attempt counter incremented and dispatches a fresh pipeline run. Retry is
// the only path by which a job leaves the failed state.
func (c *Controller) Retry(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}

	switch {
	case job.State == domain.StateCompleted:
		return domain.Job{}, domain.ErrAlreadyCompleted
	case domain.IsInFlight(job.State):
		return domain.Job{}, domain.ErrJobBusy
	case job.Attempt >= c.cfg.MaxRetries:
		return domain.Job{}, domain.ErrRetryLimit
	}

	prev := job
	job.State = domain.StateGeneratingScript
	job.Message = "Regenerating animation script with AI..."
	job.Script = ""
	job.SceneName = ""
	job.ArtifactRef = ""
	job.Error = ""
	job.Attempt++
	job.UpdatedAt = time.Now().UTC()

	if err := c.store.Put(ctx, job); err != nil {
		return domain.Job{}, err
	}
	if err := c.dispatch(ctx, job); err != nil {
		if errors.Is(err, domain.ErrJobBusy) {
			// The broker still holds a task for this job: another instance
			// won the race. Restore the record so the rejection leaves the
			// persisted state untouched.
			if putErr := c.store.Put(ctx, prev); putErr != nil {
				c.logger.Printf("restore job after dispatch conflict failed job_id=%s err=%v", job.ID, putErr)
			}
			return domain.Job{}, domain.ErrJobBusy
		}
		c.failJob(ctx, &job, "failed to queue pipeline run: "+err.Error())
		return domain.Job{}, fmt.Errorf("dispatch retry for job %s: %w", job.ID, err)
	}

	c.logger.Printf("job retry job_id=%s attempt=%d", job.ID, job.Attempt)
	return job, nil
}

// Cancel moves a pending or in-flight job to failed with reason "cancelled".
// A queued task is deleted before it starts; a running task has its context
// cancelled, which kills the engine subprocess.
func (c *Controller) Cancel(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}

	if job.State == domain.StateCompleted {
		return domain.Job{}, domain.ErrAlreadyCompleted
	}
	if job.State == domain.StateFailed {
		return job, nil
	}

	removed, err := c.dispatcher.CancelPending(ctx, jobID)
	if err != nil {
		c.logger.Printf("cancel pending failed job_id=%s err=%v", jobID, err)
	}
	if !removed {
		if err := c.dispatcher.CancelRunning(ctx, jobID); err != nil {
			c.logger.Printf("cancel running failed job_id=%s err=%v", jobID, err)
		}
	}

	c.failJob(ctx, &job, "cancelled")
	c.logger.Printf("job cancelled job_id=%s", jobID)
	return job, nil
}

// Artifact resolves the video location for a completed job.
func (c *Controller) Artifact(ctx context.Context, jobID string) (string, error) {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.State != domain.StateCompleted || job.ArtifactRef == "" {
		return "", fmt.Errorf("%w: job status is %s", ErrArtifactNotReady, job.State)
	}
	if c.artifacts == nil {
		return "", fmt.Errorf("artifact store is not configured")
	}

	exists, err := c.artifacts.Exists(ctx, job.ArtifactRef)
	if err != nil {
		return "", fmt.Errorf("check artifact for job %s: %w", jobID, err)
	}
	if !exists {
		return "", fmt.Errorf("%w: artifact %s is gone", ErrArtifactNotReady, job.ArtifactRef)
	}
	return c.artifacts.Location(ctx, job.ArtifactRef)
}

// Run executes one pipeline attempt for a job: generate, wait for a render
// slot, render, complete. Exactly one run per job id may be in flight;
// adapter and executor failures are committed as a failed state and never
// escape as errors.
func (c *Controller) Run(ctx context.Context, jobID string) error {
	if c.generator == nil || c.executor == nil {
		return fmt.Errorf("controller is not configured for pipeline runs")
	}

	if !c.acquire(jobID) {
		return domain.ErrJobBusy
	}
	defer c.release(jobID)

	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if domain.IsTerminal(job.State) {
		// Cancelled or already resolved before the worker picked it up.
		c.logger.Printf("skipping run for terminal job job_id=%s status=%s", jobID, job.State)
		return nil
	}

	if job.State == domain.StateCreated {
		if err := c.commit(ctx, &job, domain.StateGeneratingScript, "Generating animation script with AI..."); err != nil {
			return err
		}
	}

	script, err := c.generator.Generate(ctx, job.Topic, job.Description)
	if err != nil {
		c.failJob(ctx, &job, c.failureReason(ctx, err))
		return nil
	}

	job.Script = script.Source
	job.SceneName = script.SceneName
	if err := c.commit(ctx, &job, domain.StatePendingRender, "Script ready; waiting for a render slot"); err != nil {
		return err
	}

	select {
	case c.renderSlots <- struct{}{}:
	case <-ctx.Done():
		c.failJob(ctx, &job, c.failureReason(ctx, ctx.Err()))
		return nil
	}
	defer func() { <-c.renderSlots }()

	if err := c.commit(ctx, &job, domain.StateRendering, "Rendering animation..."); err != nil {
		return err
	}

	result, err := c.executor.Render(ctx, render.Request{
		JobID:     job.ID,
		Source:    job.Script,
		SceneName: job.SceneName,
		Timeout:   c.cfg.RenderTimeout,
	})
	if err != nil {
		c.failJob(ctx, &job, c.failureReason(ctx, err))
		return nil
	}

	job.ArtifactRef = result.ArtifactRef
	if err := c.commit(ctx, &job, domain.StateCompleted, "Animation completed successfully"); err != nil {
		return err
	}

	c.logger.Printf("job completed job_id=%s attempt=%d video=%s", job.ID, job.Attempt, job.ArtifactRef)
	return nil
}

func (c *Controller) dispatch(ctx context.Context, job domain.Job) error {
	return c.dispatcher.Dispatch(ctx, queue.RenderPayload{
		JobID:       job.ID,
		Topic:       job.Topic,
		Attempt:     job.Attempt,
		RequestedAt: time.Now().UTC(),
	})
}

func (c *Controller) acquire(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, held := c.inflight[jobID]; held {
		return false
	}
	c.inflight[jobID] = struct{}{}
	return true
}

func (c *Controller) release(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, jobID)
}

// commit validates the transition and writes the whole record back. The store
// write happens before the next stage runs, which is what keeps concurrent
// status polls consistent.
func (c *Controller) commit(ctx context.Context, job *domain.Job, state, message string) error {
	if err := domain.ValidateTransition(job.State, state); err != nil {
		return err
	}
	job.State = state
	job.Message = message
	job.UpdatedAt = time.Now().UTC()
	return c.store.Put(ctx, *job)
}

// failJob durably records a terminal failure. Store errors here are logged
// and swallowed: there is nothing left to do for the job, and the caller
// already has the primary error.
func (c *Controller) failJob(ctx context.Context, job *domain.Job, reason string) {
	job.State = domain.StateFailed
	job.Message = "Animation failed"
	job.Error = reason
	job.ArtifactRef = ""
	job.UpdatedAt = time.Now().UTC()
	if err := c.store.Put(ctx, *job); err != nil {
		c.logger.Printf("record failure failed job_id=%s reason=%q err=%v", job.ID, reason, err)
		return
	}
	c.logger.Printf("job failed job_id=%s attempt=%d reason=%q", job.ID, job.Attempt, reason)
}

// failureReason maps pipeline errors to the human-readable text stored on the
// job. Cancellation wins over whatever error the cancelled stage returned.
func (c *Controller) failureReason(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return "cancelled"
	}
	// Timeout and rejection sentinels already carry descriptive text
	// (e.g. "script generation timed out: ..."), so the error string is the
	// stored reason as-is.
	return err.Error()
}
