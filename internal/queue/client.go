package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"animforge/internal/domain"
)

// Client dispatches pipeline runs. The task id is the job id, so the broker
// itself refuses a second in-flight dispatch for the same job; retries are a
// manual verb in this system, so the broker never retries on its own.
type Client struct {
	client      *asynq.Client
	inspector   *asynq.Inspector
	queue       string
	taskTimeout time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, taskTimeout time.Duration) *Client {
	if taskTimeout <= 0 {
		taskTimeout = 15 * time.Minute
	}
	return &Client{
		client:      asynq.NewClient(redisOpt),
		inspector:   asynq.NewInspector(redisOpt),
		queue:       queueName,
		taskTimeout: taskTimeout,
	}
}

func (c *Client) Dispatch(ctx context.Context, payload RenderPayload) error {
	task, err := NewRenderTask(payload)
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(0),
		asynq.Timeout(c.taskTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return domain.ErrJobBusy
	}
	if err != nil {
		return fmt.Errorf("enqueue render for job %s: %w", payload.JobID, err)
	}
	return nil
}

// Depth returns pending plus active tasks, the number the overload ceiling is
// checked against.
func (c *Client) Depth(_ context.Context) (int, error) {
	info, err := c.inspector.GetQueueInfo(c.queue)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", c.queue, err)
	}
	return info.Pending + info.Active + info.Scheduled, nil
}

// CancelPending removes a not-yet-started task. It reports whether a pending
// task was actually deleted.
func (c *Client) CancelPending(_ context.Context, jobID string) (bool, error) {
	err := c.inspector.DeleteTask(c.queue, jobID)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return false, nil
	}
	// An active task cannot be deleted; the caller falls through to a
	// running-task cancellation.
	return false, nil
}

// CancelRunning asks the worker to cancel the handler context for a running
// task, which kills the engine subprocess.
func (c *Client) CancelRunning(_ context.Context, jobID string) error {
	if err := c.inspector.CancelProcessing(jobID); err != nil {
		return fmt.Errorf("cancel running task for job %s: %w", jobID, err)
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.client.Close(); err != nil {
		return err
	}
	return c.inspector.Close()
}
