package worker

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"animforge/internal/domain"
	"animforge/internal/queue"
)

type fakeRunner struct {
	runErr error
	job    domain.Job
	runs   int
}

func (r *fakeRunner) Run(_ context.Context, _ string) error {
	r.runs++
	return r.runErr
}

func (r *fakeRunner) Get(_ context.Context, _ string) (domain.Job, error) {
	return r.job, nil
}

func testServer(runner PipelineRunner) *Server {
	return &Server{
		logger:  log.New(io.Discard, "", 0),
		runner:  runner,
		metrics: newMetrics(),
		tracer:  otel.Tracer("animforge/worker/test"),
	}
}

func renderTask(t *testing.T, jobID string) *asynq.Task {
	t.Helper()
	task, err := queue.NewRenderTask(queue.RenderPayload{
		JobID:       jobID,
		Topic:       "Circle Area",
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("NewRenderTask: %v", err)
	}
	return task
}

func TestHandleRenderAnimationSuccess(t *testing.T) {
	runner := &fakeRunner{job: domain.Job{ID: "job-1", State: domain.StateCompleted}}
	s := testServer(runner)

	if err := s.handleRenderAnimation(context.Background(), renderTask(t, "job-1")); err != nil {
		t.Fatalf("expected nil error for successful run, got %v", err)
	}
	if runner.runs != 1 {
		t.Fatalf("expected one run, got %d", runner.runs)
	}
}

func TestHandleRenderAnimationDropsDuplicateRuns(t *testing.T) {
	runner := &fakeRunner{runErr: domain.ErrJobBusy}
	s := testServer(runner)

	if err := s.handleRenderAnimation(context.Background(), renderTask(t, "job-1")); err != nil {
		t.Fatalf("expected duplicate run to be dropped without error, got %v", err)
	}
}

func TestHandleRenderAnimationSkipsRetryOnBadPayload(t *testing.T) {
	s := testServer(&fakeRunner{})

	task := asynq.NewTask(queue.TypeRenderAnimation, []byte("{not json"))
	err := s.handleRenderAnimation(context.Background(), task)
	if err == nil {
		t.Fatal("expected error for corrupt payload")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for corrupt payload, got %v", err)
	}
}
