package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"animforge/internal/config"
	"animforge/internal/domain"
	"animforge/internal/queue"
	"animforge/internal/store"
)

// PipelineRunner is the slice of the lifecycle controller the worker needs.
type PipelineRunner interface {
	Run(ctx context.Context, jobID string) error
	Get(ctx context.Context, jobID string) (domain.Job, error)
}

type Server struct {
	logger  *log.Logger
	server  *asynq.Server
	runner  PipelineRunner
	metrics *metrics
	tracer  trace.Tracer
}

func NewServer(logger *log.Logger, queueCfg config.QueueConfig, renderCfg config.RenderConfig, runner PipelineRunner) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("pipeline runner is required")
	}

	concurrency := renderCfg.WorkerSlots
	if concurrency < 1 {
		concurrency = 1
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
					logger.Printf("task failed type=%s err=%v", task.Type(), err)
				}),
			},
		),
		runner:  runner,
		metrics: newMetrics(),
		tracer:  otel.Tracer("animforge/worker"),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRenderAnimation, s.handleRenderAnimation)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRenderAnimation(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()

	payload, err := queue.ParseRenderPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.render_animation", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.topic", payload.Topic),
		attribute.Int("job.attempt", payload.Attempt),
	)
	defer span.End()

	s.metrics.activeRuns.Inc()
	defer s.metrics.activeRuns.Dec()
	if payload.Attempt > 0 {
		s.metrics.retriesSeen.Inc()
	}

	s.logger.Printf("run started job_id=%s topic=%q attempt=%d", payload.JobID, payload.Topic, payload.Attempt)

	runErr := s.runner.Run(ctx, payload.JobID)
	outcome := s.outcome(ctx, payload.JobID, runErr)

	s.metrics.runDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
	s.metrics.runsTotal.WithLabelValues(outcome).Inc()

	switch {
	case runErr == nil:
		s.logger.Printf("run finished job_id=%s status=%s elapsed=%s", payload.JobID, outcome, time.Since(startedAt).Round(time.Millisecond))
		span.SetStatus(codes.Ok, outcome)
		return nil
	case errors.Is(runErr, domain.ErrJobBusy):
		// Another run already owns the job; dropping the duplicate keeps the
		// one-pipeline-per-job guarantee.
		s.logger.Printf("run skipped job_id=%s reason=busy", payload.JobID)
		span.SetStatus(codes.Ok, "duplicate run dropped")
		return nil
	case errors.Is(runErr, store.ErrJobNotFound):
		s.logger.Printf("run skipped job_id=%s reason=expired", payload.JobID)
		span.SetStatus(codes.Ok, "job expired before run")
		return fmt.Errorf("job %s not found: %w", payload.JobID, asynq.SkipRetry)
	default:
		// Store-level failure: the run could not record its outcome. Surface
		// it; the job stays parked in its last committed state for a manual
		// retry.
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "run failed")
		return fmt.Errorf("run job %s: %v: %w", payload.JobID, runErr, asynq.SkipRetry)
	}
}

// outcome labels metrics with the job's final state rather than the handler
// error: pipeline failures are recorded on the job and return a nil error.
func (s *Server) outcome(ctx context.Context, jobID string, runErr error) string {
	if runErr != nil {
		return "error"
	}
	job, err := s.runner.Get(ctx, jobID)
	if err != nil {
		return "unknown"
	}
	return job.State
}
