// Package api exposes the job lifecycle over HTTP. Handlers translate the
// lifecycle controller's sentinel errors to status codes; all orchestration
// decisions live in the controller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"animforge/internal/domain"
	"animforge/internal/lifecycle"
	"animforge/internal/store"
)

// JobService is the slice of the lifecycle controller the API needs.
type JobService interface {
	Create(ctx context.Context, req domain.CreateJobRequest) (domain.Job, error)
	Get(ctx context.Context, jobID string) (domain.Job, error)
	List(ctx context.Context, limit int) ([]domain.JobSummary, error)
	Retry(ctx context.Context, jobID string) (domain.Job, error)
	Cancel(ctx context.Context, jobID string) (domain.Job, error)
	Artifact(ctx context.Context, jobID string) (string, error)
}

type Server struct {
	logger                *log.Logger
	jobs                  JobService
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	mux                   *http.ServeMux
}

type Option func(*Server)

func WithRateLimiter(limiter RateLimiter, userIDHeader string) Option {
	return func(s *Server) {
		s.rateLimiter = limiter
		if strings.TrimSpace(userIDHeader) != "" {
			s.rateLimitUserIDHeader = userIDHeader
		}
	}
}

func NewServer(logger *log.Logger, jobs JobService, opts ...Option) (*Server, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job service is required")
	}

	s := &Server{
		logger:                logger,
		jobs:                  jobs,
		rateLimitUserIDHeader: "X-User-ID",
		metrics:               newMetrics(),
		tracer:                otel.Tracer("animforge/api"),
		mux:                   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux
	handler = s.withRateLimit(handler)
	handler = s.withTracing(handler)
	handler = s.metrics.withHTTPMetrics(handler)
	return handler
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/retry", s.handleRetryJob)
	s.mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}/video", s.handleJobVideo)
	s.mux.HandleFunc("GET /v1/videos", s.handleListVideos)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	job, err := s.jobs.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	jobs, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []domain.JobSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

type videoEntry struct {
	JobID     string    `json:"job_id"`
	Name      string    `json:"video_name"`
	Topic     string    `json:"topic"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

// handleListVideos lists the artifacts of recently completed jobs, newest
// first. The url field points back at the job's video endpoint so callers do
// not have to know which artifact backend is behind it.
func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	jobs, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	videos := make([]videoEntry, 0, len(jobs))
	for _, job := range jobs {
		if job.State != domain.StateCompleted || job.ArtifactRef == "" {
			continue
		}
		videos = append(videos, videoEntry{
			JobID:     job.ID,
			Name:      job.ArtifactRef,
			Topic:     job.Topic,
			URL:       "/v1/jobs/" + job.ID + "/video",
			CreatedAt: job.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"videos": videos,
		"count":  len(videos),
	})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": job.ID,
		"status": job.State,
		"error":  job.Error,
	})
}

// handleJobVideo resolves the completed artifact. A filesystem location is
// streamed directly; an object-store location is a presigned URL and the
// client is redirected to it.
func (s *Server) handleJobVideo(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	location, err := s.jobs.Artifact(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		http.Redirect(w, r, location, http.StatusFound)
		return
	}

	if r.URL.Query().Get("download") == "1" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(location)))
	}
	w.Header().Set("Content-Type", "video/mp4")
	http.ServeFile(w, r, location)
}

// writeError maps lifecycle and store sentinels to HTTP status codes. Anything
// unmapped is a 500 with a generic body; the details stay in the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
	case errors.Is(err, lifecycle.ErrArtifactNotReady):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrJobBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job already has a run in flight"})
	case errors.Is(err, domain.ErrAlreadyCompleted):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "job already completed"})
	case errors.Is(err, domain.ErrRetryLimit):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "retry limit reached"})
	case errors.Is(err, domain.ErrOverloaded):
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "render queue is full, try again later"})
	case errors.Is(err, store.ErrStoreUnavailable):
		s.logger.Printf("store unavailable method=%s path=%s err=%v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "job store is unavailable"})
	default:
		s.logger.Printf("request failed method=%s path=%s err=%v", r.Method, r.URL.Path, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func limitParam(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return parsed, nil
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
