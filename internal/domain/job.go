package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	StateCreated          = "created"
	StateGeneratingScript = "generating_script"
	StatePendingRender    = "pending_render"
	StateRendering        = "rendering"
	StateCompleted        = "completed"
	StateFailed           = "failed"
)

// transitions is the only legal state graph. Retry is not an edge here: it is
// an explicit verb that resets a created/failed job back to generating_script
// with the attempt counter incremented.
var transitions = map[string][]string{
	StateCreated:          {StateGeneratingScript, StateFailed},
	StateGeneratingScript: {StatePendingRender, StateFailed},
	StatePendingRender:    {StateRendering, StateFailed},
	StateRendering:        {StateCompleted, StateFailed},
	StateCompleted:        {},
	StateFailed:           {},
}

type CreateJobRequest struct {
	Topic       string `json:"topic"`
	Description string `json:"description,omitempty"`
}

type Job struct {
	ID          string    `json:"job_id"`
	Topic       string    `json:"topic"`
	Description string    `json:"description,omitempty"`
	State       string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Script      string    `json:"script,omitempty"`
	SceneName   string    `json:"scene_name,omitempty"`
	ArtifactRef string    `json:"video_name,omitempty"`
	Error       string    `json:"error,omitempty"`
	Attempt     int       `json:"attempt"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type JobSummary struct {
	ID          string    `json:"job_id"`
	State       string    `json:"status"`
	Topic       string    `json:"topic"`
	ArtifactRef string    `json:"video_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (r CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return errors.New("topic is required")
	}
	if len(r.Topic) > 500 {
		return errors.New("topic must be at most 500 characters")
	}
	if len(r.Description) > 4000 {
		return errors.New("description must be at most 4000 characters")
	}
	return nil
}

func ValidState(state string) bool {
	_, ok := transitions[state]
	return ok
}

// IsTerminal reports whether state accepts no further pipeline transitions.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// IsInFlight reports whether a pipeline run may currently own the job.
func IsInFlight(state string) bool {
	switch state {
	case StateGeneratingScript, StatePendingRender, StateRendering:
		return true
	}
	return false
}

func ValidateTransition(from, to string) error {
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("unknown job state: %s", from)
	}
	for _, next := range allowed {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("illegal job state transition %s -> %s", from, to)
}

func (j Job) Summary() JobSummary {
	return JobSummary{
		ID:          j.ID,
		State:       j.State,
		Topic:       j.Topic,
		ArtifactRef: j.ArtifactRef,
		CreatedAt:   j.CreatedAt,
	}
}

// Validate checks the invariants every persisted record must satisfy. Stores
// run it on read so a corrupt record surfaces as a store error, never as a
// panic deeper in the pipeline.
func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is missing")
	}
	if !ValidState(j.State) {
		return fmt.Errorf("job %s has unknown state %q", j.ID, j.State)
	}
	if j.CreatedAt.IsZero() || j.UpdatedAt.IsZero() {
		return fmt.Errorf("job %s is missing timestamps", j.ID)
	}
	if (j.ArtifactRef != "") != (j.State == StateCompleted) {
		return fmt.Errorf("job %s: artifact reference does not match state %s", j.ID, j.State)
	}
	if (j.Error != "") != (j.State == StateFailed) {
		return fmt.Errorf("job %s: error text does not match state %s", j.ID, j.State)
	}
	if j.Attempt < 0 {
		return fmt.Errorf("job %s has negative attempt counter", j.ID)
	}
	return nil
}
