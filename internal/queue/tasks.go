package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeRenderAnimation = "animation:render"

// RenderPayload carries only identifiers and audit fields. The job record in
// the store is the source of truth; the worker re-reads it before running.
type RenderPayload struct {
	JobID       string    `json:"job_id"`
	Topic       string    `json:"topic"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewRenderTask(payload RenderPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal render payload: %w", err)
	}
	return asynq.NewTask(TypeRenderAnimation, body), nil
}

func ParseRenderPayload(task *asynq.Task) (RenderPayload, error) {
	var payload RenderPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RenderPayload{}, fmt.Errorf("unmarshal render payload: %w", err)
	}
	return payload, nil
}
