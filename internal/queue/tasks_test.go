package queue

import (
	"testing"
	"time"
)

func TestRenderTaskRoundTrip(t *testing.T) {
	payload := RenderPayload{
		JobID:       "job-123",
		Topic:       "Circle Area",
		Attempt:     1,
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewRenderTask(payload)
	if err != nil {
		t.Fatalf("NewRenderTask returned error: %v", err)
	}
	if task.Type() != TypeRenderAnimation {
		t.Fatalf("expected task type %q, got %q", TypeRenderAnimation, task.Type())
	}

	parsed, err := ParseRenderPayload(task)
	if err != nil {
		t.Fatalf("ParseRenderPayload returned error: %v", err)
	}
	if parsed.JobID != payload.JobID {
		t.Fatalf("expected job_id %q, got %q", payload.JobID, parsed.JobID)
	}
	if parsed.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", parsed.Attempt)
	}
}
