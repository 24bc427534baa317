package domain

import (
	"testing"
	"time"
)

func TestCreateJobRequestValidate(t *testing.T) {
	valid := CreateJobRequest{Topic: "Circle Area", Description: "Visualize the area of a circle"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}

	empty := CreateJobRequest{}
	if err := empty.Validate(); err == nil {
		t.Fatal("expected validation error for missing topic")
	}

	blank := CreateJobRequest{Topic: "   "}
	if err := blank.Validate(); err == nil {
		t.Fatal("expected validation error for blank topic")
	}
}

func TestValidateTransitionFollowsGraph(t *testing.T) {
	legal := [][2]string{
		{StateCreated, StateGeneratingScript},
		{StateGeneratingScript, StatePendingRender},
		{StatePendingRender, StateRendering},
		{StateRendering, StateCompleted},
		{StateRendering, StateFailed},
		{StateGeneratingScript, StateFailed},
	}
	for _, tc := range legal {
		if err := ValidateTransition(tc[0], tc[1]); err != nil {
			t.Fatalf("expected %s -> %s to be legal: %v", tc[0], tc[1], err)
		}
	}

	illegal := [][2]string{
		{StateCreated, StateRendering},
		{StateCreated, StateCompleted},
		{StateGeneratingScript, StateCompleted},
		{StateCompleted, StateGeneratingScript},
		{StateFailed, StateRendering},
		{StateRendering, StateCreated},
	}
	for _, tc := range illegal {
		if err := ValidateTransition(tc[0], tc[1]); err == nil {
			t.Fatalf("expected %s -> %s to be rejected", tc[0], tc[1])
		}
	}
}

func TestJobValidateInvariants(t *testing.T) {
	now := time.Now().UTC()
	base := Job{
		ID:        "job-1",
		Topic:     "Circle Area",
		State:     StateCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base job to validate: %v", err)
	}

	completed := base
	completed.State = StateCompleted
	completed.ArtifactRef = "CircleAreaScene.mp4"
	if err := completed.Validate(); err != nil {
		t.Fatalf("expected completed job with artifact to validate: %v", err)
	}

	completedNoArtifact := base
	completedNoArtifact.State = StateCompleted
	if err := completedNoArtifact.Validate(); err == nil {
		t.Fatal("expected completed job without artifact to be invalid")
	}

	artifactTooEarly := base
	artifactTooEarly.ArtifactRef = "CircleAreaScene.mp4"
	if err := artifactTooEarly.Validate(); err == nil {
		t.Fatal("expected non-completed job with artifact to be invalid")
	}

	failedNoError := base
	failedNoError.State = StateFailed
	if err := failedNoError.Validate(); err == nil {
		t.Fatal("expected failed job without error text to be invalid")
	}

	unknownState := base
	unknownState.State = "paused"
	if err := unknownState.Validate(); err == nil {
		t.Fatal("expected unknown state to be invalid")
	}
}
