package render

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"animforge/internal/artifact"
)

const sampleSource = "from manim import *\n\nclass DemoScene(Scene):\n    def construct(self):\n        self.wait(1)\n"

// fakeEngine writes a shell script standing in for the rendering engine. The
// executor invokes it as: <binary> -ql --media_dir <dir> <script> <scene>, so
// $3 is the media dir and $5 the scene name.
func fakeEngine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-engine")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake engine: %v", err)
	}
	return path
}

func newTestExecutor(t *testing.T, binary string, timeout time.Duration) *EngineExecutor {
	t.Helper()
	artifacts, err := artifact.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	e, err := NewEngineExecutor(EngineConfig{
		Binary:      binary,
		QualityFlag: "-ql",
		ScriptsDir:  t.TempDir(),
		WorkDir:     t.TempDir(),
		Timeout:     timeout,
	}, artifacts)
	if err != nil {
		t.Fatalf("NewEngineExecutor: %v", err)
	}
	return e
}

func TestRenderSuccessPublishesArtifact(t *testing.T) {
	engine := fakeEngine(t, `mkdir -p "$3/videos" && printf 'video-bytes' > "$3/videos/$5.mp4"`)
	e := newTestExecutor(t, engine, 30*time.Second)

	result, err := e.Render(context.Background(), Request{
		JobID:     "job-1",
		Source:    sampleSource,
		SceneName: "DemoScene",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if result.ArtifactRef == "" {
		t.Fatal("expected artifact reference")
	}
	if !strings.Contains(result.ArtifactRef, "DemoScene.mp4") {
		t.Fatalf("expected reference to name the scene video, got %q", result.ArtifactRef)
	}
}

func TestRenderNonzeroExitReturnsDiagnostics(t *testing.T) {
	engine := fakeEngine(t, `echo 'Traceback: something broke' >&2; exit 3`)
	e := newTestExecutor(t, engine, 30*time.Second)

	_, err := e.Render(context.Background(), Request{
		JobID:     "job-1",
		Source:    sampleSource,
		SceneName: "DemoScene",
	})
	if !errors.Is(err, ErrRenderFailed) {
		t.Fatalf("expected ErrRenderFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "something broke") {
		t.Fatalf("expected diagnostics in error, got %v", err)
	}
}

func TestRenderTimeoutKillsEngine(t *testing.T) {
	engine := fakeEngine(t, `sleep 30`)
	e := newTestExecutor(t, engine, 200*time.Millisecond)

	start := time.Now()
	_, err := e.Render(context.Background(), Request{
		JobID:     "job-1",
		Source:    sampleSource,
		SceneName: "DemoScene",
	})
	if !errors.Is(err, ErrRenderTimeout) {
		t.Fatalf("expected ErrRenderTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Fatalf("expected prompt termination, render returned after %s", elapsed)
	}
}

func TestRenderMissingOutputFails(t *testing.T) {
	engine := fakeEngine(t, `exit 0`)
	e := newTestExecutor(t, engine, 30*time.Second)

	_, err := e.Render(context.Background(), Request{
		JobID:     "job-1",
		Source:    sampleSource,
		SceneName: "DemoScene",
	})
	if !errors.Is(err, ErrRenderFailed) {
		t.Fatalf("expected ErrRenderFailed for missing output, got %v", err)
	}
}

func TestRenderWrongSceneVideoIsAmbiguous(t *testing.T) {
	engine := fakeEngine(t, `mkdir -p "$3/videos" && printf 'x' > "$3/videos/SomethingElse.mp4"`)
	e := newTestExecutor(t, engine, 30*time.Second)

	_, err := e.Render(context.Background(), Request{
		JobID:     "job-1",
		Source:    sampleSource,
		SceneName: "DemoScene",
	})
	if !errors.Is(err, ErrAmbiguousOutput) {
		t.Fatalf("expected ErrAmbiguousOutput, got %v", err)
	}
}

func TestBoundedBufferTruncates(t *testing.T) {
	b := newBoundedBuffer(8)
	if _, err := b.Write([]byte("0123456789abcdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	out := b.String()
	if !strings.HasPrefix(out, "01234567") {
		t.Fatalf("expected capped prefix, got %q", out)
	}
	if !strings.Contains(out, "truncated") {
		t.Fatalf("expected truncation marker, got %q", out)
	}
}
