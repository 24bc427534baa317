package scriptgen

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestGenerator(t *testing.T, baseURL string, timeout time.Duration) *GeminiGenerator {
	t.Helper()
	g, err := NewGeminiGenerator(GeminiConfig{
		APIKey:  "test-key",
		Model:   "test-model",
		BaseURL: baseURL,
		Timeout: timeout,
	})
	if err != nil {
		t.Fatalf("NewGeminiGenerator: %v", err)
	}
	return g
}

func candidateResponse(text, finishReason string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"parts": []map[string]any{{"text": text}},
				},
				"finishReason": finishReason,
			},
		},
	})
	return payload
}

func TestGenerateReturnsCleanedScript(t *testing.T) {
	modelOutput := "Here is your animation:\n```python\n" +
		"from manim import *\n\n" +
		"class CircleAreaScene(Scene):\n" +
		"    def construct(self):\n" +
		"        circle = Circle()\n" +
		"        self.play(Create(circle))\n" +
		"```\nLet me know if you need changes!"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("expected api key header, got %q", r.Header.Get("x-goog-api-key"))
		}
		if !strings.Contains(r.URL.Path, "test-model") {
			t.Errorf("expected model in path, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(candidateResponse(modelOutput, "STOP"))
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, 5*time.Second)
	script, err := g.Generate(context.Background(), "circle area", "basics")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if script.SceneName != "CircleAreaScene" {
		t.Fatalf("expected scene CircleAreaScene, got %q", script.SceneName)
	}
	if !strings.HasPrefix(script.Source, "from manim import *") {
		t.Fatalf("expected source to start at the first import, got:\n%s", script.Source)
	}
	if strings.Contains(script.Source, "```") {
		t.Fatalf("expected markdown fences to be stripped, got:\n%s", script.Source)
	}
	if strings.Contains(script.Source, "Let me know") {
		t.Fatalf("expected trailing prose to be trimmed, got:\n%s", script.Source)
	}
}

func TestGenerateClassifiesPolicyRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, 5*time.Second)
	_, err := g.Generate(context.Background(), "topic", "")
	if !errors.Is(err, ErrGenerationRejected) {
		t.Fatalf("expected ErrGenerationRejected, got %v", err)
	}
}

func TestGenerateClassifiesSafetyFinish(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(candidateResponse("", "SAFETY"))
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, 5*time.Second)
	_, err := g.Generate(context.Background(), "topic", "")
	if !errors.Is(err, ErrGenerationRejected) {
		t.Fatalf("expected ErrGenerationRejected, got %v", err)
	}
}

func TestGenerateClassifiesTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	g := newTestGenerator(t, srv.URL, 50*time.Millisecond)
	_, err := g.Generate(context.Background(), "topic", "")
	if !errors.Is(err, ErrGenerationTimeout) {
		t.Fatalf("expected ErrGenerationTimeout, got %v", err)
	}
}

func TestGenerateClassifiesUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":500,"message":"backend unavailable"}}`))
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, 5*time.Second)
	_, err := g.Generate(context.Background(), "topic", "")
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
}

func TestGenerateRejectsIncompleteScript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(candidateResponse("print('not a scene')", "STOP"))
	}))
	defer srv.Close()

	g := newTestGenerator(t, srv.URL, 5*time.Second)
	_, err := g.Generate(context.Background(), "topic", "")
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed for incomplete script, got %v", err)
	}
}
