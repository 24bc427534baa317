// Package render drives the external rendering engine as a bounded,
// cancellable subprocess and publishes the produced video through the
// artifact content area.
package render

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"animforge/internal/artifact"
)

var (
	ErrRenderFailed    = errors.New("render failed")
	ErrRenderTimeout   = errors.New("render timed out")
	ErrAmbiguousOutput = errors.New("render produced ambiguous output")
)

// diagnosticCap bounds captured engine output. Runaway engines can spew
// gigabytes of tracebacks; everything past the cap is dropped.
const diagnosticCap = 64 << 10

type Request struct {
	JobID     string
	Source    string
	SceneName string
	// Timeout overrides the executor default when positive.
	Timeout time.Duration
}

type Result struct {
	ArtifactRef string
	Log         string
}

type Executor interface {
	Render(ctx context.Context, req Request) (Result, error)
}

type EngineConfig struct {
	Binary      string
	QualityFlag string
	ScriptsDir  string
	WorkDir     string
	Timeout     time.Duration
}

// EngineExecutor shells out to a Manim-style CLI. The wall-clock timeout is
// enforced here with a hard kill; the engine's own timers are not trusted.
type EngineExecutor struct {
	binary      string
	qualityFlag string
	scriptsDir  string
	workDir     string
	timeout     time.Duration
	artifacts   artifact.Store
}

func NewEngineExecutor(cfg EngineConfig, artifacts artifact.Store) (*EngineExecutor, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, fmt.Errorf("engine binary is required")
	}
	if artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	for _, dir := range []string{cfg.ScriptsDir, cfg.WorkDir} {
		if strings.TrimSpace(dir) == "" {
			return nil, fmt.Errorf("scripts and work directories are required")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &EngineExecutor{
		binary:      cfg.Binary,
		qualityFlag: cfg.QualityFlag,
		scriptsDir:  cfg.ScriptsDir,
		workDir:     cfg.WorkDir,
		timeout:     timeout,
		artifacts:   artifacts,
	}, nil
}

func (e *EngineExecutor) Render(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, fmt.Errorf("%w: job id is required", ErrRenderFailed)
	}
	if strings.TrimSpace(req.Source) == "" {
		return Result{}, fmt.Errorf("%w: script source is empty", ErrRenderFailed)
	}
	if strings.TrimSpace(req.SceneName) == "" {
		return Result{}, fmt.Errorf("%w: scene name is required", ErrRenderFailed)
	}

	scriptPath := filepath.Join(e.scriptsDir, fmt.Sprintf("%s_%s.py", req.JobID, req.SceneName))
	if err := os.WriteFile(scriptPath, []byte(req.Source), 0o644); err != nil {
		return Result{}, fmt.Errorf("%w: write script: %v", ErrRenderFailed, err)
	}

	// Each render gets its own media dir keyed by job id, so concurrent
	// renders cannot collide and output discovery stays scoped.
	mediaDir := filepath.Join(e.workDir, req.JobID)
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("%w: create media dir: %v", ErrRenderFailed, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output := newBoundedBuffer(diagnosticCap)
	cmd := exec.CommandContext(runCtx, e.binary, e.args(mediaDir, scriptPath, req.SceneName)...)
	cmd.Stdout = output
	cmd.Stderr = output
	// CommandContext kills the process on deadline; WaitDelay guarantees Wait
	// returns even if a grandchild keeps the output pipes open.
	cmd.WaitDelay = 10 * time.Second

	runErr := cmd.Run()
	diagnostics := output.String()

	if runCtx.Err() != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Result{Log: diagnostics}, fmt.Errorf("%w: engine exceeded %s and was terminated", ErrRenderTimeout, timeout)
		}
		return Result{Log: diagnostics}, fmt.Errorf("%w: render cancelled", ErrRenderFailed)
	}
	if runErr != nil {
		detail := diagnostics
		if strings.TrimSpace(detail) == "" {
			detail = runErr.Error()
		}
		return Result{Log: diagnostics}, fmt.Errorf("%w: %s", ErrRenderFailed, detail)
	}

	videoPath, err := e.findVideo(mediaDir, req.SceneName)
	if err != nil {
		return Result{Log: diagnostics}, err
	}

	ref, err := e.artifacts.Save(ctx, req.JobID, videoPath)
	if err != nil {
		return Result{Log: diagnostics}, fmt.Errorf("%w: publish artifact: %v", ErrRenderFailed, err)
	}

	return Result{ArtifactRef: ref, Log: diagnostics}, nil
}

func (e *EngineExecutor) args(mediaDir, scriptPath, sceneName string) []string {
	args := make([]string, 0, 5)
	if e.qualityFlag != "" {
		args = append(args, e.qualityFlag)
	}
	return append(args, "--media_dir", mediaDir, scriptPath, sceneName)
}

// findVideo locates the one video the engine should have produced: the file
// named after the scene class. A different single video is still ambiguous
// because there is no way to know it belongs to this scene.
func (e *EngineExecutor) findVideo(mediaDir, sceneName string) (string, error) {
	expected := strings.ToLower(sceneName + ".mp4")

	var matches, others []string
	err := filepath.WalkDir(mediaDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := strings.ToLower(d.Name())
		if !strings.HasSuffix(name, ".mp4") {
			return nil
		}
		if name == expected {
			matches = append(matches, path)
		} else {
			others = append(others, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: scan media dir: %v", ErrRenderFailed, err)
	}

	switch {
	case len(matches) == 1:
		return matches[0], nil
	case len(matches) > 1:
		return "", fmt.Errorf("%w: %d candidates named %s.mp4", ErrAmbiguousOutput, len(matches), sceneName)
	case len(others) > 0:
		return "", fmt.Errorf("%w: no %s.mp4 but %d other videos present", ErrAmbiguousOutput, sceneName, len(others))
	default:
		return "", fmt.Errorf("%w: expected video %s.mp4 was not produced", ErrRenderFailed, sceneName)
	}
}

// boundedBuffer keeps the first cap bytes and counts the rest. Stdout and
// stderr share one instance, so writes are locked.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	cap       int
	truncated int
}

func newBoundedBuffer(cap int) *boundedBuffer {
	return &boundedBuffer{cap: cap}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.cap - len(b.buf)
	if remaining > 0 {
		if len(p) <= remaining {
			b.buf = append(b.buf, p...)
			return len(p), nil
		}
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated += len(p) - remaining
		return len(p), nil
	}
	b.truncated += len(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.truncated == 0 {
		return string(b.buf)
	}
	return fmt.Sprintf("%s\n... [%d bytes truncated]", b.buf, b.truncated)
}
