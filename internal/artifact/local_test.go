package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStoreSaveAndResolve(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	src := filepath.Join(t.TempDir(), "CircleAreaScene.mp4")
	if err := os.WriteFile(src, []byte("not really a video"), 0o644); err != nil {
		t.Fatalf("write source video: %v", err)
	}

	s, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	ref, err := s.Save(ctx, "job-1", src)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ref != "job-1/CircleAreaScene.mp4" {
		t.Fatalf("expected job-scoped reference, got %q", ref)
	}

	exists, err := s.Exists(ctx, ref)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Fatal("expected saved artifact to exist")
	}

	loc, err := s.Location(ctx, ref)
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	data, err := os.ReadFile(loc)
	if err != nil {
		t.Fatalf("read stored artifact: %v", err)
	}
	if string(data) != "not really a video" {
		t.Fatalf("stored artifact content mismatch: %q", data)
	}
}

func TestLocalStoreRejectsEscapingReferences(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	for _, ref := range []string{"../secrets", "/etc/passwd", "."} {
		if _, err := s.Location(ctx, ref); err == nil {
			t.Errorf("expected reference %q to be rejected", ref)
		}
	}
}

func TestLocalStoreExistsMissing(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}

	exists, err := s.Exists(ctx, "job-x/missing.mp4")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Fatal("expected missing artifact to report false")
	}
}
