package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps videos under root/{jobID}/{filename}. References are
// root-relative so they survive a move of the content area.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("artifact root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Save(_ context.Context, jobID, videoPath string) (string, error) {
	jobDir := filepath.Join(s.root, sanitizeToken(jobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	filename := sanitizeToken(filepath.Base(videoPath))
	dst := filepath.Join(jobDir, filename)
	if err := copyFile(videoPath, dst); err != nil {
		return "", fmt.Errorf("store artifact for job %s: %w", jobID, err)
	}

	return filepath.ToSlash(filepath.Join(sanitizeToken(jobID), filename)), nil
}

func (s *LocalStore) Exists(_ context.Context, ref string) (bool, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat artifact %s: %w", ref, err)
	}
	return true, nil
}

func (s *LocalStore) Location(_ context.Context, ref string) (string, error) {
	return s.resolve(ref)
}

// resolve confines references to the content area; a reference is data from
// the store and must not escape the root.
func (s *LocalStore) resolve(ref string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(ref))
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid artifact reference: %s", ref)
	}
	return filepath.Join(s.root, cleaned), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
