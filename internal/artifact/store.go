// Package artifact is the content area for rendered videos. The job store
// holds only a reference; the bytes live here, addressed by job id so
// concurrent renders can never collide.
package artifact

import (
	"context"
	"strings"
)

// Store publishes exactly one video per completed job.
type Store interface {
	// Save copies the rendered video into the content area and returns the
	// stable reference recorded on the job.
	Save(ctx context.Context, jobID, videoPath string) (string, error)
	// Exists reports whether a previously saved reference is still present.
	Exists(ctx context.Context, ref string) (bool, error)
	// Location resolves a reference to something servable: a filesystem path
	// for the local backend, a presigned URL for the object backend.
	Location(ctx context.Context, ref string) (string, error)
}

func sanitizeToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
