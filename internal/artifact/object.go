package artifact

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type ObjectConfig struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	UseSSL     bool
	PresignTTL time.Duration
}

// ObjectStore parks videos in an S3-compatible bucket for deployments where
// the worker and the API do not share a filesystem. Location returns a
// presigned GET URL.
type ObjectStore struct {
	minio      *minio.Client
	bucket     string
	presignTTL time.Duration
}

func NewObjectStore(cfg ObjectConfig) (*ObjectStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	presignTTL := cfg.PresignTTL
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}

	return &ObjectStore{
		minio:      mc,
		bucket:     cfg.Bucket,
		presignTTL: presignTTL,
	}, nil
}

func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.minio.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := s.minio.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := s.minio.BucketExists(ctx, s.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *ObjectStore) Save(ctx context.Context, jobID, videoPath string) (string, error) {
	objectKey := path.Join("videos", sanitizeToken(jobID), sanitizeToken(path.Base(videoPath)))

	_, err := s.minio.FPutObject(ctx, s.bucket, objectKey, videoPath, minio.PutObjectOptions{
		ContentType: "video/mp4",
	})
	if err != nil {
		return "", fmt.Errorf("upload artifact for job %s: %w", jobID, err)
	}
	return objectKey, nil
}

func (s *ObjectStore) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := s.minio.StatObject(ctx, s.bucket, ref, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" {
		return false, nil
	}
	return false, fmt.Errorf("stat artifact %s: %w", ref, err)
}

func (s *ObjectStore) Location(ctx context.Context, ref string) (string, error) {
	u, err := s.minio.PresignedGetObject(ctx, s.bucket, ref, s.presignTTL, nil)
	if err != nil {
		return "", fmt.Errorf("presign artifact %s: %w", ref, err)
	}
	return u.String(), nil
}
