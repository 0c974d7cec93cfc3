// Package storage provides the object store the pipeline reads input
// documents from and writes produced output to.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	aws3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/casdoor/oss"
	"github.com/casdoor/oss/filesystem"
	"github.com/casdoor/oss/s3"

	"github.com/xuan1250/transfer2read/internal/types"
)

// ObjectStore is the narrow contract the orchestrator and stages consume.
// Refs are opaque object paths; writes are addressed and overwritable so
// stage re-runs stay idempotent.
type ObjectStore interface {
	Put(ctx context.Context, ref string, r io.Reader) error
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
	SignedURL(ctx context.Context, ref string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Config selects and parameterizes the backend.
type Config struct {
	Provider string // "minio", "aws-s3", "filesystem"
	Endpoint string
	Bucket   string
	Region   string
	ID       string
	Secret   string
}

// New creates an object store for the configured provider.
func New(cfg Config) (ObjectStore, error) {
	switch cfg.Provider {
	case "minio":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("storage: endpoint is required for minio")
		}
		client := s3.New(&s3.Config{
			AccessID:         cfg.ID,
			AccessKey:        cfg.Secret,
			Region:           cfg.Region,
			Bucket:           cfg.Bucket,
			Endpoint:         cfg.Endpoint,
			S3Endpoint:       cfg.Endpoint,
			ACL:              aws3.BucketCannedACLPrivate,
			S3ForcePathStyle: true,
		})
		return &ossStore{client: client}, nil
	case "aws-s3":
		client := s3.New(&s3.Config{
			AccessID:  cfg.ID,
			AccessKey: cfg.Secret,
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
			ACL:       aws3.BucketCannedACLPrivate,
		})
		return &ossStore{client: client}, nil
	case "filesystem":
		return &ossStore{client: filesystem.New(cfg.Bucket)}, nil
	default:
		return nil, fmt.Errorf("storage: unsupported provider %q", cfg.Provider)
	}
}

// ossStore adapts an oss.StorageInterface to ObjectStore, wrapping
// failures in the StorageError kind the orchestrator retries on.
type ossStore struct {
	client oss.StorageInterface
}

func (s *ossStore) Put(ctx context.Context, ref string, r io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.Put(ref, r); err != nil {
		return &types.StorageError{Op: "put", Ref: ref, Cause: err}
	}
	return nil
}

func (s *ossStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := s.client.GetStream(ref)
	if err != nil {
		return nil, &types.StorageError{Op: "get", Ref: ref, Cause: err}
	}
	return rc, nil
}

// SignedURL returns a time-limited access URL. The s3 backend presigns
// with its configured window; ttl is a hint honored where the backend
// supports it.
func (s *ossStore) SignedURL(ctx context.Context, ref string, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	url, err := s.client.GetURL(ref)
	if err != nil {
		return "", &types.StorageError{Op: "signed_url", Ref: ref, Cause: err}
	}
	return url, nil
}

func (s *ossStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.client.Delete(ref); err != nil {
		return &types.StorageError{Op: "delete", Ref: ref, Cause: err}
	}
	return nil
}
