// Package blob removes uploaded report files from the S3-compatible object
// store.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
}

type Store struct {
	client *minio.Client
	bucket string
}

func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("blob: bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("blob: init minio client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Remove deletes the object at path. Paths may carry a leading slash or the
// bucket name as their first segment. Removing a missing object succeeds.
func (s *Store) Remove(ctx context.Context, path string) error {
	key := ObjectKey(s.bucket, path)
	if key == "" {
		return errors.New("blob: empty object key")
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("blob: remove %s/%s: %w", s.bucket, key, err)
	}
	return nil
}

func ObjectKey(bucket, path string) string {
	key := strings.TrimLeft(strings.TrimSpace(path), "/")
	if rest, ok := strings.CutPrefix(key, bucket+"/"); ok {
		key = rest
	}
	return key
}
