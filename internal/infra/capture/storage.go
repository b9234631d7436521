package capture

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStorage keeps finished screenshots.
type ObjectStorage interface {
	Put(ctx context.Context, key string, data []byte, mimeType string) (StoredObject, error)
}

// StoredObject captures persisted blob metadata.
type StoredObject struct {
	Key      string
	Size     int64
	MimeType string
	ETag     string
}

// S3Storage stores objects in any S3-compatible bucket (R2, MinIO, S3).
type S3Storage struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// NewS3Storage constructs the storage adapter.
func NewS3Storage(endpoint, accessKey, secretKey, bucket, region string, logger *slog.Logger) (*S3Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}
	client, err := minio.New(sanitizeEndpoint(endpoint), &minio.Options{
		Creds:        credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure:       !strings.HasPrefix(strings.ToLower(strings.TrimSpace(endpoint)), "http://"),
		Region:       region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("init object store client: %w", err)
	}
	return &S3Storage{client: client, bucket: bucket, logger: logger.With("component", "capture.storage")}, nil
}

func (s *S3Storage) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err == nil && exists {
		return nil
	}
	err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
		return err
	}
	return nil
}

// Put uploads data, replacing any previous object under key.
func (s *S3Storage) Put(ctx context.Context, key string, data []byte, mimeType string) (StoredObject, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return StoredObject{}, err
	}
	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:      mimeType,
		DisableMultipart: len(data) < 5*1024*1024,
	})
	if err != nil {
		return StoredObject{}, err
	}
	s.logger.Debug("screenshot stored", "key", key, "size", info.Size)
	return StoredObject{Key: key, Size: info.Size, MimeType: mimeType, ETag: info.ETag}, nil
}

var _ ObjectStorage = (*S3Storage)(nil)

// sanitizeEndpoint removes schemes and paths to satisfy minio.New expectations.
func sanitizeEndpoint(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	if i := strings.Index(raw, "/"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}
