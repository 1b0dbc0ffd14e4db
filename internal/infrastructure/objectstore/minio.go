package objectstore

import (
	"bytes"
	"context"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"ReportHarvester/internal/config"
	"ReportHarvester/internal/errors"
	"ReportHarvester/internal/ports"
)

// MinioStore writes documents to a MinIO/S3 bucket.
type MinioStore struct {
	Layout
	client *minio.Client
	bucket string
}

var _ ports.ObjectStorage = (*MinioStore)(nil)

// NewMinioStore creates the client; the connection is checked on first use.
func NewMinioStore(cfg config.StorageConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create minio client")
	}
	return &MinioStore{
		Layout: Layout{Prefix: cfg.Prefix},
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return errors.Store(errors.Wrap(err, "check bucket"))
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return errors.Store(errors.Wrap(err, "create bucket"))
	}
	return nil
}

// Write uploads data under key.
func (s *MinioStore) Write(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return errors.Store(errors.Wrapf(err, "put object %s", key))
	}
	return nil
}
