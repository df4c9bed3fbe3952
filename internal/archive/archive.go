// Package archive keeps a copy of every downloaded package in object storage.
package archive

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/config"
	"github.com/Qubut/IP-Claim/packages/sat_processor/internal/sat"
)

// Store archives staged package files and returns a reference to the stored copy.
type Store interface {
	Put(ctx context.Context, key, path string) (string, error)
}

type MinioStore struct {
	client *minio.Client
	bucket string
	logger *zap.SugaredLogger
}

var _ Store = (*MinioStore)(nil)

func NewMinioStore(cfg config.Archive, logger *zap.SugaredLogger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	s.logger.Infow("Created archive bucket", "bucket", s.bucket)
	return nil
}

// ObjectName is the key a package is stored under.
func ObjectName(rfc, jobID, packageID string) (string, error) {
	if !sat.ValidPackageID(packageID) {
		return "", fmt.Errorf("invalid package id %q", packageID)
	}
	return fmt.Sprintf("%s/%s/%s.zip", rfc, jobID, packageID), nil
}

// Put uploads the file at path under key and returns its s3:// reference.
func (s *MinioStore) Put(ctx context.Context, key, path string) (string, error) {
	_, err := s.client.FPutObject(ctx, s.bucket, key, path,
		minio.PutObjectOptions{ContentType: "application/zip"})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
