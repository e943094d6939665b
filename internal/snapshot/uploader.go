// Package snapshot uploads local database snapshots to S3-compatible storage.
// Unsynced field data lives only on the device until the next successful sync
// pass; the off-device snapshot is the recovery path for a lost or broken
// handheld. When no bucket is configured the NoopUploader keeps the agent in
// local-only mode.
package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/gridworks/fieldsync/internal/config"
)

// ErrNotConfigured is returned when snapshot storage is not configured.
var ErrNotConfigured = errors.New("snapshot storage not configured")

// objectKey is where the device's current snapshot lives in the bucket.
// Each upload replaces the previous one.
const objectKey = "fieldsync/snapshot/current.db"

// Uploader ships a snapshot file to off-device storage.
type Uploader interface {
	Upload(ctx context.Context, filePath string) error
}

// s3Client defines the minimal minio.Client surface used by S3Uploader,
// so tests can substitute a mock.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
}

// minioClientWrapper adapts *minio.Client to the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

// S3Uploader uploads snapshots to S3-compatible storage.
type S3Uploader struct {
	client s3Client
	bucket string
}

// Upload ships the snapshot file at filePath to the bucket.
func (u *S3Uploader) Upload(ctx context.Context, filePath string) error {
	if err := u.client.FPutObject(ctx, u.bucket, objectKey, filePath); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}
	return nil
}

// NoopUploader is used when snapshot storage is not configured.
type NoopUploader struct{}

// Upload is a no-op.
func (u *NoopUploader) Upload(ctx context.Context, filePath string) error {
	return nil
}

// NewUploader creates the appropriate Uploader based on configuration:
// NoopUploader when the bucket is empty, S3Uploader otherwise.
func NewUploader(cfg config.BackupConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
	}, nil
}
