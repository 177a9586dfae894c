package cas

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/etherith-archive/etherith/internal/config"
)

// BlobStore wraps MinIO/S3 interactions for content-addressed blobs and
// portable archive exports. Blobs are keyed by their CID, so writes are
// idempotent and identical content is stored once.
type BlobStore struct {
	client       *minio.Client
	blobBucket   string
	exportBucket string
	region       string
}

// NewBlobStore creates a MinIO client from the Config.
func NewBlobStore(cfg *config.Config) (*BlobStore, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &BlobStore{
		client:       client,
		blobBucket:   cfg.BlobBucket,
		exportBucket: cfg.ExportBucket,
		region:       cfg.S3Region,
	}, nil
}

// EnsureBuckets makes sure the blob/export buckets exist before use.
func (s *BlobStore) EnsureBuckets(ctx context.Context) error {
	for _, bucket := range []string{s.blobBucket, s.exportBucket} {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
				return fmt.Errorf("make bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

// PutBlob stores content under its CID.
func (s *BlobStore) PutBlob(ctx context.Context, cid string, reader io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	_, err := s.client.PutObject(ctx, s.blobBucket, cid, reader, size, opts)
	if err != nil {
		return fmt.Errorf("put blob %s: %w", cid, err)
	}
	return nil
}

// GetBlob fetches the full blob bytes for a CID.
func (s *BlobStore) GetBlob(ctx context.Context, cid string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.blobBucket, cid, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", cid, err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", cid, err)
	}
	return buf, nil
}

// HasBlob reports whether a CID is already stored.
func (s *BlobStore) HasBlob(ctx context.Context, cid string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.blobBucket, cid, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("stat blob %s: %w", cid, err)
	}
	return true, nil
}

// PutExport uploads a portable archive manifest into the export bucket.
func (s *BlobStore) PutExport(ctx context.Context, key string, data []byte) error {
	reader := bytes.NewReader(data)
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	_, err := s.client.PutObject(ctx, s.exportBucket, key, reader, int64(len(data)), opts)
	if err != nil {
		return fmt.Errorf("put export %s: %w", key, err)
	}
	return nil
}

// PresignExportURL returns a signed GET URL for a previously written export.
func (s *BlobStore) PresignExportURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.exportBucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign export %s: %w", key, err)
	}
	return u.String(), nil
}
