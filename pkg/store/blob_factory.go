package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BlobStoreType selects the blob storage backend.
type BlobStoreType string

const (
	BlobStoreFS  BlobStoreType = "fs"
	BlobStoreS3  BlobStoreType = "s3"
	BlobStoreGCS BlobStoreType = "gcs"
)

// NewBlobStoreFromEnv creates a blob store based on environment variables.
//
//   - RMOS_BLOB_STORAGE_TYPE: "fs" (default), "s3", or "gcs"
//   - RMOS_DATA_DIR: base directory for the filesystem store (default "data")
//
// For S3:
//   - AWS_REGION or RMOS_BLOB_S3_REGION
//   - RMOS_BLOB_S3_BUCKET (required)
//   - RMOS_BLOB_S3_ENDPOINT (optional, MinIO/LocalStack)
//   - RMOS_BLOB_S3_PREFIX (optional)
//
// For GCS (requires -tags gcp):
//   - RMOS_BLOB_GCS_BUCKET (required)
//   - RMOS_BLOB_GCS_PREFIX (optional)
func NewBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	storeType := BlobStoreType(os.Getenv("RMOS_BLOB_STORAGE_TYPE"))
	if storeType == "" {
		storeType = BlobStoreFS
	}
	switch storeType {
	case BlobStoreFS:
		dataDir := os.Getenv("RMOS_DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileBlobStore(filepath.Join(dataDir, "blobs"))
	case BlobStoreS3:
		bucket := os.Getenv("RMOS_BLOB_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("RMOS_BLOB_S3_BUCKET is required for s3 storage")
		}
		region := os.Getenv("RMOS_BLOB_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		return NewS3BlobStore(ctx, S3BlobConfig{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("RMOS_BLOB_S3_ENDPOINT"),
			Prefix:   os.Getenv("RMOS_BLOB_S3_PREFIX"),
		})
	case BlobStoreGCS:
		return newGCSBlobStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported blob storage type: %s", storeType)
	}
}
