//go:build gcp

package store

import (
	"context"
	"fmt"
	"os"
)

func newGCSBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	bucket := os.Getenv("RMOS_BLOB_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("RMOS_BLOB_GCS_BUCKET is required for gcs storage")
	}
	return NewGCSBlobStore(ctx, GCSBlobConfig{
		Bucket: bucket,
		Prefix: os.Getenv("RMOS_BLOB_GCS_PREFIX"),
	})
}
