//go:build !gcp

package store

import (
	"context"
	"fmt"
)

func newGCSBlobStoreFromEnv(ctx context.Context) (BlobStore, error) {
	return nil, fmt.Errorf("GCS blob storage is not enabled in this build (use -tags gcp)")
}
