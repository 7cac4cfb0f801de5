//go:build gcp

package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSBlobStore is a content-addressed blob store on Google Cloud Storage.
// Enabled with -tags gcp.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSBlobConfig configures the GCS blob store.
type GCSBlobConfig struct {
	Bucket string
	Prefix string
}

// NewGCSBlobStore creates a GCS-backed blob store using application
// default credentials.
func NewGCSBlobStore(ctx context.Context, cfg GCSBlobConfig) (*GCSBlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs blob store: client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSBlobStore) object(sha string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + sha + ".blob")
}

func (s *GCSBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])

	obj := s.object(sha)
	if _, err := obj.Attrs(ctx); err == nil {
		return sha, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("%w: gcs write: %v", ErrUnavailable, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: gcs commit: %v", ErrUnavailable, err)
	}
	return sha, nil
}

func (s *GCSBlobStore) Get(ctx context.Context, sha string) ([]byte, error) {
	if err := validateSHA(sha); err != nil {
		return nil, err
	}
	r, err := s.object(sha).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, sha)
		}
		return nil, fmt.Errorf("%w: gcs read: %v", ErrUnavailable, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: gcs read: %v", ErrUnavailable, err)
	}
	return data, nil
}

func (s *GCSBlobStore) Exists(ctx context.Context, sha string) (bool, error) {
	if err := validateSHA(sha); err != nil {
		return false, err
	}
	_, err := s.object(sha).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: gcs attrs: %v", ErrUnavailable, err)
}
