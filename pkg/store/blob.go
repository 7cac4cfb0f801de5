package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBlobStore is a filesystem-backed content-addressed blob store.
// Blobs are stored as <baseDir>/<sha256>.blob; the lowercase-hex digest is
// the sole identity.
type FileBlobStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileBlobStore creates a CAS store rooted at baseDir.
func NewFileBlobStore(baseDir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("blob store: ensure dir: %w", err)
	}
	return &FileBlobStore{baseDir: baseDir}, nil
}

// Put persists data and returns its SHA-256 hex digest. Idempotent:
// repeated insertion of identical bytes returns the same digest without
// duplicating storage.
func (s *FileBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.baseDir, sha+".blob")
	if _, err := os.Stat(path); err == nil {
		return sha, nil
	}

	// Write to temp then rename so readers never observe partial blobs.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("blob store: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("blob store: commit: %w", err)
	}
	return sha, nil
}

func (s *FileBlobStore) Get(ctx context.Context, sha string) ([]byte, error) {
	if err := validateSHA(sha); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(s.baseDir, sha+".blob"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, sha)
		}
		return nil, fmt.Errorf("blob store: read: %w", err)
	}
	return data, nil
}

func (s *FileBlobStore) Exists(ctx context.Context, sha string) (bool, error) {
	if err := validateSHA(sha); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(filepath.Join(s.baseDir, sha+".blob"))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("blob store: stat: %w", err)
}

func validateSHA(sha string) error {
	if len(sha) != 64 {
		return fmt.Errorf("blob store: invalid sha256 %q", sha)
	}
	if _, err := hex.DecodeString(sha); err != nil {
		return fmt.Errorf("blob store: invalid sha256 hex: %w", err)
	}
	return nil
}
