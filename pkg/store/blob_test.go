package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
)

func TestFileBlobStoreRoundtrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileBlobStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("G21\nG90\nG0 X0 Y0\n")
	sha, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, canonicalize.HashBytes(data), sha)

	got, err := s.Get(ctx, sha)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := s.Exists(ctx, sha)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileBlobStorePutIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileBlobStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("same bytes")
	sha1, err := s.Put(ctx, data)
	require.NoError(t, err)
	sha2, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, sha1, sha2)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	blobCount := 0
	for _, e := range entries {
		require.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file leaked: %s", e.Name())
		if filepath.Ext(e.Name()) == ".blob" {
			blobCount++
		}
	}
	assert.Equal(t, 1, blobCount)
}

func TestFileBlobStoreRejectsBadDigests(t *testing.T) {
	s, err := NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "short")
	assert.ErrorContains(t, err, "invalid sha256")

	_, err = s.Get(ctx, strings.Repeat("z", 64))
	assert.ErrorContains(t, err, "invalid sha256")

	_, err = s.Get(ctx, strings.Repeat("a", 64))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryBlobStoreIsolatesCallers(t *testing.T) {
	b := NewMemoryBlobStore()
	ctx := context.Background()

	data := []byte{1, 2, 3}
	sha, err := b.Put(ctx, data)
	require.NoError(t, err)

	// Mutating the input after Put must not reach the stored copy.
	data[0] = 99
	got, err := b.Get(ctx, sha)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	// Nor may mutating the returned slice.
	got[1] = 98
	again, err := b.Get(ctx, sha)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, again)

	assert.Equal(t, 1, b.Len())
}
