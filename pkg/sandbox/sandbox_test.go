package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lutherie-works/rmos/pkg/store"
)

func TestRunProducerUnknownModule(t *testing.T) {
	ctx := context.Background()
	host, err := NewWASIHost(ctx, store.NewMemoryBlobStore(), DefaultLimits())
	require.NoError(t, err)
	defer func() { _ = host.Close(ctx) }()

	_, err = host.RunProducer(ctx,
		"00000000000000000000000000000000000000000000000000000000000000cc", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunProducerRejectsInvalidModule(t *testing.T) {
	ctx := context.Background()
	blobs := store.NewMemoryBlobStore()
	sha, err := blobs.Put(ctx, []byte("definitely not wasm"))
	require.NoError(t, err)

	host, err := NewWASIHost(ctx, blobs, Limits{WallClockLimit: time.Second})
	require.NoError(t, err)
	defer func() { _ = host.Close(ctx) }()

	_, err = host.RunProducer(ctx, sha, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "compile")
}

func TestProducerAdapterPropagatesFailure(t *testing.T) {
	ctx := context.Background()
	host, err := NewWASIHost(ctx, store.NewMemoryBlobStore(), DefaultLimits())
	require.NoError(t, err)
	defer func() { _ = host.Close(ctx) }()

	produce := host.Producer("00000000000000000000000000000000000000000000000000000000000000dd", nil)
	_, err = produce(ctx)
	assert.Error(t, err)
}

func TestLimitError(t *testing.T) {
	err := &LimitError{Code: ErrTimeExhausted, Message: "producer exceeded 10s"}
	assert.Contains(t, err.Error(), ErrTimeExhausted)
}
