package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

func TestRebuildMetaIndex(t *testing.T) {
	m := NewMemoryStore()
	backend := m.Backend()
	ctx := context.Background()

	gcode := []byte("G21\nG0 X0\n")
	sha, err := backend.Blobs.Put(ctx, gcode)
	require.NoError(t, err)

	spec := newArtifact("saw_batch", contracts.StageSpec, `{}`)
	spec.AttachmentRefs = []contracts.AttachmentRef{{
		SHA256:   sha,
		Kind:     string(contracts.AttachmentGCode),
		Filename: "b1.nc",
		MIME:     "text/x-gcode",
	}}
	runID, err := backend.Artifacts.PutArtifact(ctx, spec)
	require.NoError(t, err)

	// A ref pointing at a missing blob is skipped, not fatal.
	orphan := newArtifact("saw_batch", contracts.StageSpec, `{"n":2}`)
	orphan.AttachmentRefs = []contracts.AttachmentRef{{
		SHA256: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		Kind:   string(contracts.AttachmentDXF),
	}}
	_, err = backend.Artifacts.PutArtifact(ctx, orphan)
	require.NoError(t, err)

	stats, err := RebuildMetaIndex(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RunsScanned)
	assert.Equal(t, 1, stats.AttachmentsIndexed)
	assert.Equal(t, 1, stats.UniqueSHA256)

	meta, err := backend.Meta.GetMeta(ctx, sha)
	require.NoError(t, err)
	assert.Equal(t, "b1.nc", meta.Filename)
	assert.Equal(t, int64(len(gcode)), meta.SizeBytes)

	// Rebuilding again over unchanged artifacts changes nothing.
	again, err := RebuildMetaIndex(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, stats, again)

	// Advisory refs are indexed too.
	require.NoError(t, backend.Advisories.AppendAdvisoryRef(ctx, runID, contracts.AdvisoryInputRef{
		SHA256:    sha,
		Kind:      contracts.AttachmentAdvisory,
		RequestID: "r1",
		Status:    contracts.AdvisoryReady,
	}))
	withAdvisory, err := RebuildMetaIndex(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, 2, withAdvisory.AttachmentsIndexed)
	assert.Equal(t, 1, withAdvisory.UniqueSHA256)
}

func TestRebuildMetaIndexCancellable(t *testing.T) {
	m := NewMemoryStore()
	backend := m.Backend()
	_, err := backend.Artifacts.PutArtifact(context.Background(), newArtifact("saw_batch", contracts.StageSpec, `{}`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = RebuildMetaIndex(ctx, backend)
	assert.ErrorIs(t, err, context.Canceled)
}
