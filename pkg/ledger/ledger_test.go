package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
	"github.com/lutherie-works/rmos/pkg/store"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func sampleArtifact(id string) *contracts.Artifact {
	return &contracts.Artifact{
		ArtifactID:    id,
		Kind:          "saw_batch_spec",
		Stage:         contracts.StageSpec,
		PayloadSHA256: "aa00000000000000000000000000000000000000000000000000000000000000",
	}
}

func TestRecordAndVerify(t *testing.T) {
	l := New().WithClock(fixedClock())
	assert.Equal(t, "genesis", l.Head())

	seq, err := l.Record(sampleArtifact("a1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	seq, err = l.Record(sampleArtifact("a2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, 2, l.Len())

	broken, err := l.Verify()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), broken)

	first, err := l.Get(1)
	require.NoError(t, err)
	second, err := l.Get(2)
	require.NoError(t, err)
	assert.Equal(t, "genesis", first.PrevHash)
	assert.Equal(t, first.EntryHash, second.PrevHash)
	assert.Equal(t, second.EntryHash, l.Head())

	_, err = l.Get(0)
	assert.Error(t, err)
	_, err = l.Get(3)
	assert.Error(t, err)
}

func TestChainIsReplayDeterministic(t *testing.T) {
	a := New().WithClock(fixedClock())
	b := New()

	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := a.Record(sampleArtifact(id))
		require.NoError(t, err)
		_, err = b.Record(sampleArtifact(id))
		require.NoError(t, err)
	}
	// Hashes cover the write content, not the wall clock.
	assert.Equal(t, a.Head(), b.Head())
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := New().WithClock(fixedClock())
	for _, id := range []string{"a1", "a2", "a3"} {
		_, err := l.Record(sampleArtifact(id))
		require.NoError(t, err)
	}

	// Entries() is a copy; tamper through the internal slice directly.
	l.entries[1].PayloadSHA256 = "bb00000000000000000000000000000000000000000000000000000000000000"
	broken, err := l.Verify()
	require.Error(t, err)
	assert.Equal(t, uint64(2), broken)
	assert.ErrorContains(t, err, "hash mismatch")
}

func TestAuditingStoreRecordsWrites(t *testing.T) {
	log := New().WithClock(fixedClock())
	backend := store.NewMemoryStore()
	wrapped := Wrap(backend, log)

	payload := []byte(`{"session_id":"s1","batch_label":"b1"}`)
	id, err := wrapped.PutArtifact(context.Background(), &contracts.Artifact{
		Kind:          "saw_batch_spec",
		Stage:         contracts.StageSpec,
		IndexMeta:     contracts.IndexMeta{ToolKind: "saw_batch", SessionID: "s1", BatchLabel: "b1"},
		Payload:       payload,
		PayloadSHA256: canonicalize.HashBytes(payload),
		Status:        contracts.StatusCreated,
	})
	require.NoError(t, err)
	require.Equal(t, 1, log.Len())

	entry, err := log.Get(1)
	require.NoError(t, err)
	assert.Equal(t, id, entry.ArtifactID)
	assert.Equal(t, "saw_batch_spec", entry.Kind)

	broken, err := log.Verify()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), broken)

	// Failed writes never reach the chain.
	_, err = wrapped.PutArtifact(context.Background(), &contracts.Artifact{
		Kind:  "saw_batch_plan",
		Stage: contracts.StagePlan,
	})
	require.Error(t, err)
	assert.Equal(t, 1, log.Len())
}

func TestEntriesReturnsCopy(t *testing.T) {
	l := New().WithClock(fixedClock())
	_, err := l.Record(sampleArtifact("a1"))
	require.NoError(t, err)

	entries := l.Entries()
	entries[0].ArtifactID = "mutated"

	broken, err := l.Verify()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), broken)
}
