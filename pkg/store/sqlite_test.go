package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"

	_ "modernc.org/sqlite"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

// The SQLite store mirrors the memory store's semantics; this exercises
// the full pipeline chain against real SQL.
func TestSQLitePipelineChain(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	specID, err := s.PutArtifact(ctx, newArtifact("saw_batch", contracts.StageSpec, `{"cut":"slice"}`))
	require.NoError(t, err)

	plan := newArtifact("saw_batch", contracts.StagePlan, `{"feasibility":{"bucket":"GREEN"}}`)
	plan.ParentIDs = map[string]string{contracts.RelSpec: specID}
	planID, err := s.PutArtifact(ctx, plan)
	require.NoError(t, err)

	// Duplicate plan write is rejected.
	dupe := newArtifact("saw_batch", contracts.StagePlan, `{"feasibility":{"bucket":"GREEN"}}`)
	dupe.ParentIDs = map[string]string{contracts.RelSpec: specID}
	_, err = s.PutArtifact(ctx, dupe)
	assert.ErrorIs(t, err, ErrDuplicate)

	dec := newArtifact("saw_batch", contracts.StageDecision, `{}`)
	dec.ParentIDs = map[string]string{contracts.RelPlan: planID, contracts.RelSpec: specID}
	dec.Status = contracts.StatusApproved
	dec.CreatedBy = "op-jules"
	decID, err := s.PutArtifact(ctx, dec)
	require.NoError(t, err)

	exec := newArtifact("saw_batch", contracts.StageExecution, `{"gcode":"ok"}`)
	exec.ParentIDs = map[string]string{contracts.RelDecision: decID}
	exec.Status = contracts.StatusOK
	execID, err := s.PutArtifact(ctx, exec)
	require.NoError(t, err)

	chain, err := s.GetLineage(ctx, execID)
	require.NoError(t, err)
	require.Len(t, chain, 4)
	assert.Equal(t, specID, chain[3].ArtifactID)

	execs, err := s.ListExecutionsForDecision(ctx, decID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, execID, execs[0].ArtifactID)

	byStage, err := s.QueryArtifacts(ctx, ArtifactQuery{Stage: contracts.StagePlan, SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, byStage, 1)
	assert.Equal(t, planID, byStage[0].ArtifactID)
}

func TestSQLiteAdvisoryAndMeta(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	runID, err := s.PutArtifact(ctx, newArtifact("rosette", contracts.StageSpec, `{"ring":1}`))
	require.NoError(t, err)

	require.NoError(t, s.AppendAdvisoryRef(ctx, runID, contracts.AdvisoryInputRef{
		RequestID:  "r1",
		ProducerID: "cam-advisor",
		Kind:       contracts.AttachmentAdvisory,
		Status:     contracts.AdvisoryPending,
	}))
	sha := canonicalize.HashBytes([]byte("advice"))
	require.NoError(t, s.SetAdvisoryStatus(ctx, runID, "r1", sha, contracts.AdvisoryReady))

	refs, err := s.ListAdvisoryRefs(ctx, runID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, sha, refs[0].SHA256)
	assert.Equal(t, contracts.AdvisoryReady, refs[0].Status)

	require.NoError(t, s.UpsertMeta(ctx, contracts.AttachmentMeta{
		SHA256: sha, MIME: "application/json", SizeBytes: 6, Kind: contracts.AttachmentAdvisory,
	}))
	meta, err := s.GetMeta(ctx, sha)
	require.NoError(t, err)
	assert.Equal(t, contracts.AttachmentAdvisory, meta.Kind)

	page, next, err := s.QueryMeta(ctx, contracts.AttachmentAdvisory, "application/", "", 10)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, page, 1)
	assert.Equal(t, sha, page[0].SHA256)
}

func TestSQLiteOverrideUpsert(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	key := contracts.OverrideKey{ToolID: "saw_batch", MaterialID: "hardwood", OperationKind: "slice", MachineProfileID: "SAW-CELL-A"}

	require.NoError(t, s.PutOverride(ctx, contracts.LearningOverride{
		Key:         key,
		Multipliers: contracts.LearningMultipliers{RPM: 0.9, Feed: 1, DOC: 1, WOC: 1},
		AcceptedBy:  "policy-auto",
	}))
	require.NoError(t, s.PutOverride(ctx, contracts.LearningOverride{
		Key:         key,
		Multipliers: contracts.LearningMultipliers{RPM: 0.8, Feed: 1, DOC: 1, WOC: 1},
		AcceptedBy:  "policy-auto",
	}))

	got, err := s.GetOverride(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.Multipliers.RPM)

	list, err := s.ListOverrides(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
