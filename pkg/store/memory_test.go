package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
)

func newArtifact(tool string, stage contracts.Stage, payload string) *contracts.Artifact {
	raw := json.RawMessage(payload)
	return &contracts.Artifact{
		Kind:          contracts.KindFor(tool, stage),
		Stage:         stage,
		IndexMeta:     contracts.IndexMeta{ToolKind: tool, SessionID: "s1", BatchLabel: "b1"},
		Payload:       raw,
		PayloadSHA256: canonicalize.HashBytes(raw),
		Status:        contracts.StatusCreated,
	}
}

// putChain writes SPEC -> PLAN -> DECISION and returns the three IDs.
func putChain(t *testing.T, m *MemoryStore, decisionStatus contracts.Status, planPayload string) (specID, planID, decisionID string) {
	t.Helper()
	ctx := context.Background()

	specID, err := m.PutArtifact(ctx, newArtifact("saw_batch", contracts.StageSpec, `{"cut":"slice"}`))
	require.NoError(t, err)

	plan := newArtifact("saw_batch", contracts.StagePlan, planPayload)
	plan.ParentIDs = map[string]string{contracts.RelSpec: specID}
	planID, err = m.PutArtifact(ctx, plan)
	require.NoError(t, err)

	dec := newArtifact("saw_batch", contracts.StageDecision, `{"note":"checked"}`)
	dec.ParentIDs = map[string]string{contracts.RelPlan: planID, contracts.RelSpec: specID}
	dec.Status = decisionStatus
	dec.CreatedBy = "op-jules"
	decisionID, err = m.PutArtifact(ctx, dec)
	require.NoError(t, err)
	return specID, planID, decisionID
}

func TestPutArtifactAssignsIdentityWithoutMutatingInput(t *testing.T) {
	m := NewMemoryStore()
	in := newArtifact("saw_batch", contracts.StageSpec, `{"cut":"slice"}`)

	id, err := m.PutArtifact(context.Background(), in)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Empty(t, in.ArtifactID)
	assert.True(t, in.CreatedAtUTC.IsZero())

	stored, err := m.GetArtifact(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, stored.ArtifactID)
	assert.False(t, stored.CreatedAtUTC.IsZero())
}

func TestGetArtifactReturnsIsolatedCopy(t *testing.T) {
	m := NewMemoryStore()
	id, err := m.PutArtifact(context.Background(), newArtifact("saw_batch", contracts.StageSpec, `{"n":1}`))
	require.NoError(t, err)

	first, err := m.GetArtifact(context.Background(), id)
	require.NoError(t, err)
	first.Kind = "tampered"
	first.Payload[1] = 'x'

	second, err := m.GetArtifact(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "saw_batch_spec", second.Kind)
	assert.Equal(t, json.RawMessage(`{"n":1}`), second.Payload)
}

func TestPutArtifactValidation(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	t.Run("stage kind mismatch", func(t *testing.T) {
		a := newArtifact("saw_batch", contracts.StageSpec, `{}`)
		a.Stage = contracts.StagePlan
		_, err := m.PutArtifact(ctx, a)
		assert.ErrorIs(t, err, ErrInvariantViolation)
	})

	t.Run("missing session", func(t *testing.T) {
		a := newArtifact("saw_batch", contracts.StageSpec, `{}`)
		a.IndexMeta.SessionID = ""
		_, err := m.PutArtifact(ctx, a)
		assert.ErrorIs(t, err, ErrInvariantViolation)
	})

	t.Run("spec takes no parents", func(t *testing.T) {
		a := newArtifact("saw_batch", contracts.StageSpec, `{}`)
		a.ParentIDs = map[string]string{contracts.RelSpec: "anything"}
		_, err := m.PutArtifact(ctx, a)
		assert.ErrorIs(t, err, ErrInvariantViolation)
	})

	t.Run("plan parent must exist", func(t *testing.T) {
		a := newArtifact("saw_batch", contracts.StagePlan, `{}`)
		a.ParentIDs = map[string]string{contracts.RelSpec: "ghost"}
		_, err := m.PutArtifact(ctx, a)
		assert.ErrorIs(t, err, ErrMissingParent)
	})

	t.Run("decision requires created_by", func(t *testing.T) {
		a := newArtifact("saw_batch", contracts.StageDecision, `{}`)
		a.Status = contracts.StatusApproved
		_, err := m.PutArtifact(ctx, a)
		assert.ErrorIs(t, err, ErrInvariantViolation)
	})
}

func TestDuplicatePlanRejectedDuplicateSpecAllowed(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	specID, err := m.PutArtifact(ctx, newArtifact("saw_batch", contracts.StageSpec, `{"cut":"slice"}`))
	require.NoError(t, err)

	plan := newArtifact("saw_batch", contracts.StagePlan, `{"rpm":3600}`)
	plan.ParentIDs = map[string]string{contracts.RelSpec: specID}
	_, err = m.PutArtifact(ctx, plan)
	require.NoError(t, err)

	again := newArtifact("saw_batch", contracts.StagePlan, `{"rpm":3600}`)
	again.ParentIDs = map[string]string{contracts.RelSpec: specID}
	_, err = m.PutArtifact(ctx, again)
	assert.ErrorIs(t, err, ErrDuplicate)

	// SPEC dedupe is the client's concern.
	_, err = m.PutArtifact(ctx, newArtifact("saw_batch", contracts.StageSpec, `{"cut":"slice"}`))
	assert.NoError(t, err)
}

func TestCannotApproveRedPlan(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	specID, err := m.PutArtifact(ctx, newArtifact("saw_batch", contracts.StageSpec, `{}`))
	require.NoError(t, err)
	plan := newArtifact("saw_batch", contracts.StagePlan, `{"feasibility":{"bucket":"RED"}}`)
	plan.ParentIDs = map[string]string{contracts.RelSpec: specID}
	planID, err := m.PutArtifact(ctx, plan)
	require.NoError(t, err)

	dec := newArtifact("saw_batch", contracts.StageDecision, `{}`)
	dec.ParentIDs = map[string]string{contracts.RelPlan: planID, contracts.RelSpec: specID}
	dec.Status = contracts.StatusApproved
	dec.CreatedBy = "op-jules"
	_, err = m.PutArtifact(ctx, dec)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	// Rejecting the same plan is fine.
	dec.Status = contracts.StatusRejected
	_, err = m.PutArtifact(ctx, dec)
	assert.NoError(t, err)
}

func TestExecutionRequiresApprovedDecision(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	_, _, decisionID := putChain(t, m, contracts.StatusRejected, `{"feasibility":{"bucket":"GREEN"}}`)

	exec := newArtifact("saw_batch", contracts.StageExecution, `{}`)
	exec.ParentIDs = map[string]string{contracts.RelDecision: decisionID}
	exec.Status = contracts.StatusOK
	_, err := m.PutArtifact(ctx, exec)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestQueryOrderingFiltersAndLimit(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemoryStore().WithClock(func() time.Time { return fixed })
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := m.PutArtifact(ctx, newArtifact("saw_batch", contracts.StageSpec, fmt.Sprintf(`{"n":%d}`, i)))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	rosette := newArtifact("rosette", contracts.StageSpec, `{"ring":1}`)
	rosette.IndexMeta.SessionID = "s2"
	_, err := m.PutArtifact(ctx, rosette)
	require.NoError(t, err)

	// Same clock tick still yields strict write order.
	all, err := m.QueryArtifacts(ctx, ArtifactQuery{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, a := range all {
		assert.Equal(t, ids[i], a.ArtifactID)
	}

	byTool, err := m.QueryArtifacts(ctx, ArtifactQuery{ToolKind: "rosette"})
	require.NoError(t, err)
	require.Len(t, byTool, 1)
	assert.Equal(t, "s2", byTool[0].IndexMeta.SessionID)

	limited, err := m.QueryArtifacts(ctx, ArtifactQuery{SessionID: "s1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestGetLineageWalksBackToSpec(t *testing.T) {
	m := NewMemoryStore()
	specID, planID, decisionID := putChain(t, m, contracts.StatusApproved, `{"feasibility":{"bucket":"GREEN"}}`)

	chain, err := m.GetLineage(context.Background(), decisionID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, decisionID, chain[0].ArtifactID)
	assert.Equal(t, planID, chain[1].ArtifactID)
	assert.Equal(t, specID, chain[2].ArtifactID)

	_, err = m.GetLineage(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdvisoryLifecycle(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	err := m.AppendAdvisoryRef(ctx, "ghost", contracts.AdvisoryInputRef{RequestID: "r1"})
	assert.ErrorIs(t, err, ErrNotFound)

	runID, err := m.PutArtifact(ctx, newArtifact("saw_batch", contracts.StageSpec, `{}`))
	require.NoError(t, err)

	require.NoError(t, m.AppendAdvisoryRef(ctx, runID, contracts.AdvisoryInputRef{
		RequestID:  "r1",
		ProducerID: "cam-advisor",
		Status:     contracts.AdvisoryPending,
	}))

	sha := canonicalize.HashBytes([]byte("advice"))
	require.NoError(t, m.SetAdvisoryStatus(ctx, runID, "r1", sha, contracts.AdvisoryReady))

	refs, err := m.ListAdvisoryRefs(ctx, runID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, contracts.AdvisoryReady, refs[0].Status)
	assert.Equal(t, sha, refs[0].SHA256)

	err = m.SetAdvisoryStatus(ctx, runID, "unknown", "", contracts.AdvisoryFailed)
	assert.ErrorIs(t, err, ErrNotFound)

	// The run record surfaces the refs as advisory inputs.
	run, err := m.GetArtifact(ctx, runID)
	require.NoError(t, err)
	require.Len(t, run.AdvisoryInputs, 1)
	assert.Equal(t, "cam-advisor", run.AdvisoryInputs[0].ProducerID)
}

func TestMetaQueryPagination(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		data := []byte{byte(i)}
		require.NoError(t, m.UpsertMeta(ctx, contracts.AttachmentMeta{
			SHA256:    canonicalize.HashBytes(data),
			MIME:      "application/octet-stream",
			SizeBytes: 1,
			Kind:      contracts.AttachmentGCode,
		}))
	}

	var collected []string
	var cursor MetaCursor
	for {
		page, next, err := m.QueryMeta(ctx, contracts.AttachmentGCode, "", cursor, 2)
		require.NoError(t, err)
		for _, meta := range page {
			collected = append(collected, meta.SHA256)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	require.Len(t, collected, 5)
	for i := 1; i < len(collected); i++ {
		assert.Less(t, collected[i-1], collected[i])
	}
}

func TestOverrideRoundtrip(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	key := contracts.OverrideKey{ToolID: "saw_batch", MaterialID: "hardwood", OperationKind: "slice", MachineProfileID: "SAW-CELL-A"}

	_, err := m.GetOverride(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	o := contracts.LearningOverride{
		Key:         key,
		Multipliers: contracts.LearningMultipliers{RPM: 0.9, Feed: 0.95, DOC: 1, WOC: 1},
		AcceptedBy:  "policy-auto",
	}
	require.NoError(t, m.PutOverride(ctx, o))

	got, err := m.GetOverride(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.Multipliers.RPM)

	list, err := m.ListOverrides(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
