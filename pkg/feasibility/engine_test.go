package feasibility

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

func cleanSpec(t *testing.T) json.RawMessage {
	t.Helper()
	spec := contracts.SawBatchSpec{
		SessionID:  "sess-1",
		BatchLabel: "neck-blanks",
		OpType:     "rip",
		BladeID:    "blade-80t",
		Items: []contracts.SawBatchItem{
			{PartID: "p1", MaterialFamily: "maple", ThicknessMm: 10, WidthMm: 50, LengthMm: 500},
		},
		MachineProfile: "saw-cell-1",
	}
	raw, err := json.Marshal(spec)
	require.NoError(t, err)
	return raw
}

func cleanContext() contracts.MachiningContext {
	return contracts.MachiningContext{
		MaterialID:       "maple-hard",
		ToolID:           "saw_batch",
		MachineProfileID: "saw-cell-1",
		Params: contracts.MachiningParams{
			RPM:       4000,
			FeedMmMin: 3000,
			DOCMm:     5,
		},
	}
}

func ruleIDs(v *contracts.Verdict) []string {
	ids := make([]string, 0, len(v.Violations))
	for _, viol := range v.Violations {
		ids = append(ids, viol.RuleID)
	}
	return ids
}

func TestEvaluateCleanBatchIsGreen(t *testing.T) {
	eng := New()
	v, err := eng.Evaluate(context.Background(), cleanSpec(t), cleanContext())
	require.NoError(t, err)

	assert.Equal(t, contracts.BucketGreen, v.Bucket)
	assert.Equal(t, 100, v.Score)
	assert.Empty(t, v.Violations)
	assert.NotNil(t, v.Violations)
	assert.Equal(t, EngineVersion, v.EngineVersion)
	assert.Len(t, v.InputsFingerprint, 64)
	assert.False(t, v.Blocking())
}

func TestEvaluateDeterministic(t *testing.T) {
	eng := New()
	spec := cleanSpec(t)
	mctx := cleanContext()

	first, err := eng.Evaluate(context.Background(), spec, mctx)
	require.NoError(t, err)
	second, err := eng.Evaluate(context.Background(), spec, mctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestThicknessBoundary(t *testing.T) {
	eng := New()
	mctx := cleanContext()
	mctx.Params.DOCMm = 0.5

	mk := func(thickness float64) json.RawMessage {
		return json.RawMessage(fmt.Sprintf(
			`{"op_type":"rip","blade_id":"b","machine_profile":"m","items":[{"part_id":"p1","material_family":"maple","thickness_mm":%g,"width_mm":50,"length_mm":500}]}`,
			thickness))
	}

	// Exactly at the minimum is machinable but flagged by the edge policy.
	v, err := eng.Evaluate(context.Background(), mk(MinStockThicknessMm), mctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.BucketGreen, v.Bucket)
	assert.Equal(t, []string{"F032"}, ruleIDs(v))
	assert.Equal(t, 97, v.Score)

	// Below the minimum is a hard failure.
	v, err = eng.Evaluate(context.Background(), mk(0.99), mctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.BucketRed, v.Bucket)
	assert.Contains(t, ruleIDs(v), "F004")
	assert.True(t, v.Blocking())
}

func TestSpindleBandBoundary(t *testing.T) {
	eng := New()

	// Maple band tops out at 7500.
	mctx := cleanContext()
	mctx.Params.RPM = 7500
	v, err := eng.Evaluate(context.Background(), cleanSpec(t), mctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.BucketGreen, v.Bucket)
	assert.Equal(t, []string{"F030"}, ruleIDs(v))

	mctx.Params.RPM = 7501
	v, err = eng.Evaluate(context.Background(), cleanSpec(t), mctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.BucketRed, v.Bucket)
	assert.Contains(t, ruleIDs(v), "F003")
}

func TestSoftViolationCapsAtYellow(t *testing.T) {
	eng := New()
	mctx := cleanContext()
	mctx.Params.FeedMmMin = 50

	v, err := eng.Evaluate(context.Background(), cleanSpec(t), mctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"F011"}, ruleIDs(v))
	assert.Equal(t, 90, v.Score)
	// Score alone would be GREEN; the soft violation holds it at YELLOW.
	assert.Equal(t, contracts.BucketYellow, v.Bucket)
	assert.False(t, v.Blocking())
}

func TestAccumulatedPenaltiesReachRedWithoutHard(t *testing.T) {
	eng := New()
	spec := json.RawMessage(`{
		"op_type":"rip",
		"items":[
			{"part_id":"p1","material_family":"maple","thickness_mm":10,"width_mm":50,"length_mm":500},
			{"part_id":"p2","material_family":"spruce","thickness_mm":8,"width_mm":30,"length_mm":2000}
		]
	}`)
	mctx := contracts.MachiningContext{
		MaterialID: "maple",
		ToolID:     "saw_batch",
		Params: contracts.MachiningParams{
			RPM:       1500,
			FeedMmMin: 50,
			DOCMm:     7,
		},
	}

	v, err := eng.Evaluate(context.Background(), spec, mctx)
	require.NoError(t, err)
	assert.Equal(t,
		[]string{"F010", "F011", "F012", "F013", "F035", "F040", "F041"},
		ruleIDs(v))
	assert.Equal(t, 39, v.Score)
	assert.Equal(t, contracts.BucketRed, v.Bucket)
}

func TestAdversarialPayloads(t *testing.T) {
	eng := New()
	mctx := cleanContext()

	cases := []struct {
		name    string
		payload string
		wantID  string
	}{
		{
			name:    "empty batch",
			payload: `{"op_type":"rip","blade_id":"b","machine_profile":"m","items":[]}`,
			wantID:  "F020",
		},
		{
			name:    "zero width",
			payload: `{"op_type":"rip","blade_id":"b","machine_profile":"m","items":[{"part_id":"p1","material_family":"maple","thickness_mm":10,"width_mm":0,"length_mm":500}]}`,
			wantID:  "F021",
		},
		{
			name:    "duplicate part id",
			payload: `{"op_type":"rip","blade_id":"b","machine_profile":"m","items":[{"part_id":"p1","material_family":"maple","thickness_mm":10,"width_mm":50,"length_mm":500},{"part_id":"p1","material_family":"maple","thickness_mm":10,"width_mm":50,"length_mm":500}]}`,
			wantID:  "F023",
		},
		{
			name:    "unknown op type",
			payload: `{"op_type":"laser","blade_id":"b","machine_profile":"m","items":[{"part_id":"p1","material_family":"maple","thickness_mm":10,"width_mm":50,"length_mm":500}]}`,
			wantID:  "F024",
		},
		{
			name:    "unknown part material",
			payload: `{"op_type":"rip","blade_id":"b","machine_profile":"m","items":[{"part_id":"p1","material_family":"unobtanium","thickness_mm":10,"width_mm":50,"length_mm":500}]}`,
			wantID:  "F025",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := eng.Evaluate(context.Background(), json.RawMessage(tc.payload), mctx)
			require.NoError(t, err)
			assert.Equal(t, contracts.BucketRed, v.Bucket)
			assert.Contains(t, ruleIDs(v), tc.wantID)
		})
	}
}

func TestBatchNearCapBoundary(t *testing.T) {
	eng := New()
	mctx := cleanContext()

	mk := func(n int) json.RawMessage {
		spec := contracts.SawBatchSpec{OpType: "rip", BladeID: "b", MachineProfile: "m"}
		for i := 0; i < n; i++ {
			spec.Items = append(spec.Items, contracts.SawBatchItem{
				PartID:         fmt.Sprintf("p%d", i),
				MaterialFamily: "maple",
				ThicknessMm:    10,
				WidthMm:        50,
				LengthMm:       500,
			})
		}
		raw, err := json.Marshal(spec)
		require.NoError(t, err)
		return raw
	}

	// One part below 80 percent of the cap stays clean.
	v, err := eng.Evaluate(context.Background(), mk(408), mctx)
	require.NoError(t, err)
	assert.NotContains(t, ruleIDs(v), "F034")

	// At the mark the edge policy flags it without blocking.
	v, err = eng.Evaluate(context.Background(), mk(409), mctx)
	require.NoError(t, err)
	assert.Contains(t, ruleIDs(v), "F034")
	assert.Equal(t, contracts.BucketGreen, v.Bucket)
}

func TestCutDeeperThanStock(t *testing.T) {
	eng := New()
	mctx := cleanContext()
	mctx.Params.DOCMm = 11

	v, err := eng.Evaluate(context.Background(), cleanSpec(t), mctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.BucketRed, v.Bucket)
	assert.Contains(t, ruleIDs(v), "F027")
}

func TestFeedAgainstStoppedSpindle(t *testing.T) {
	eng := New()
	mctx := cleanContext()
	mctx.Params.RPM = 0

	v, err := eng.Evaluate(context.Background(), cleanSpec(t), mctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.BucketRed, v.Bucket)
	assert.Contains(t, ruleIDs(v), "F028")
}

func TestViolationsSortedByRuleID(t *testing.T) {
	eng := New()
	spec := json.RawMessage(`{"op_type":"laser","items":[]}`)
	mctx := contracts.MachiningContext{MaterialID: "unobtanium", ToolID: "saw_batch"}

	v, err := eng.Evaluate(context.Background(), spec, mctx)
	require.NoError(t, err)
	require.NotEmpty(t, v.Violations)
	ids := ruleIDs(v)
	assert.True(t, sort.StringsAreSorted(ids), "violations must be in rule id order: %v", ids)
}

func TestPayloadParamsFillContextGaps(t *testing.T) {
	eng := New()
	spec := json.RawMessage(`{
		"op_type":"rip","blade_id":"b","machine_profile":"m",
		"items":[{"part_id":"p1","material_family":"maple","thickness_mm":10,"width_mm":50,"length_mm":500}],
		"params":{"rpm":4000,"feed_mm_min":3000,"doc_mm":5}
	}`)
	mctx := contracts.MachiningContext{MaterialID: "maple", ToolID: "saw_batch"}

	v, err := eng.Evaluate(context.Background(), spec, mctx)
	require.NoError(t, err)
	assert.Equal(t, contracts.BucketGreen, v.Bucket)
	assert.Empty(t, v.Violations)
}

func TestEvaluateErrors(t *testing.T) {
	eng := New()

	_, err := eng.Evaluate(context.Background(), json.RawMessage(`{not json`), cleanContext())
	assert.Error(t, err)

	_, err = eng.Evaluate(context.Background(), cleanSpec(t), contracts.MachiningContext{ToolID: "saw_batch"})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = eng.Evaluate(ctx, cleanSpec(t), cleanContext())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRuleRegistry(t *testing.T) {
	eng := New()
	rules := eng.Rules()
	assert.Len(t, rules, 33)

	prev := ""
	for _, r := range rules {
		assert.Greater(t, r.ID, prev)
		assert.NotEmpty(t, r.Version)
		assert.NotEmpty(t, r.Summary)
		assert.NotNil(t, r.Check)
		switch r.Severity {
		case contracts.SeverityHard:
			assert.Equal(t, 100, r.Penalty)
		case contracts.SeveritySoft, contracts.SeverityInfo:
			assert.Less(t, r.Penalty, 100)
		default:
			t.Fatalf("rule %s has unknown severity %q", r.ID, r.Severity)
		}
		prev = r.ID
	}
}
