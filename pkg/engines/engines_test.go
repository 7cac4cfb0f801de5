package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

func sawSpec(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(contracts.SawBatchSpec{
		SessionID:  "s1",
		BatchLabel: "b1",
		OpType:     "slice",
		BladeID:    "BLADE_10IN_60T",
		Items: []contracts.SawBatchItem{
			{PartID: "p1", MaterialFamily: "hardwood", ThicknessMm: 19, WidthMm: 100, LengthMm: 500},
			{PartID: "p2", MaterialFamily: "hardwood", ThicknessMm: 19, WidthMm: 80, LengthMm: 400},
		},
		MachineProfile: "SAW_LAB_01",
	})
	require.NoError(t, err)
	return raw
}

func sawVerdict() *contracts.Verdict {
	return &contracts.Verdict{
		Bucket:            contracts.BucketGreen,
		Score:             100,
		Violations:        []contracts.Violation{},
		InputsFingerprint: "aaaa",
		EngineVersion:     "2.3.0",
	}
}

func TestSawBatchComputeDeterministic(t *testing.T) {
	eng := SawBatchEngine{}
	mctx := contracts.MachiningContext{
		MaterialID: "hardwood",
		ToolID:     "saw_batch",
		Params:     contracts.MachiningParams{RPM: 3600, FeedMmMin: 1200, DOCMm: 5},
	}

	first, err := eng.Compute(context.Background(), sawSpec(t), mctx, sawVerdict())
	require.NoError(t, err)
	second, err := eng.Compute(context.Background(), sawSpec(t), mctx, sawVerdict())
	require.NoError(t, err)

	require.Len(t, first.Blobs, 2)
	assert.Equal(t, contracts.AttachmentGCode, first.Blobs[0].Kind)
	assert.Equal(t, "primary_output", first.Blobs[0].Role)
	assert.True(t, bytes.Equal(first.Blobs[0].Bytes, second.Blobs[0].Bytes))
	assert.True(t, bytes.Equal(first.Summary, second.Summary))

	gcode := string(first.Blobs[0].Bytes)
	assert.True(t, strings.HasPrefix(gcode, "%\n"))
	assert.Contains(t, gcode, "(PART p1)")
	assert.Contains(t, gcode, "(PART p2)")
	assert.Contains(t, gcode, "M30")
}

func TestSawBatchPassCount(t *testing.T) {
	assert.Equal(t, 1, passCount(19, 0))
	assert.Equal(t, 1, passCount(19, 19))
	assert.Equal(t, 1, passCount(19, 25))
	assert.Equal(t, 4, passCount(19, 5))
	assert.Equal(t, 2, passCount(10, 5))
}

func TestSawBatchRejectsEmptyBatch(t *testing.T) {
	eng := SawBatchEngine{}
	_, err := eng.Compute(context.Background(),
		json.RawMessage(`{"items":[]}`),
		contracts.MachiningContext{MaterialID: "m", ToolID: "saw_batch"},
		sawVerdict())
	assert.Error(t, err)
}

func TestRosetteComputeDeterministic(t *testing.T) {
	eng := RosetteEngine{}
	spec := json.RawMessage(`{"batch_label":"r1","rings":[{"radius_mm":40,"depth_mm":1.5},{"radius_mm":44,"depth_mm":1.5}]}`)
	mctx := contracts.MachiningContext{MaterialID: "spruce", ToolID: "rosette"}

	first, err := eng.Compute(context.Background(), spec, mctx, sawVerdict())
	require.NoError(t, err)
	second, err := eng.Compute(context.Background(), spec, mctx, sawVerdict())
	require.NoError(t, err)

	require.Len(t, first.Blobs, 1)
	assert.True(t, bytes.Equal(first.Blobs[0].Bytes, second.Blobs[0].Bytes))
	assert.Contains(t, string(first.Blobs[0].Bytes), "(RING 0 R40.000)")
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(SawBatchEngine{}))
	require.NoError(t, reg.Register(RosetteEngine{}))

	eng, err := reg.Lookup("saw_batch")
	require.NoError(t, err)
	assert.Equal(t, SawBatchVersion, eng.Version())

	_, err = reg.Lookup("vcarve")
	assert.Error(t, err)

	err = reg.Register(SawBatchEngine{})
	assert.Error(t, err, "double registration must fail")

	infos := reg.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "rosette", infos[0].Name)
	assert.Equal(t, "saw_batch", infos[1].Name)
}

type badEngine struct{ name, version string }

func (b badEngine) Name() string                 { return b.name }
func (b badEngine) Version() string              { return b.version }
func (b badEngine) PostProcessorVersion() string { return "1.0.0" }
func (b badEngine) Compute(context.Context, json.RawMessage, contracts.MachiningContext, *contracts.Verdict) (*Result, error) {
	return nil, nil
}

func TestRegistryValidation(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Register(badEngine{name: "not_a_tool", version: "1.0.0"}))
	assert.Error(t, reg.Register(badEngine{name: "vcarve", version: "not-semver"}))
}
