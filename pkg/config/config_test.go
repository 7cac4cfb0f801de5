package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lutherie-works/rmos/pkg/pipeline"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "file", cfg.BlobBackend)
	assert.Equal(t, "rmos", cfg.JWTIssuer)
	assert.NotEmpty(t, cfg.DeprecationSunsetDate)
	assert.Empty(t, cfg.Flags)
}

func TestLoadToolFlags(t *testing.T) {
	t.Setenv("SAW_BATCH_LEARNING_HOOK_ENABLED", "true")
	t.Setenv("SAW_BATCH_APPLY_ACCEPTED_OVERRIDES", "true")
	t.Setenv("ROSETTE_METRICS_ROLLUP_HOOK_ENABLED", "1") // only "true" counts

	cfg := Load()
	assert.Equal(t, pipeline.ToolFlags{
		LearningHook:           true,
		ApplyAcceptedOverrides: true,
	}, cfg.Flags["saw_batch"])
	_, ok := cfg.Flags["rosette"]
	assert.False(t, ok)
}

func TestPipelineConfigFingerprintTracksFlags(t *testing.T) {
	base := Load()
	pcBase, err := base.PipelineConfig()
	require.NoError(t, err)
	assert.NotEmpty(t, pcBase.ConfigFingerprint)
	assert.Equal(t, pipeline.DefaultTimeouts(), pcBase.Timeouts)

	t.Setenv("VCARVE_LEARNING_HOOK_ENABLED", "true")
	flagged := Load()
	pcFlagged, err := flagged.PipelineConfig()
	require.NoError(t, err)
	assert.NotEqual(t, pcBase.ConfigFingerprint, pcFlagged.ConfigFingerprint)

	// Same environment reproduces the same fingerprint.
	again, err := Load().PipelineConfig()
	require.NoError(t, err)
	assert.Equal(t, pcFlagged.ConfigFingerprint, again.ConfigFingerprint)
}

func TestLoadMachineProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_saw-cell-a.yaml", `
id: SAW-CELL-A
name: Panel saw cell A
kind: saw
max_rpm: 4200
max_feed_mm_min: 6000
max_cut_depth_mm: 80
table_length_mm: 3200
safe_z_mm: 25
blade_ids: [blade-24t, blade-60t]
`)

	p, err := LoadMachineProfile(dir, "SAW-CELL-A")
	require.NoError(t, err)
	assert.Equal(t, "SAW-CELL-A", p.ID)
	assert.Equal(t, 4200.0, p.MaxRPM)
	assert.Equal(t, []string{"blade-24t", "blade-60t"}, p.BladeIDs)

	_, err = LoadMachineProfile(dir, "missing")
	assert.Error(t, err)
}

func TestLoadMachineProfileIDFallback(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_router-1.yaml", `
name: Router cell
max_rpm: 24000
max_feed_mm_min: 8000
`)
	p, err := LoadMachineProfile(dir, "router-1")
	require.NoError(t, err)
	assert.Equal(t, "ROUTER-1", p.ID)
}

func TestLoadAllMachineProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_a.yaml", "id: A\nmax_rpm: 1000\nmax_feed_mm_min: 2000\n")
	writeProfile(t, dir, "profile_b.yaml", "id: B\nmax_rpm: 1500\nmax_feed_mm_min: 2500\n")
	writeProfile(t, dir, "notes.yaml", "unrelated: true\n")

	profiles, err := LoadAllMachineProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, 1000.0, profiles["A"].MaxRPM)
	assert.Equal(t, 1500.0, profiles["B"].MaxRPM)
}

func TestLoadAllMachineProfilesRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_bad.yaml", "id: BAD\nmax_rpm: 0\nmax_feed_mm_min: 2000\n")
	_, err := LoadAllMachineProfiles(dir)
	assert.ErrorContains(t, err, "non-positive limits")
}

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}
