package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lutherie-works/rmos/pkg/lanes"
)

func TestRunDispatcher(t *testing.T) {
	var out, errOut bytes.Buffer

	code := Run([]string{"rmos-node", "help"}, &out, &errOut)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "truth")

	out.Reset()
	code = Run([]string{"rmos-node", "bogus"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestTruthPrintAndValidate(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"rmos-node", "truth"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	tf, err := lanes.ParseTruthFile(out.Bytes())
	require.NoError(t, err)
	assert.Greater(t, tf.Report.Count, 0)
	require.Len(t, tf.Deprecations, 1)
	assert.Equal(t, "/api/art-studio/", tf.Deprecations[0].Prefix)

	// A committed copy of the live snapshot validates cleanly.
	path := filepath.Join(t.TempDir(), "routing_truth.yaml")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))

	out.Reset()
	code = Run([]string{"rmos-node", "truth", "--file", path}, &out, &errOut)
	assert.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "routing truth matches")

	// Removing a route from the committed file fails the gate.
	tf.Report.Routes = tf.Report.Routes[1:]
	tampered, err := lanes.MarshalTruthFile(tf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	out.Reset()
	code = Run([]string{"rmos-node", "truth", "--file", path}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "missing from truth file")
}

// TestCommittedTruthFileIsCurrent gates route changes: editing the
// mounted surface without regenerating routing-truth.yaml fails here
// the same way it fails in CI.
func TestCommittedTruthFileIsCurrent(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"rmos-node", "truth", "--file", filepath.Join("..", "..", "routing-truth.yaml")}, &out, &errOut)
	require.Equal(t, 0, code, out.String()+errOut.String())
	assert.Contains(t, out.String(), "routing truth matches")
}

func TestReplayEmptyStoreIsClean(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "rmos.db"))
	t.Setenv("BLOB_DIR", filepath.Join(dir, "blobs"))

	var out, errOut bytes.Buffer
	code := Run([]string{"rmos-node", "replay"}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), `"executions_checked": 0`)
}

func TestExportRequiresOut(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"rmos-node", "export"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.True(t, strings.Contains(errOut.String(), "--out is required"))
}

func TestImportRequiresPack(t *testing.T) {
	var out, errOut bytes.Buffer
	code := Run([]string{"rmos-node", "import-evidence"}, &out, &errOut)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut.String(), "--pack is required")
}
