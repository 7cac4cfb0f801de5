package advisory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
	"github.com/lutherie-works/rmos/pkg/store"
)

func newTestService(t *testing.T) (*Service, store.Backend, string) {
	t.Helper()
	backend := store.NewMemoryStore().Backend()
	svc := NewService(backend, slog.New(slog.NewTextHandler(io.Discard, nil)))

	payload := []byte(`{"session_id":"s1","batch_label":"b1","op_type":"slice","items":[]}`)
	runID, err := backend.Artifacts.PutArtifact(context.Background(), &contracts.Artifact{
		Kind:  "saw_batch_spec",
		Stage: contracts.StageSpec,
		IndexMeta: contracts.IndexMeta{
			ToolKind:   "saw_batch",
			SessionID:  "s1",
			BatchLabel: "b1",
		},
		Payload:       payload,
		PayloadSHA256: canonicalize.HashBytes(payload),
		Status:        contracts.StatusCreated,
	})
	require.NoError(t, err)
	return svc, backend, runID
}

func TestSuggestAndAttach(t *testing.T) {
	svc, backend, runID := newTestService(t)
	ctx := context.Background()

	res, err := svc.SuggestAndAttach(ctx, runID, "advisor-1", "consider a slower feed on part p1")
	require.NoError(t, err)
	assert.Equal(t, contracts.AdvisoryReady, res.Status)
	assert.Len(t, res.SHA256, 64)
	assert.Equal(t, DownloadPathPrefix+res.SHA256, res.AttachmentURL)

	refs, err := svc.ListAdvisories(ctx, runID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, res.SHA256, refs[0].SHA256)
	assert.Equal(t, "advisor-1", refs[0].ProducerID)

	// The run artifact itself is untouched.
	run, err := backend.Artifacts.GetArtifact(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, run.AttachmentRefs)
	assert.Equal(t, contracts.StatusCreated, run.Status)

	data, meta, err := svc.Download(ctx, res.SHA256)
	require.NoError(t, err)
	assert.Equal(t, res.SHA256, canonicalize.HashBytes(data))
	assert.Equal(t, contracts.AttachmentAdvisory, meta.Kind)
}

func TestSuggestAndAttachUnknownRun(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.SuggestAndAttach(context.Background(), "ghost", "advisor-1", "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAsyncAttachTransitionsToReady(t *testing.T) {
	svc, _, runID := newTestService(t)
	ctx := context.Background()

	res, err := svc.SuggestAndAttachAsync(ctx, runID, "advisor-2", func(context.Context) (any, error) {
		return map[string]any{"preview": "ok"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.AdvisoryPending, res.Status)
	require.NotEmpty(t, res.RequestID)

	assert.Eventually(t, func() bool {
		refs, err := svc.ListAdvisories(ctx, runID)
		if err != nil || len(refs) != 1 {
			return false
		}
		return refs[0].Status == contracts.AdvisoryReady && refs[0].SHA256 != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAsyncAttachFailureStaysOffTheRun(t *testing.T) {
	svc, backend, runID := newTestService(t)
	ctx := context.Background()

	_, err := svc.SuggestAndAttachAsync(ctx, runID, "advisor-2", func(context.Context) (any, error) {
		return nil, errors.New("model unavailable")
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		refs, err := svc.ListAdvisories(ctx, runID)
		return err == nil && len(refs) == 1 && refs[0].Status == contracts.AdvisoryFailed
	}, 2*time.Second, 10*time.Millisecond)

	run, err := backend.Artifacts.GetArtifact(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCreated, run.Status)
}

func TestVerifyRunAttachments(t *testing.T) {
	svc, backend, runID := newTestService(t)
	ctx := context.Background()

	missing, err := svc.VerifyRunAttachments(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, missing)

	res, err := svc.SuggestAndAttach(ctx, runID, "advisor-1", "note")
	require.NoError(t, err)
	missing, err = svc.VerifyRunAttachments(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, missing)

	// A reference whose blob never landed shows up as missing.
	ghost := "00000000000000000000000000000000000000000000000000000000000000aa"
	require.NoError(t, backend.Advisories.AppendAdvisoryRef(ctx, runID, contracts.AdvisoryInputRef{
		SHA256:       ghost,
		Kind:         contracts.AttachmentAdvisory,
		ProducerID:   "advisor-1",
		RequestID:    "req-ghost",
		Status:       contracts.AdvisoryReady,
		CreatedAtUTC: time.Now().UTC(),
	}))
	missing, err = svc.VerifyRunAttachments(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, []string{ghost}, missing)
	assert.NotContains(t, missing, res.SHA256)
}

func TestSupersede(t *testing.T) {
	svc, _, runID := newTestService(t)
	ctx := context.Background()

	res, err := svc.SuggestAndAttach(ctx, runID, "advisor-1", "old advice")
	require.NoError(t, err)
	require.NoError(t, svc.Supersede(ctx, runID, res.RequestID))

	refs, err := svc.ListAdvisories(ctx, runID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, contracts.AdvisorySuperseded, refs[0].Status)
	// The digest survives supersession; only the status changes.
	assert.Equal(t, res.SHA256, refs[0].SHA256)
}

func TestDownloadMissingBlob(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, _, err := svc.Download(context.Background(),
		"00000000000000000000000000000000000000000000000000000000000000bb")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
