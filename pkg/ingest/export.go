package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/lutherie-works/rmos/pkg/store"
)

// ExportManifest is the manifest.json written at the root of a run
// export bundle.
type ExportManifest struct {
	SchemaID  string   `json:"schema_id"`
	RunCount  int      `json:"run_count"`
	BlobCount int      `json:"blob_count"`
	RunIDs    []string `json:"run_ids"`
	BlobSHAs  []string `json:"blob_shas"`
}

// ExportSchemaID identifies the export bundle layout.
const ExportSchemaID = "rmos.run-export.v1"

// Exporter bundles runs and their attachments into a zip.
type Exporter struct {
	artifacts store.ArtifactStore
	blobs     store.BlobStore
	log       *slog.Logger
}

// NewExporter wires an exporter onto a store backend.
func NewExporter(backend store.Backend, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{artifacts: backend.Artifacts, blobs: backend.Blobs, log: log}
}

// ExportRuns bundles every artifact matching the query plus the blobs
// their attachment refs point at. Layout: runs/<artifact_id>.json,
// blobs/<sha256>, manifest.json.
func (e *Exporter) ExportRuns(ctx context.Context, q store.ArtifactQuery) ([]byte, error) {
	runs, err := e.artifacts.QueryArtifacts(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: no runs match the export query", store.ErrNotFound)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	manifest := ExportManifest{SchemaID: ExportSchemaID, RunIDs: []string{}, BlobSHAs: []string{}}
	blobSeen := make(map[string]bool)
	for _, run := range runs {
		data, err := json.MarshalIndent(run, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("ingest: marshal run %s: %w", run.ArtifactID, err)
		}
		if err := writeZipFile(zw, "runs/"+run.ArtifactID+".json", data); err != nil {
			return nil, err
		}
		manifest.RunIDs = append(manifest.RunIDs, run.ArtifactID)

		for _, ref := range run.AttachmentRefs {
			if blobSeen[ref.SHA256] {
				continue
			}
			blobSeen[ref.SHA256] = true
			blob, err := e.blobs.Get(ctx, ref.SHA256)
			if err != nil {
				return nil, fmt.Errorf("ingest: blob %s of run %s: %w", ref.SHA256, run.ArtifactID, err)
			}
			if err := writeZipFile(zw, "blobs/"+ref.SHA256, blob); err != nil {
				return nil, err
			}
			manifest.BlobSHAs = append(manifest.BlobSHAs, ref.SHA256)
		}
	}
	sort.Strings(manifest.BlobSHAs)
	manifest.RunCount = len(manifest.RunIDs)
	manifest.BlobCount = len(manifest.BlobSHAs)

	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("ingest: marshal export manifest: %w", err)
	}
	if err := writeZipFile(zw, "manifest.json", manifestData); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("ingest: finalize bundle: %w", err)
	}
	e.log.Info("runs exported",
		"runs", manifest.RunCount,
		"blobs", manifest.BlobCount,
		"bytes", buf.Len())
	return buf.Bytes(), nil
}

func writeZipFile(zw *zip.Writer, path string, data []byte) error {
	w, err := zw.Create(path)
	if err != nil {
		return fmt.Errorf("ingest: create %s: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("ingest: write %s: %w", path, err)
	}
	return nil
}
