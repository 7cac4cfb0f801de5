package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
	"github.com/lutherie-works/rmos/pkg/store"
)

// maxEvidenceFileBytes bounds one file inside a pack.
const maxEvidenceFileBytes = 32 << 20

// ImportResult reports what an evidence-pack import stored.
type ImportResult struct {
	BundleSHA256 string   `json:"bundle_sha256"`
	FilesStored  int      `json:"files_stored"`
	SHAs         []string `json:"shas"`
}

// Importer ingests evidence packs into the blob store and meta index.
type Importer struct {
	blobs store.BlobStore
	meta  store.MetaIndex
	log   *slog.Logger
}

// NewImporter wires an importer onto a store backend.
func NewImporter(backend store.Backend, log *slog.Logger) *Importer {
	if log == nil {
		log = slog.Default()
	}
	return &Importer{blobs: backend.Blobs, meta: backend.Meta, log: log}
}

// ImportEvidencePack verifies and stores a measurement-only zip bundle.
// Verification is all-or-nothing ahead of any write: a bad manifest or a
// single digest mismatch stores nothing.
func (i *Importer) ImportEvidencePack(ctx context.Context, pack []byte) (*ImportResult, error) {
	zr, err := zip.NewReader(bytes.NewReader(pack), int64(len(pack)))
	if err != nil {
		return nil, fmt.Errorf("ingest: open pack: %w", err)
	}

	manifest, err := readManifest(zr)
	if err != nil {
		return nil, err
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	// First pass verifies every file against the manifest.
	contents := make(map[string][]byte, len(manifest.Files))
	for _, f := range manifest.Files {
		data, err := readZipFile(zr, f.Relpath)
		if err != nil {
			return nil, err
		}
		if canonicalize.HashBytes(data) != f.SHA256 {
			return nil, fmt.Errorf("%w: %s", ErrFileSHAMismatch, f.Relpath)
		}
		if int64(len(data)) != f.Bytes {
			return nil, fmt.Errorf("ingest: file %s size %d, manifest says %d", f.Relpath, len(data), f.Bytes)
		}
		contents[f.Relpath] = data
	}

	// Second pass stores. Blob writes are idempotent, so a partial
	// failure here is safely re-runnable.
	result := &ImportResult{BundleSHA256: manifest.BundleSHA256, SHAs: []string{}}
	now := time.Now().UTC()
	for _, f := range manifest.Files {
		sha, err := i.blobs.Put(ctx, contents[f.Relpath])
		if err != nil {
			return nil, err
		}
		mime := f.MIME
		if mime == "" {
			mime = "application/octet-stream"
		}
		kind := contracts.AttachmentEvidence
		if f.Kind != "" {
			kind = contracts.AttachmentKind(f.Kind)
		}
		if err := i.meta.UpsertMeta(ctx, contracts.AttachmentMeta{
			SHA256:       sha,
			MIME:         mime,
			Filename:     f.Relpath,
			SizeBytes:    f.Bytes,
			Kind:         kind,
			CreatedAtUTC: now,
		}); err != nil {
			return nil, err
		}
		result.FilesStored++
		result.SHAs = append(result.SHAs, sha)
	}
	i.log.Info("evidence pack imported",
		"bundle_sha256", manifest.BundleSHA256,
		"files", result.FilesStored,
		"source", manifest.SourceLabel)
	return result, nil
}

func readManifest(zr *zip.Reader) (Manifest, error) {
	data, err := readZipFile(zr, "manifest.json")
	if err != nil {
		return Manifest{}, fmt.Errorf("ingest: manifest.json: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("ingest: manifest.json: %w", err)
	}
	return m, nil
}

func readZipFile(zr *zip.Reader, path string) ([]byte, error) {
	f, err := zr.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxEvidenceFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("ingest: read %s: %w", path, err)
	}
	if len(data) > maxEvidenceFileBytes {
		return nil, fmt.Errorf("ingest: %s exceeds %d bytes", path, maxEvidenceFileBytes)
	}
	return data, nil
}
