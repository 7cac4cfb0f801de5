// Package ingest moves evidence in and run bundles out at the system
// boundary. Evidence packs are measurement-only zip bundles: their files
// become content-addressed blobs and metadata, never artifacts, so
// nothing ingested can steer the authoritative pipeline. Export bundles
// runs and their attachments for offline analysis. Both sides read and
// write through the store interfaces only.
package ingest

import (
	"errors"
	"fmt"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
)

// EvidenceSchemaID is the manifest schema this build accepts.
const EvidenceSchemaID = "rmos.evidence-pack.v1"

// Manifest validation errors.
var (
	ErrNotMeasurementOnly = errors.New("ingest: pack is not marked measurement_only")
	ErrBundleSHAMismatch  = errors.New("ingest: bundle_sha256 does not match manifest content")
	ErrFileSHAMismatch    = errors.New("ingest: file digest does not match manifest")
)

// ManifestFile is one file entry in an evidence-pack manifest.
type ManifestFile struct {
	Relpath string `json:"relpath"`
	SHA256  string `json:"sha256"`
	Bytes   int64  `json:"bytes"`
	MIME    string `json:"mime,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Manifest is the manifest.json of an evidence pack. BundleSHA256 covers
// the manifest content itself with the bundle_sha256 field zeroed, in
// canonical key order.
type Manifest struct {
	SchemaID        string         `json:"schema_id"`
	BundleSHA256    string         `json:"bundle_sha256"`
	Files           []ManifestFile `json:"files"`
	MeasurementOnly bool           `json:"measurement_only"`
	SourceLabel     string         `json:"source_label,omitempty"`
}

// ComputeBundleSHA returns the digest the bundle_sha256 field must carry.
func ComputeBundleSHA(m Manifest) (string, error) {
	m.BundleSHA256 = ""
	data, err := canonicalize.JCS(m)
	if err != nil {
		return "", fmt.Errorf("ingest: canonicalize manifest: %w", err)
	}
	return canonicalize.HashBytes(data), nil
}

// Validate checks a parsed manifest before any file is touched.
func (m Manifest) Validate() error {
	if m.SchemaID != EvidenceSchemaID {
		return fmt.Errorf("ingest: unsupported schema_id %q", m.SchemaID)
	}
	if !m.MeasurementOnly {
		return ErrNotMeasurementOnly
	}
	if len(m.Files) == 0 {
		return errors.New("ingest: manifest lists no files")
	}
	want, err := ComputeBundleSHA(m)
	if err != nil {
		return err
	}
	if m.BundleSHA256 != want {
		return fmt.Errorf("%w: have %s, want %s", ErrBundleSHAMismatch, m.BundleSHA256, want)
	}
	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if f.Relpath == "" || f.Relpath == "manifest.json" {
			return fmt.Errorf("ingest: invalid file relpath %q", f.Relpath)
		}
		if seen[f.Relpath] {
			return fmt.Errorf("ingest: duplicate file relpath %q", f.Relpath)
		}
		seen[f.Relpath] = true
		if len(f.SHA256) != 64 {
			return fmt.Errorf("ingest: file %s has malformed sha256", f.Relpath)
		}
		if f.Kind != "" && !contracts.KnownAttachmentKind(contracts.AttachmentKind(f.Kind)) {
			return fmt.Errorf("ingest: file %s has unknown kind %q", f.Relpath, f.Kind)
		}
	}
	return nil
}
