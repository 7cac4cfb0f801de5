// Package store is the sole authority for persistent RMOS state: the
// artifact store (immutable, parent-linked records), the content-addressed
// blob store, the attachment meta index, the advisory reference lists, and
// the learning overrides store.
//
// Artifact writes are serialized per (session_id, batch_label); writes in
// distinct sessions proceed in parallel. Blob writes are idempotent and
// need no coordination.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

// Sentinel errors. HTTP mapping lives in pkg/api.
var (
	// ErrNotFound is returned when an artifact or blob does not resolve.
	ErrNotFound = errors.New("store: not found")
	// ErrMissingParent is returned when a referenced parent artifact does
	// not exist.
	ErrMissingParent = errors.New("store: missing parent")
	// ErrDuplicate is returned when a stage forbids duplicate
	// (kind, parent_ids, payload_sha256) writes.
	ErrDuplicate = errors.New("store: duplicate artifact")
	// ErrInvariantViolation is returned when a write would break pipeline
	// ancestry invariants (stage order, session/batch propagation,
	// approval gating).
	ErrInvariantViolation = errors.New("store: invariant violation")
	// ErrImmutable is returned on any attempt to mutate a stored artifact.
	ErrImmutable = errors.New("store: artifacts are write-once")
	// ErrUnavailable is a transient infrastructure fault; callers retry.
	ErrUnavailable = errors.New("store: unavailable")
)

// ArtifactQuery filters QueryArtifacts. Zero values are wildcards.
// Results are always ordered by (created_at_utc, artifact_id) ascending.
type ArtifactQuery struct {
	Kind       string
	Stage      contracts.Stage
	SessionID  string
	BatchLabel string
	ToolKind   string
	// ParentRel + ParentID select children linked through a specific
	// relation, e.g. (RelDecision, "<id>").
	ParentRel string
	ParentID  string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// ArtifactStore persists immutable artifacts and answers ancestry queries.
type ArtifactStore interface {
	// PutArtifact validates and persists a new artifact, assigning
	// artifact_id and created_at_utc. The input record is not mutated.
	PutArtifact(ctx context.Context, a *contracts.Artifact) (string, error)
	GetArtifact(ctx context.Context, artifactID string) (*contracts.Artifact, error)
	QueryArtifacts(ctx context.Context, q ArtifactQuery) ([]*contracts.Artifact, error)
	// ListExecutionsForDecision returns every EXECUTION whose ancestry
	// includes the given DECISION, in write order.
	ListExecutionsForDecision(ctx context.Context, decisionID string) ([]*contracts.Artifact, error)
	// GetLineage returns the chain from the artifact back to its root
	// SPEC, starting with the artifact itself.
	GetLineage(ctx context.Context, artifactID string) ([]*contracts.Artifact, error)
}

// BlobStore is content-addressed storage keyed by lowercase-hex SHA-256.
// Put is idempotent: identical bytes always return the same digest with
// no duplication.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (sha256hex string, err error)
	Get(ctx context.Context, sha256hex string) ([]byte, error)
	Exists(ctx context.Context, sha256hex string) (bool, error)
}

// MetaCursor is the opaque pagination cursor for meta index scans. Stable
// across calls as long as the index is unchanged.
type MetaCursor string

// RebuildStats summarizes a meta index rebuild.
type RebuildStats struct {
	RunsScanned        int `json:"runs_scanned"`
	AttachmentsIndexed int `json:"attachments_indexed"`
	UniqueSHA256       int `json:"unique_sha256"`
}

// MetaIndex mirrors attachment metadata for paginated scans.
type MetaIndex interface {
	UpsertMeta(ctx context.Context, meta contracts.AttachmentMeta) error
	GetMeta(ctx context.Context, sha256hex string) (*contracts.AttachmentMeta, error)
	// QueryMeta scans metadata ordered by sha256; kind and mimePrefix are
	// optional filters.
	QueryMeta(ctx context.Context, kind contracts.AttachmentKind, mimePrefix string, cursor MetaCursor, limit int) ([]contracts.AttachmentMeta, MetaCursor, error)
}

// AdvisoryStore keeps the append-only advisory reference lists. The refs
// are metadata about a run, never part of the run's authoritative payload,
// so they live beside the artifact rather than inside it.
type AdvisoryStore interface {
	AppendAdvisoryRef(ctx context.Context, runID string, ref contracts.AdvisoryInputRef) error
	ListAdvisoryRefs(ctx context.Context, runID string) ([]contracts.AdvisoryInputRef, error)
	// SetAdvisoryStatus transitions the slot identified by request_id
	// (PENDING -> READY/FAILED), filling in the blob digest when the
	// producer has completed. Append-only otherwise.
	SetAdvisoryStatus(ctx context.Context, runID, requestID, sha256hex string, status contracts.AdvisoryStatus) error
}

// OverrideStore persists accepted learning overrides. Writes take a
// single-writer lock per override tuple; reads are lock-free or shared.
type OverrideStore interface {
	GetOverride(ctx context.Context, key contracts.OverrideKey) (*contracts.LearningOverride, error)
	PutOverride(ctx context.Context, o contracts.LearningOverride) error
	ListOverrides(ctx context.Context) ([]contracts.LearningOverride, error)
}

// Backend groups the store facets a deployment wires together.
type Backend struct {
	Artifacts  ArtifactStore
	Blobs      BlobStore
	Meta       MetaIndex
	Advisories AdvisoryStore
	Overrides  OverrideStore
}

// dedupeForbidden reports whether a stage rejects duplicate
// (kind, parent_ids, payload_sha256) writes. SPEC duplicates are allowed
// (clients deduplicate externally); EXECUTION duplicates are allowed so
// retry_execution can share a DECISION parent; PLAN and DECISION are
// forbidden so a plan cannot be silently re-derived or re-judged.
func dedupeForbidden(s contracts.Stage) bool {
	return s == contracts.StagePlan || s == contracts.StageDecision
}
