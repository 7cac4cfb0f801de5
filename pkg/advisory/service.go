// Package advisory lets non-authoritative producers attach explanations,
// previews, and suggestions to a run without touching it. References are
// append-only metadata beside the artifact; removal means marking a slot
// SUPERSEDED, never deleting.
package advisory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
	"github.com/lutherie-works/rmos/pkg/store"
)

// DownloadPathPrefix is where attachment bytes are served.
const DownloadPathPrefix = "/api/rmos/acoustics/attachments/"

// Producer generates an advisory payload asynchronously. It receives no
// store handles: producers can propose, never persist.
type Producer func(ctx context.Context) (payload any, err error)

// AttachResult reports where an advisory landed.
type AttachResult struct {
	SHA256        string                   `json:"sha256,omitempty"`
	RequestID     string                   `json:"request_id"`
	Status        contracts.AdvisoryStatus `json:"status"`
	AttachmentURL string                   `json:"attachment_url,omitempty"`
}

// Service is the only write path for advisory state. It can append refs
// and store blobs; it has no artifact-write capability.
type Service struct {
	artifacts  store.ArtifactStore
	blobs      store.BlobStore
	meta       store.MetaIndex
	advisories store.AdvisoryStore
	log        *slog.Logger
}

// NewService wires the advisory service onto a store backend.
func NewService(backend store.Backend, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		artifacts:  backend.Artifacts,
		blobs:      backend.Blobs,
		meta:       backend.Meta,
		advisories: backend.Advisories,
		log:        log,
	}
}

// SuggestAndAttach canonicalizes the payload, stores it as a blob, and
// appends a READY advisory reference to the run. The run itself is never
// modified.
func (s *Service) SuggestAndAttach(ctx context.Context, runID, producerID string, payload any) (*AttachResult, error) {
	if _, err := s.artifacts.GetArtifact(ctx, runID); err != nil {
		return nil, err
	}

	data, sha, mime, err := canonicalize.Payload(payload)
	if err != nil {
		return nil, fmt.Errorf("advisory: canonicalize payload: %w", err)
	}
	if _, err := s.blobs.Put(ctx, data); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.meta.UpsertMeta(ctx, contracts.AttachmentMeta{
		SHA256:       sha,
		MIME:         mime,
		SizeBytes:    int64(len(data)),
		Kind:         contracts.AttachmentAdvisory,
		CreatedAtUTC: now,
	}); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	ref := contracts.AdvisoryInputRef{
		SHA256:       sha,
		Kind:         contracts.AttachmentAdvisory,
		ProducerID:   producerID,
		RequestID:    requestID,
		Status:       contracts.AdvisoryReady,
		CreatedAtUTC: now,
	}
	if err := s.advisories.AppendAdvisoryRef(ctx, runID, ref); err != nil {
		return nil, err
	}
	s.log.Info("advisory attached",
		"run_id", runID,
		"producer_id", producerID,
		"sha256", sha)
	return &AttachResult{
		SHA256:        sha,
		RequestID:     requestID,
		Status:        contracts.AdvisoryReady,
		AttachmentURL: DownloadPathPrefix + sha,
	}, nil
}

// SuggestAndAttachAsync appends a PENDING slot immediately and runs the
// producer in the background; the slot transitions to READY with its
// digest, or FAILED. Producer failures never surface on the run itself.
func (s *Service) SuggestAndAttachAsync(ctx context.Context, runID, producerID string, produce Producer) (*AttachResult, error) {
	if _, err := s.artifacts.GetArtifact(ctx, runID); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()
	ref := contracts.AdvisoryInputRef{
		Kind:         contracts.AttachmentAdvisory,
		ProducerID:   producerID,
		RequestID:    requestID,
		Status:       contracts.AdvisoryPending,
		CreatedAtUTC: time.Now().UTC(),
	}
	if err := s.advisories.AppendAdvisoryRef(ctx, runID, ref); err != nil {
		return nil, err
	}

	bg := context.WithoutCancel(ctx)
	go s.resolve(bg, runID, producerID, requestID, produce)

	return &AttachResult{RequestID: requestID, Status: contracts.AdvisoryPending}, nil
}

func (s *Service) resolve(ctx context.Context, runID, producerID, requestID string, produce Producer) {
	payload, err := produce(ctx)
	if err != nil {
		s.fail(ctx, runID, requestID, err)
		return
	}
	data, sha, mime, err := canonicalize.Payload(payload)
	if err != nil {
		s.fail(ctx, runID, requestID, err)
		return
	}
	if _, err := s.blobs.Put(ctx, data); err != nil {
		s.fail(ctx, runID, requestID, err)
		return
	}
	if err := s.meta.UpsertMeta(ctx, contracts.AttachmentMeta{
		SHA256:       sha,
		MIME:         mime,
		SizeBytes:    int64(len(data)),
		Kind:         contracts.AttachmentAdvisory,
		CreatedAtUTC: time.Now().UTC(),
	}); err != nil {
		s.fail(ctx, runID, requestID, err)
		return
	}
	if err := s.advisories.SetAdvisoryStatus(ctx, runID, requestID, sha, contracts.AdvisoryReady); err != nil {
		s.log.Error("advisory slot transition failed",
			"run_id", runID, "request_id", requestID, "error", err)
	}
}

func (s *Service) fail(ctx context.Context, runID, requestID string, cause error) {
	s.log.Warn("advisory producer failed",
		"run_id", runID, "request_id", requestID, "error", cause)
	if err := s.advisories.SetAdvisoryStatus(ctx, runID, requestID, "", contracts.AdvisoryFailed); err != nil {
		s.log.Error("advisory slot transition failed",
			"run_id", runID, "request_id", requestID, "error", err)
	}
}

// ListAdvisories returns the run's advisory references, oldest first.
func (s *Service) ListAdvisories(ctx context.Context, runID string) ([]contracts.AdvisoryInputRef, error) {
	return s.advisories.ListAdvisoryRefs(ctx, runID)
}

// Download streams the raw bytes of an attachment by digest.
func (s *Service) Download(ctx context.Context, sha string) ([]byte, *contracts.AttachmentMeta, error) {
	data, err := s.blobs.Get(ctx, sha)
	if err != nil {
		return nil, nil, err
	}
	meta, err := s.meta.GetMeta(ctx, sha)
	if errors.Is(err, store.ErrNotFound) {
		meta = &contracts.AttachmentMeta{SHA256: sha, MIME: "application/octet-stream"}
	} else if err != nil {
		return nil, nil, err
	}
	return data, meta, nil
}

// VerifyRunAttachments checks that every digest referenced by the run,
// advisory refs and produced attachments alike, resolves in the blob
// store. It returns the missing digests.
func (s *Service) VerifyRunAttachments(ctx context.Context, runID string) (missing []string, err error) {
	run, err := s.artifacts.GetArtifact(ctx, runID)
	if err != nil {
		return nil, err
	}
	refs, err := s.advisories.ListAdvisoryRefs(ctx, runID)
	if err != nil {
		return nil, err
	}

	shas := make([]string, 0, len(refs)+len(run.AttachmentRefs))
	for _, ref := range run.AttachmentRefs {
		shas = append(shas, ref.SHA256)
	}
	for _, ref := range refs {
		if ref.SHA256 != "" {
			shas = append(shas, ref.SHA256)
		}
	}

	missing = []string{}
	seen := make(map[string]bool, len(shas))
	for _, sha := range shas {
		if seen[sha] {
			continue
		}
		seen[sha] = true
		ok, err := s.blobs.Exists(ctx, sha)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, sha)
		}
	}
	return missing, nil
}

// Supersede marks an advisory slot SUPERSEDED. The reference stays in the
// list; history is never rewritten.
func (s *Service) Supersede(ctx context.Context, runID, requestID string) error {
	return s.advisories.SetAdvisoryStatus(ctx, runID, requestID, "", contracts.AdvisorySuperseded)
}
