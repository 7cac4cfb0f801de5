package ledger

import (
	"context"

	"github.com/lutherie-works/rmos/pkg/contracts"
	"github.com/lutherie-works/rmos/pkg/store"
)

// AuditingStore decorates an ArtifactStore so every successful write
// lands in the audit chain. Reads pass through untouched.
type AuditingStore struct {
	store.ArtifactStore
	log *AuditLog
}

// Wrap returns the decorated store.
func Wrap(inner store.ArtifactStore, log *AuditLog) *AuditingStore {
	return &AuditingStore{ArtifactStore: inner, log: log}
}

func (s *AuditingStore) PutArtifact(ctx context.Context, a *contracts.Artifact) (string, error) {
	id, err := s.ArtifactStore.PutArtifact(ctx, a)
	if err != nil {
		return "", err
	}
	recorded := *a
	recorded.ArtifactID = id
	if _, err := s.log.Record(&recorded); err != nil {
		// The write already committed; a failed audit append is loud but
		// not a rollback.
		return id, err
	}
	return id, nil
}
