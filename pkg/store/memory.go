package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

// MemoryStore is the in-memory reference implementation of every store
// facet. It backs tests and single-process deployments; the SQLite and
// Postgres stores mirror its semantics.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]*contracts.Artifact
	order     []string // artifact IDs in global write order

	// scopeLocks serializes writes per (session_id, batch_label).
	scopeMu    sync.Mutex
	scopeLocks map[string]*scopeState

	advMu      sync.RWMutex
	advisories map[string][]contracts.AdvisoryInputRef

	metaMu sync.RWMutex
	meta   map[string]contracts.AttachmentMeta

	ovrMu     sync.Mutex
	overrides map[contracts.OverrideKey]contracts.LearningOverride

	clock func() time.Time
}

type scopeState struct {
	mu        sync.Mutex
	lastWrite time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts:  make(map[string]*contracts.Artifact),
		scopeLocks: make(map[string]*scopeState),
		advisories: make(map[string][]contracts.AdvisoryInputRef),
		meta:       make(map[string]contracts.AttachmentMeta),
		overrides:  make(map[contracts.OverrideKey]contracts.LearningOverride),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for testing.
func (m *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	m.clock = clock
	return m
}

func (m *MemoryStore) scope(sessionID, batchLabel string) *scopeState {
	m.scopeMu.Lock()
	defer m.scopeMu.Unlock()
	key := sessionID + "\x00" + batchLabel
	s, ok := m.scopeLocks[key]
	if !ok {
		s = &scopeState{}
		m.scopeLocks[key] = s
	}
	return s
}

// PutArtifact validates and persists a new artifact. Writes within one
// (session_id, batch_label) are totally ordered by created_at_utc; the
// clock is bumped by a nanosecond when two writes land in the same tick.
func (m *MemoryStore) PutArtifact(ctx context.Context, a *contracts.Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sc := m.scope(a.IndexMeta.SessionID, a.IndexMeta.BatchLabel)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if err := validateNewArtifact(ctx, m, a); err != nil {
		return "", err
	}
	if dedupeForbidden(a.Stage) {
		if dup := m.findDuplicate(a); dup != "" {
			return "", fmt.Errorf("%w: matches %s", ErrDuplicate, dup)
		}
	}

	rec := a.Clone()
	rec.ArtifactID = uuid.NewString()
	now := m.clock().UTC()
	if !now.After(sc.lastWrite) {
		now = sc.lastWrite.Add(time.Nanosecond)
	}
	sc.lastWrite = now
	rec.CreatedAtUTC = now

	m.mu.Lock()
	m.artifacts[rec.ArtifactID] = rec
	m.order = append(m.order, rec.ArtifactID)
	m.mu.Unlock()
	return rec.ArtifactID, nil
}

func (m *MemoryStore) findDuplicate(a *contracts.Artifact) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, rec := range m.artifacts {
		if rec.Kind != a.Kind || rec.PayloadSHA256 != a.PayloadSHA256 {
			continue
		}
		if parentsEqual(rec.ParentIDs, a.ParentIDs) {
			return id
		}
	}
	return ""
}

func parentsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (m *MemoryStore) GetArtifact(ctx context.Context, artifactID string) (*contracts.Artifact, error) {
	m.mu.RLock()
	rec, ok := m.artifacts[artifactID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, artifactID)
	}
	out := rec.Clone()
	out.AdvisoryInputs = m.advisorySnapshot(artifactID)
	return out, nil
}

func (m *MemoryStore) advisorySnapshot(runID string) []contracts.AdvisoryInputRef {
	m.advMu.RLock()
	defer m.advMu.RUnlock()
	refs := m.advisories[runID]
	if len(refs) == 0 {
		return nil
	}
	return append([]contracts.AdvisoryInputRef(nil), refs...)
}

func (m *MemoryStore) QueryArtifacts(ctx context.Context, q ArtifactQuery) ([]*contracts.Artifact, error) {
	m.mu.RLock()
	out := make([]*contracts.Artifact, 0, 16)
	for _, id := range m.order {
		rec := m.artifacts[id]
		if matchesQuery(rec, q) {
			out = append(out, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sortArtifacts(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// sortArtifacts applies the stable query ordering: created_at_utc, then
// ascending artifact_id for equal timestamps.
func sortArtifacts(arts []*contracts.Artifact) {
	sort.SliceStable(arts, func(i, j int) bool {
		if arts[i].CreatedAtUTC.Equal(arts[j].CreatedAtUTC) {
			return arts[i].ArtifactID < arts[j].ArtifactID
		}
		return arts[i].CreatedAtUTC.Before(arts[j].CreatedAtUTC)
	})
}

func matchesQuery(a *contracts.Artifact, q ArtifactQuery) bool {
	if q.Kind != "" && a.Kind != q.Kind {
		return false
	}
	if q.Stage != "" && a.Stage != q.Stage {
		return false
	}
	if q.SessionID != "" && a.IndexMeta.SessionID != q.SessionID {
		return false
	}
	if q.BatchLabel != "" && a.IndexMeta.BatchLabel != q.BatchLabel {
		return false
	}
	if q.ToolKind != "" && a.IndexMeta.ToolKind != q.ToolKind {
		return false
	}
	if q.ParentRel != "" && a.ParentIDs[q.ParentRel] != q.ParentID {
		return false
	}
	if !q.Since.IsZero() && a.CreatedAtUTC.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && a.CreatedAtUTC.After(q.Until) {
		return false
	}
	return true
}

func (m *MemoryStore) ListExecutionsForDecision(ctx context.Context, decisionID string) ([]*contracts.Artifact, error) {
	return m.QueryArtifacts(ctx, ArtifactQuery{
		Stage:     contracts.StageExecution,
		ParentRel: contracts.RelDecision,
		ParentID:  decisionID,
	})
}

func (m *MemoryStore) GetLineage(ctx context.Context, artifactID string) ([]*contracts.Artifact, error) {
	var chain []*contracts.Artifact
	id := artifactID
	for id != "" {
		a, err := m.GetArtifact(ctx, id)
		if err != nil {
			if len(chain) == 0 {
				return nil, err
			}
			return nil, fmt.Errorf("%w: broken lineage at %s", ErrInvariantViolation, id)
		}
		chain = append(chain, a)
		id = a.ParentIDs[contracts.PrimaryParentRel(a.Stage)]
		if len(chain) > 64 {
			return nil, fmt.Errorf("%w: lineage depth exceeded", ErrInvariantViolation)
		}
	}
	return chain, nil
}

// --- AdvisoryStore ---

func (m *MemoryStore) AppendAdvisoryRef(ctx context.Context, runID string, ref contracts.AdvisoryInputRef) error {
	if _, err := m.GetArtifact(ctx, runID); err != nil {
		return err
	}
	m.advMu.Lock()
	m.advisories[runID] = append(m.advisories[runID], ref)
	m.advMu.Unlock()
	return nil
}

func (m *MemoryStore) ListAdvisoryRefs(ctx context.Context, runID string) ([]contracts.AdvisoryInputRef, error) {
	if _, err := m.GetArtifact(ctx, runID); err != nil {
		return nil, err
	}
	return m.advisorySnapshot(runID), nil
}

func (m *MemoryStore) SetAdvisoryStatus(ctx context.Context, runID, requestID, sha string, status contracts.AdvisoryStatus) error {
	m.advMu.Lock()
	defer m.advMu.Unlock()
	refs := m.advisories[runID]
	for i := range refs {
		if refs[i].RequestID == requestID {
			if sha != "" {
				refs[i].SHA256 = sha
			}
			refs[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("%w: advisory slot %s on run %s", ErrNotFound, requestID, runID)
}

// --- MetaIndex ---

func (m *MemoryStore) UpsertMeta(ctx context.Context, meta contracts.AttachmentMeta) error {
	m.metaMu.Lock()
	m.meta[meta.SHA256] = meta
	m.metaMu.Unlock()
	return nil
}

func (m *MemoryStore) GetMeta(ctx context.Context, sha string) (*contracts.AttachmentMeta, error) {
	m.metaMu.RLock()
	meta, ok := m.meta[sha]
	m.metaMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: attachment meta %s", ErrNotFound, sha)
	}
	return &meta, nil
}

// QueryMeta scans attachment metadata ordered by sha256 ascending. The
// cursor is the last sha256 of the previous page.
func (m *MemoryStore) QueryMeta(ctx context.Context, kind contracts.AttachmentKind, mimePrefix string, cursor MetaCursor, limit int) ([]contracts.AttachmentMeta, MetaCursor, error) {
	if limit <= 0 {
		limit = 100
	}
	m.metaMu.RLock()
	keys := make([]string, 0, len(m.meta))
	for sha := range m.meta {
		keys = append(keys, sha)
	}
	m.metaMu.RUnlock()
	sort.Strings(keys)

	out := make([]contracts.AttachmentMeta, 0, limit)
	for _, sha := range keys {
		if cursor != "" && sha <= string(cursor) {
			continue
		}
		m.metaMu.RLock()
		meta := m.meta[sha]
		m.metaMu.RUnlock()
		if kind != "" && meta.Kind != kind {
			continue
		}
		if mimePrefix != "" && !strings.HasPrefix(meta.MIME, mimePrefix) {
			continue
		}
		out = append(out, meta)
		if len(out) == limit {
			return out, MetaCursor(sha), nil
		}
	}
	return out, "", nil
}

// --- OverrideStore ---

func (m *MemoryStore) GetOverride(ctx context.Context, key contracts.OverrideKey) (*contracts.LearningOverride, error) {
	m.ovrMu.Lock()
	o, ok := m.overrides[key]
	m.ovrMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: override %+v", ErrNotFound, key)
	}
	return &o, nil
}

func (m *MemoryStore) PutOverride(ctx context.Context, o contracts.LearningOverride) error {
	m.ovrMu.Lock()
	m.overrides[o.Key] = o
	m.ovrMu.Unlock()
	return nil
}

func (m *MemoryStore) ListOverrides(ctx context.Context) ([]contracts.LearningOverride, error) {
	m.ovrMu.Lock()
	out := make([]contracts.LearningOverride, 0, len(m.overrides))
	for _, o := range m.overrides {
		out = append(out, o)
	}
	m.ovrMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.ToolID+out[i].Key.MaterialID < out[j].Key.ToolID+out[j].Key.MaterialID
	})
	return out, nil
}

// Backend bundles the memory store as every facet, with an in-memory
// blob store.
func (m *MemoryStore) Backend() Backend {
	return Backend{Artifacts: m, Blobs: NewMemoryBlobStore(), Meta: m, Advisories: m, Overrides: m}
}

// MemoryBlobStore is the in-process content-addressed blob store used by
// the memory backend and tests.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore returns an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (b *MemoryBlobStore) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.blobs[sha]; !exists {
		b.blobs[sha] = append([]byte(nil), data...)
	}
	return sha, nil
}

func (b *MemoryBlobStore) Get(_ context.Context, sha string) ([]byte, error) {
	if err := validateSHA(sha); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[sha]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", ErrNotFound, sha)
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBlobStore) Exists(_ context.Context, sha string) (bool, error) {
	if err := validateSHA(sha); err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blobs[sha]
	return ok, nil
}

// Len reports the number of distinct blobs, for idempotence checks.
func (b *MemoryBlobStore) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}
