// Package ledger keeps a hash-chained audit trail of artifact writes.
// Each entry links to its predecessor; Verify recomputes the whole chain,
// so any tampering with a recorded write breaks verification from that
// point on. The ledger is an audit surface beside the store, never an
// authority over it.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/lutherie-works/rmos/pkg/canonicalize"
	"github.com/lutherie-works/rmos/pkg/contracts"
)

// genesisHash seeds the chain.
const genesisHash = "genesis"

// Entry is one immutable audit record of an artifact write.
type Entry struct {
	Sequence      uint64          `json:"sequence"`
	ArtifactID    string          `json:"artifact_id"`
	Kind          string          `json:"kind"`
	Stage         contracts.Stage `json:"stage"`
	PayloadSHA256 string          `json:"payload_sha256"`
	CreatedBy     string          `json:"created_by,omitempty"`
	PrevHash      string          `json:"prev_hash"`
	EntryHash     string          `json:"entry_hash"`
	RecordedAtUTC time.Time       `json:"recorded_at_utc"`
}

// AuditLog is an append-only, hash-chained record of artifact writes.
type AuditLog struct {
	mu      sync.RWMutex
	entries []Entry
	head    string
	clock   func() time.Time
}

// New returns an empty audit log.
func New() *AuditLog {
	return &AuditLog{head: genesisHash, clock: time.Now}
}

// WithClock overrides the clock for tests.
func (l *AuditLog) WithClock(clock func() time.Time) *AuditLog {
	l.clock = clock
	return l
}

// chainBody is the canonical hash input for one entry. Timestamps stay
// outside the hash so replaying a chain reproduces identical hashes.
type chainBody struct {
	Sequence      uint64          `json:"sequence"`
	ArtifactID    string          `json:"artifact_id"`
	Kind          string          `json:"kind"`
	Stage         contracts.Stage `json:"stage"`
	PayloadSHA256 string          `json:"payload_sha256"`
	CreatedBy     string          `json:"created_by,omitempty"`
	PrevHash      string          `json:"prev_hash"`
}

func hashEntry(b chainBody) (string, error) {
	data, err := canonicalize.JCS(b)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Record appends an audit entry for a written artifact and returns its
// sequence number.
func (l *AuditLog) Record(a *contracts.Artifact) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	body := chainBody{
		Sequence:      uint64(len(l.entries)) + 1,
		ArtifactID:    a.ArtifactID,
		Kind:          a.Kind,
		Stage:         a.Stage,
		PayloadSHA256: a.PayloadSHA256,
		CreatedBy:     a.CreatedBy,
		PrevHash:      l.head,
	}
	hash, err := hashEntry(body)
	if err != nil {
		return 0, err
	}
	l.entries = append(l.entries, Entry{
		Sequence:      body.Sequence,
		ArtifactID:    body.ArtifactID,
		Kind:          body.Kind,
		Stage:         body.Stage,
		PayloadSHA256: body.PayloadSHA256,
		CreatedBy:     body.CreatedBy,
		PrevHash:      body.PrevHash,
		EntryHash:     hash,
		RecordedAtUTC: l.clock().UTC(),
	})
	l.head = hash
	return body.Sequence, nil
}

// Get returns the entry at a sequence number.
func (l *AuditLog) Get(seq uint64) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.entries)) {
		return nil, fmt.Errorf("ledger: entry %d not found", seq)
	}
	e := l.entries[seq-1]
	return &e, nil
}

// Head returns the current chain head hash.
func (l *AuditLog) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Len returns the entry count.
func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of the full chain, oldest first.
func (l *AuditLog) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Verify recomputes every entry hash against its predecessor. It returns
// the first broken sequence number, zero when the chain is intact.
func (l *AuditLog) Verify() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := genesisHash
	for _, e := range l.entries {
		if e.PrevHash != prev {
			return e.Sequence, fmt.Errorf("ledger: chain broken at %d: prev hash %s, want %s",
				e.Sequence, e.PrevHash, prev)
		}
		hash, err := hashEntry(chainBody{
			Sequence:      e.Sequence,
			ArtifactID:    e.ArtifactID,
			Kind:          e.Kind,
			Stage:         e.Stage,
			PayloadSHA256: e.PayloadSHA256,
			CreatedBy:     e.CreatedBy,
			PrevHash:      e.PrevHash,
		})
		if err != nil {
			return e.Sequence, err
		}
		if hash != e.EntryHash {
			return e.Sequence, fmt.Errorf("ledger: hash mismatch at %d", e.Sequence)
		}
		prev = e.EntryHash
	}
	return 0, nil
}
