package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/lutherie-works/rmos/pkg/contracts"
)

// SQLiteStore persists artifacts, advisory refs, attachment metadata and
// learning overrides in a single SQLite database. It implements
// ArtifactStore, AdvisoryStore, MetaIndex and OverrideStore.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time

	scopeMu    sync.Mutex
	scopeLocks map[string]*scopeState

	ovrMu sync.Mutex
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:         db,
		clock:      time.Now,
		scopeLocks: make(map[string]*scopeState),
	}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		stage TEXT NOT NULL,
		created_at_utc TEXT NOT NULL,
		created_by TEXT,
		parent_ids JSON NOT NULL DEFAULT '{}',
		tool_kind TEXT NOT NULL,
		batch_label TEXT NOT NULL,
		session_id TEXT NOT NULL,
		approved_by TEXT,
		payload BLOB,
		payload_sha256 TEXT NOT NULL,
		engine_version TEXT,
		post_processor_version TEXT,
		config_fingerprint TEXT,
		status TEXT NOT NULL,
		attachment_refs JSON
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_scope ON artifacts(session_id, batch_label);
	CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts(kind);
	CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at_utc);

	CREATE TABLE IF NOT EXISTS advisory_refs (
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		sha256 TEXT NOT NULL,
		kind TEXT NOT NULL,
		producer_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at_utc TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS attachment_meta (
		sha256 TEXT PRIMARY KEY,
		mime TEXT,
		filename TEXT,
		size_bytes INTEGER NOT NULL,
		kind TEXT NOT NULL,
		created_at_utc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS learning_overrides (
		tool_id TEXT NOT NULL,
		material_id TEXT NOT NULL,
		operation_kind TEXT NOT NULL,
		machine_profile_id TEXT NOT NULL,
		rpm REAL NOT NULL,
		feed REAL NOT NULL,
		doc REAL NOT NULL,
		woc REAL NOT NULL,
		accepted_by TEXT NOT NULL,
		accepted_at_utc TEXT NOT NULL,
		source_event_id TEXT,
		PRIMARY KEY (tool_id, material_id, operation_kind, machine_profile_id)
	);`
	if _, err := s.db.ExecContext(context.Background(), query); err != nil {
		return fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scope(sessionID, batchLabel string) *scopeState {
	s.scopeMu.Lock()
	defer s.scopeMu.Unlock()
	key := sessionID + "\x00" + batchLabel
	st, ok := s.scopeLocks[key]
	if !ok {
		st = &scopeState{}
		s.scopeLocks[key] = st
	}
	return st
}

func (s *SQLiteStore) PutArtifact(ctx context.Context, a *contracts.Artifact) (string, error) {
	sc := s.scope(a.IndexMeta.SessionID, a.IndexMeta.BatchLabel)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if err := validateNewArtifact(ctx, s, a); err != nil {
		return "", err
	}
	if dedupeForbidden(a.Stage) {
		dup, err := s.findDuplicate(ctx, a)
		if err != nil {
			return "", err
		}
		if dup != "" {
			return "", fmt.Errorf("%w: matches %s", ErrDuplicate, dup)
		}
	}

	id := uuid.NewString()
	now := s.clock().UTC()
	if !now.After(sc.lastWrite) {
		now = sc.lastWrite.Add(time.Nanosecond)
	}
	sc.lastWrite = now

	parentJSON, err := json.Marshal(a.ParentIDs)
	if err != nil {
		return "", fmt.Errorf("sqlite store: marshal parent_ids: %w", err)
	}
	var refsJSON []byte
	if len(a.AttachmentRefs) > 0 {
		refsJSON, err = json.Marshal(a.AttachmentRefs)
		if err != nil {
			return "", fmt.Errorf("sqlite store: marshal attachment_refs: %w", err)
		}
	}

	const query = `INSERT INTO artifacts (
		artifact_id, kind, stage, created_at_utc, created_by, parent_ids,
		tool_kind, batch_label, session_id, approved_by,
		payload, payload_sha256, engine_version, post_processor_version,
		config_fingerprint, status, attachment_refs
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		id, a.Kind, string(a.Stage), now.Format(time.RFC3339Nano), a.CreatedBy, string(parentJSON),
		a.IndexMeta.ToolKind, a.IndexMeta.BatchLabel, a.IndexMeta.SessionID, a.IndexMeta.ApprovedBy,
		[]byte(a.Payload), a.PayloadSHA256, a.EngineVersion, a.PostProcessorVersion,
		a.ConfigFingerprint, string(a.Status), nullableBytes(refsJSON),
	)
	if err != nil {
		return "", fmt.Errorf("%w: insert artifact: %v", ErrUnavailable, err)
	}
	return id, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *SQLiteStore) findDuplicate(ctx context.Context, a *contracts.Artifact) (string, error) {
	parentJSON, err := json.Marshal(a.ParentIDs)
	if err != nil {
		return "", fmt.Errorf("sqlite store: marshal parent_ids: %w", err)
	}
	// json.Marshal sorts map keys, so byte equality is canonical equality.
	row := s.db.QueryRowContext(ctx,
		`SELECT artifact_id FROM artifacts WHERE kind = ? AND payload_sha256 = ? AND parent_ids = ?`,
		a.Kind, a.PayloadSHA256, string(parentJSON))
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("%w: duplicate check: %v", ErrUnavailable, err)
	}
	return id, nil
}

const artifactCols = `artifact_id, kind, stage, created_at_utc, created_by, parent_ids,
	tool_kind, batch_label, session_id, approved_by,
	payload, payload_sha256, engine_version, post_processor_version,
	config_fingerprint, status, attachment_refs`

func (s *SQLiteStore) GetArtifact(ctx context.Context, artifactID string) (*contracts.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactCols+` FROM artifacts WHERE artifact_id = ?`, artifactID)
	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: artifact %s", ErrNotFound, artifactID)
		}
		return nil, err
	}
	a.AdvisoryInputs, err = s.advisoryRefs(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*contracts.Artifact, error) {
	var (
		a          contracts.Artifact
		createdAt  string
		parentJSON string
		payload    []byte
		refsJSON   sql.NullString
		createdBy  sql.NullString
		approvedBy sql.NullString
		engineVer  sql.NullString
		postVer    sql.NullString
		cfgFp      sql.NullString
		stage      string
		status     string
	)
	err := row.Scan(&a.ArtifactID, &a.Kind, &stage, &createdAt, &createdBy, &parentJSON,
		&a.IndexMeta.ToolKind, &a.IndexMeta.BatchLabel, &a.IndexMeta.SessionID, &approvedBy,
		&payload, &a.PayloadSHA256, &engineVer, &postVer, &cfgFp, &status, &refsJSON)
	if err != nil {
		return nil, err
	}
	a.Stage = contracts.Stage(stage)
	a.Status = contracts.Status(status)
	a.CreatedBy = createdBy.String
	a.IndexMeta.ApprovedBy = approvedBy.String
	a.EngineVersion = engineVer.String
	a.PostProcessorVersion = postVer.String
	a.ConfigFingerprint = cfgFp.String
	a.CreatedAtUTC = parseStoredTime(createdAt)
	a.Payload = json.RawMessage(payload)
	if parentJSON != "" && parentJSON != "{}" {
		if err := json.Unmarshal([]byte(parentJSON), &a.ParentIDs); err != nil {
			return nil, fmt.Errorf("sqlite store: parent_ids: %w", err)
		}
	}
	if refsJSON.Valid && refsJSON.String != "" {
		if err := json.Unmarshal([]byte(refsJSON.String), &a.AttachmentRefs); err != nil {
			return nil, fmt.Errorf("sqlite store: attachment_refs: %w", err)
		}
	}
	return &a, nil
}

func parseStoredTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func (s *SQLiteStore) QueryArtifacts(ctx context.Context, q ArtifactQuery) ([]*contracts.Artifact, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if q.Kind != "" {
		add("kind = ?", q.Kind)
	}
	if q.Stage != "" {
		add("stage = ?", string(q.Stage))
	}
	if q.SessionID != "" {
		add("session_id = ?", q.SessionID)
	}
	if q.BatchLabel != "" {
		add("batch_label = ?", q.BatchLabel)
	}
	if q.ToolKind != "" {
		add("tool_kind = ?", q.ToolKind)
	}
	if q.ParentRel != "" {
		add("json_extract(parent_ids, '$.'||?) = ?", q.ParentRel)
		args = append(args, q.ParentID)
	}
	if !q.Since.IsZero() {
		add("created_at_utc >= ?", q.Since.UTC().Format(time.RFC3339Nano))
	}
	if !q.Until.IsZero() {
		add("created_at_utc <= ?", q.Until.UTC().Format(time.RFC3339Nano))
	}

	query := `SELECT ` + artifactCols + ` FROM artifacts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at_utc ASC, artifact_id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query artifacts: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: query artifacts: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *SQLiteStore) ListExecutionsForDecision(ctx context.Context, decisionID string) ([]*contracts.Artifact, error) {
	return s.QueryArtifacts(ctx, ArtifactQuery{
		Stage:     contracts.StageExecution,
		ParentRel: contracts.RelDecision,
		ParentID:  decisionID,
	})
}

func (s *SQLiteStore) GetLineage(ctx context.Context, artifactID string) ([]*contracts.Artifact, error) {
	var chain []*contracts.Artifact
	id := artifactID
	for id != "" {
		a, err := s.GetArtifact(ctx, id)
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

func (s *SQLiteStore) advisoryRefs(ctx context.Context, runID string) ([]contracts.AdvisoryInputRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sha256, kind, producer_id, request_id, status, created_at_utc
		 FROM advisory_refs WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("%w: advisory refs: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var refs []contracts.AdvisoryInputRef
	for rows.Next() {
		var (
			ref       contracts.AdvisoryInputRef
			kind      string
			status    string
			createdAt string
		)
		if err := rows.Scan(&ref.SHA256, &kind, &ref.ProducerID, &ref.RequestID, &status, &createdAt); err != nil {
			return nil, err
		}
		ref.Kind = contracts.AttachmentKind(kind)
		ref.Status = contracts.AdvisoryStatus(status)
		ref.CreatedAtUTC = parseStoredTime(createdAt)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *SQLiteStore) AppendAdvisoryRef(ctx context.Context, runID string, ref contracts.AdvisoryInputRef) error {
	if _, err := s.GetArtifact(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO advisory_refs (run_id, seq, sha256, kind, producer_id, request_id, status, created_at_utc)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM advisory_refs WHERE run_id = ?), ?, ?, ?, ?, ?, ?)`,
		runID, runID, ref.SHA256, string(ref.Kind), ref.ProducerID, ref.RequestID,
		string(ref.Status), ref.CreatedAtUTC.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: append advisory ref: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) ListAdvisoryRefs(ctx context.Context, runID string) ([]contracts.AdvisoryInputRef, error) {
	if runID == "" {
		return nil, nil
	}
	if _, err := s.GetArtifact(ctx, runID); err != nil {
		return nil, err
	}
	return s.advisoryRefs(ctx, runID)
}

func (s *SQLiteStore) SetAdvisoryStatus(ctx context.Context, runID, requestID, sha string, status contracts.AdvisoryStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE advisory_refs SET status = ?, sha256 = CASE WHEN ? = '' THEN sha256 ELSE ? END
		 WHERE run_id = ? AND request_id = ?`,
		string(status), sha, sha, runID, requestID)
	if err != nil {
		return fmt.Errorf("%w: set advisory status: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: advisory slot %s on run %s", ErrNotFound, requestID, runID)
	}
	return nil
}

// --- MetaIndex ---

func (s *SQLiteStore) UpsertMeta(ctx context.Context, meta contracts.AttachmentMeta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachment_meta (sha256, mime, filename, size_bytes, kind, created_at_utc)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(sha256) DO UPDATE SET mime=excluded.mime, filename=excluded.filename,
		   size_bytes=excluded.size_bytes, kind=excluded.kind, created_at_utc=excluded.created_at_utc`,
		meta.SHA256, meta.MIME, meta.Filename, meta.SizeBytes, string(meta.Kind),
		meta.CreatedAtUTC.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: upsert meta: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) GetMeta(ctx context.Context, sha string) (*contracts.AttachmentMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sha256, mime, filename, size_bytes, kind, created_at_utc FROM attachment_meta WHERE sha256 = ?`, sha)
	meta, err := scanMeta(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: attachment meta %s", ErrNotFound, sha)
		}
		return nil, err
	}
	return meta, nil
}

func scanMeta(row rowScanner) (*contracts.AttachmentMeta, error) {
	var (
		meta      contracts.AttachmentMeta
		mime      sql.NullString
		filename  sql.NullString
		kind      string
		createdAt string
	)
	if err := row.Scan(&meta.SHA256, &mime, &filename, &meta.SizeBytes, &kind, &createdAt); err != nil {
		return nil, err
	}
	meta.MIME = mime.String
	meta.Filename = filename.String
	meta.Kind = contracts.AttachmentKind(kind)
	meta.CreatedAtUTC = parseStoredTime(createdAt)
	return &meta, nil
}

func (s *SQLiteStore) QueryMeta(ctx context.Context, kind contracts.AttachmentKind, mimePrefix string, cursor MetaCursor, limit int) ([]contracts.AttachmentMeta, MetaCursor, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		conds = []string{"sha256 > ?"}
		args  = []any{string(cursor)}
	)
	if kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(kind))
	}
	if mimePrefix != "" {
		conds = append(conds, "mime LIKE ?")
		args = append(args, mimePrefix+"%")
	}
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx,
		`SELECT sha256, mime, filename, size_bytes, kind, created_at_utc FROM attachment_meta
		 WHERE `+strings.Join(conds, " AND ")+` ORDER BY sha256 ASC LIMIT ?`, args...)
	if err != nil {
		return nil, "", fmt.Errorf("%w: query meta: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AttachmentMeta
	for rows.Next() {
		meta, err := scanMeta(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, *meta)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("%w: query meta: %v", ErrUnavailable, err)
	}
	var next MetaCursor
	if len(out) > limit {
		out = out[:limit]
		next = MetaCursor(out[limit-1].SHA256)
	}
	return out, next, nil
}

// --- OverrideStore ---

func (s *SQLiteStore) GetOverride(ctx context.Context, key contracts.OverrideKey) (*contracts.LearningOverride, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT rpm, feed, doc, woc, accepted_by, accepted_at_utc, source_event_id
		 FROM learning_overrides
		 WHERE tool_id = ? AND material_id = ? AND operation_kind = ? AND machine_profile_id = ?`,
		key.ToolID, key.MaterialID, key.OperationKind, key.MachineProfileID)
	var (
		o          contracts.LearningOverride
		acceptedAt string
		sourceID   sql.NullString
	)
	err := row.Scan(&o.Multipliers.RPM, &o.Multipliers.Feed, &o.Multipliers.DOC, &o.Multipliers.WOC,
		&o.AcceptedBy, &acceptedAt, &sourceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: override for %s/%s", ErrNotFound, key.ToolID, key.MaterialID)
		}
		return nil, fmt.Errorf("%w: get override: %v", ErrUnavailable, err)
	}
	o.Key = key
	o.AcceptedAtUTC = parseStoredTime(acceptedAt)
	o.SourceEventID = sourceID.String
	return &o, nil
}

func (s *SQLiteStore) PutOverride(ctx context.Context, o contracts.LearningOverride) error {
	// Single writer across override tuples; readers go straight to SQL.
	s.ovrMu.Lock()
	defer s.ovrMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO learning_overrides (tool_id, material_id, operation_kind, machine_profile_id,
			rpm, feed, doc, woc, accepted_by, accepted_at_utc, source_event_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tool_id, material_id, operation_kind, machine_profile_id) DO UPDATE SET
			rpm=excluded.rpm, feed=excluded.feed, doc=excluded.doc, woc=excluded.woc,
			accepted_by=excluded.accepted_by, accepted_at_utc=excluded.accepted_at_utc,
			source_event_id=excluded.source_event_id`,
		o.Key.ToolID, o.Key.MaterialID, o.Key.OperationKind, o.Key.MachineProfileID,
		o.Multipliers.RPM, o.Multipliers.Feed, o.Multipliers.DOC, o.Multipliers.WOC,
		o.AcceptedBy, o.AcceptedAtUTC.UTC().Format(time.RFC3339Nano), o.SourceEventID)
	if err != nil {
		return fmt.Errorf("%w: put override: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *SQLiteStore) ListOverrides(ctx context.Context) ([]contracts.LearningOverride, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_id, material_id, operation_kind, machine_profile_id,
			rpm, feed, doc, woc, accepted_by, accepted_at_utc, source_event_id
		 FROM learning_overrides ORDER BY tool_id, material_id, operation_kind, machine_profile_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list overrides: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.LearningOverride
	for rows.Next() {
		var (
			o          contracts.LearningOverride
			acceptedAt string
			sourceID   sql.NullString
		)
		if err := rows.Scan(&o.Key.ToolID, &o.Key.MaterialID, &o.Key.OperationKind, &o.Key.MachineProfileID,
			&o.Multipliers.RPM, &o.Multipliers.Feed, &o.Multipliers.DOC, &o.Multipliers.WOC,
			&o.AcceptedBy, &acceptedAt, &sourceID); err != nil {
			return nil, err
		}
		o.AcceptedAtUTC = parseStoredTime(acceptedAt)
		o.SourceEventID = sourceID.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// Backend bundles the SQLite store as every artifact-side facet; blobs are
// provided separately (file, S3 or GCS).
func (s *SQLiteStore) Backend(blobs BlobStore) Backend {
	return Backend{Artifacts: s, Blobs: blobs, Meta: s, Advisories: s, Overrides: s}
}
