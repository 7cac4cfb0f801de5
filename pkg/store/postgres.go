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

	"github.com/lutherie-works/rmos/pkg/contracts"
)

// PostgresStore is the production artifact store. Schema mirrors the
// SQLite store; callers open the *sql.DB with the lib/pq driver.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time

	scopeMu    sync.Mutex
	scopeLocks map[string]*scopeState

	ovrMu sync.Mutex
}

// NewPostgresStore wraps an open connection. Call Init before use.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:         db,
		clock:      time.Now,
		scopeLocks: make(map[string]*scopeState),
	}
}

// Init creates the schema if missing.
func (s *PostgresStore) Init(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		stage TEXT NOT NULL,
		created_at_utc TIMESTAMPTZ NOT NULL,
		created_by TEXT,
		parent_ids JSONB NOT NULL DEFAULT '{}',
		tool_kind TEXT NOT NULL,
		batch_label TEXT NOT NULL,
		session_id TEXT NOT NULL,
		approved_by TEXT,
		payload BYTEA,
		payload_sha256 TEXT NOT NULL,
		engine_version TEXT,
		post_processor_version TEXT,
		config_fingerprint TEXT,
		status TEXT NOT NULL,
		attachment_refs JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_scope ON artifacts(session_id, batch_label);
	CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts(kind);
	CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at_utc);

	CREATE TABLE IF NOT EXISTS advisory_refs (
		run_id TEXT NOT NULL,
		seq BIGINT NOT NULL,
		sha256 TEXT NOT NULL,
		kind TEXT NOT NULL,
		producer_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at_utc TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (run_id, seq)
	);

	CREATE TABLE IF NOT EXISTS attachment_meta (
		sha256 TEXT PRIMARY KEY,
		mime TEXT,
		filename TEXT,
		size_bytes BIGINT NOT NULL,
		kind TEXT NOT NULL,
		created_at_utc TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS learning_overrides (
		tool_id TEXT NOT NULL,
		material_id TEXT NOT NULL,
		operation_kind TEXT NOT NULL,
		machine_profile_id TEXT NOT NULL,
		rpm DOUBLE PRECISION NOT NULL,
		feed DOUBLE PRECISION NOT NULL,
		doc DOUBLE PRECISION NOT NULL,
		woc DOUBLE PRECISION NOT NULL,
		accepted_by TEXT NOT NULL,
		accepted_at_utc TIMESTAMPTZ NOT NULL,
		source_event_id TEXT,
		PRIMARY KEY (tool_id, material_id, operation_kind, machine_profile_id)
	);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("postgres store: init: %w", err)
	}
	return nil
}

func (s *PostgresStore) scope(sessionID, batchLabel string) *scopeState {
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

func (s *PostgresStore) PutArtifact(ctx context.Context, a *contracts.Artifact) (string, error) {
	sc := s.scope(a.IndexMeta.SessionID, a.IndexMeta.BatchLabel)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if err := validateNewArtifact(ctx, s, a); err != nil {
		return "", err
	}
	if dedupeForbidden(a.Stage) {
		parentJSON, _ := json.Marshal(a.ParentIDs)
		row := s.db.QueryRowContext(ctx,
			`SELECT artifact_id FROM artifacts WHERE kind = $1 AND payload_sha256 = $2 AND parent_ids = $3::jsonb`,
			a.Kind, a.PayloadSHA256, string(parentJSON))
		var dup string
		switch err := row.Scan(&dup); {
		case err == nil:
			return "", fmt.Errorf("%w: matches %s", ErrDuplicate, dup)
		case errors.Is(err, sql.ErrNoRows):
		default:
			return "", fmt.Errorf("%w: duplicate check: %v", ErrUnavailable, err)
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
		return "", fmt.Errorf("postgres store: marshal parent_ids: %w", err)
	}
	var refsJSON any
	if len(a.AttachmentRefs) > 0 {
		b, err := json.Marshal(a.AttachmentRefs)
		if err != nil {
			return "", fmt.Errorf("postgres store: marshal attachment_refs: %w", err)
		}
		refsJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO artifacts (
		artifact_id, kind, stage, created_at_utc, created_by, parent_ids,
		tool_kind, batch_label, session_id, approved_by,
		payload, payload_sha256, engine_version, post_processor_version,
		config_fingerprint, status, attachment_refs
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		id, a.Kind, string(a.Stage), now, a.CreatedBy, string(parentJSON),
		a.IndexMeta.ToolKind, a.IndexMeta.BatchLabel, a.IndexMeta.SessionID, a.IndexMeta.ApprovedBy,
		[]byte(a.Payload), a.PayloadSHA256, a.EngineVersion, a.PostProcessorVersion,
		a.ConfigFingerprint, string(a.Status), refsJSON)
	if err != nil {
		return "", fmt.Errorf("%w: insert artifact: %v", ErrUnavailable, err)
	}
	return id, nil
}

func (s *PostgresStore) GetArtifact(ctx context.Context, artifactID string) (*contracts.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT artifact_id, kind, stage, created_at_utc, created_by, parent_ids,
		tool_kind, batch_label, session_id, approved_by,
		payload, payload_sha256, engine_version, post_processor_version,
		config_fingerprint, status, attachment_refs
		FROM artifacts WHERE artifact_id = $1`, artifactID)
	a, err := scanPgArtifact(row)
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

func scanPgArtifact(row rowScanner) (*contracts.Artifact, error) {
	var (
		a          contracts.Artifact
		createdAt  time.Time
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
	a.CreatedAtUTC = createdAt.UTC()
	a.Payload = json.RawMessage(payload)
	if parentJSON != "" && parentJSON != "{}" {
		if err := json.Unmarshal([]byte(parentJSON), &a.ParentIDs); err != nil {
			return nil, fmt.Errorf("postgres store: parent_ids: %w", err)
		}
	}
	if refsJSON.Valid && refsJSON.String != "" {
		if err := json.Unmarshal([]byte(refsJSON.String), &a.AttachmentRefs); err != nil {
			return nil, fmt.Errorf("postgres store: attachment_refs: %w", err)
		}
	}
	return &a, nil
}

func (s *PostgresStore) QueryArtifacts(ctx context.Context, q ArtifactQuery) ([]*contracts.Artifact, error) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if q.Kind != "" {
		add("kind", q.Kind)
	}
	if q.Stage != "" {
		add("stage", string(q.Stage))
	}
	if q.SessionID != "" {
		add("session_id", q.SessionID)
	}
	if q.BatchLabel != "" {
		add("batch_label", q.BatchLabel)
	}
	if q.ToolKind != "" {
		add("tool_kind", q.ToolKind)
	}
	if q.ParentRel != "" {
		args = append(args, q.ParentRel)
		relArg := len(args)
		args = append(args, q.ParentID)
		conds = append(conds, fmt.Sprintf("parent_ids ->> $%d = $%d", relArg, len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		conds = append(conds, fmt.Sprintf("created_at_utc >= $%d", len(args)))
	}
	if !q.Until.IsZero() {
		args = append(args, q.Until.UTC())
		conds = append(conds, fmt.Sprintf("created_at_utc <= $%d", len(args)))
	}

	query := `SELECT artifact_id, kind, stage, created_at_utc, created_by, parent_ids,
		tool_kind, batch_label, session_id, approved_by,
		payload, payload_sha256, engine_version, post_processor_version,
		config_fingerprint, status, attachment_refs FROM artifacts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at_utc ASC, artifact_id ASC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query artifacts: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Artifact
	for rows.Next() {
		a, err := scanPgArtifact(rows)
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

func (s *PostgresStore) ListExecutionsForDecision(ctx context.Context, decisionID string) ([]*contracts.Artifact, error) {
	return s.QueryArtifacts(ctx, ArtifactQuery{
		Stage:     contracts.StageExecution,
		ParentRel: contracts.RelDecision,
		ParentID:  decisionID,
	})
}

func (s *PostgresStore) GetLineage(ctx context.Context, artifactID string) ([]*contracts.Artifact, error) {
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

func (s *PostgresStore) advisoryRefs(ctx context.Context, runID string) ([]contracts.AdvisoryInputRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sha256, kind, producer_id, request_id, status, created_at_utc
		 FROM advisory_refs WHERE run_id = $1 ORDER BY seq ASC`, runID)
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
			createdAt time.Time
		)
		if err := rows.Scan(&ref.SHA256, &kind, &ref.ProducerID, &ref.RequestID, &status, &createdAt); err != nil {
			return nil, err
		}
		ref.Kind = contracts.AttachmentKind(kind)
		ref.Status = contracts.AdvisoryStatus(status)
		ref.CreatedAtUTC = createdAt.UTC()
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *PostgresStore) AppendAdvisoryRef(ctx context.Context, runID string, ref contracts.AdvisoryInputRef) error {
	if _, err := s.GetArtifact(ctx, runID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO advisory_refs (run_id, seq, sha256, kind, producer_id, request_id, status, created_at_utc)
		 VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM advisory_refs WHERE run_id = $2), $3, $4, $5, $6, $7, $8)`,
		runID, runID, ref.SHA256, string(ref.Kind), ref.ProducerID, ref.RequestID,
		string(ref.Status), ref.CreatedAtUTC.UTC())
	if err != nil {
		return fmt.Errorf("%w: append advisory ref: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ListAdvisoryRefs(ctx context.Context, runID string) ([]contracts.AdvisoryInputRef, error) {
	if _, err := s.GetArtifact(ctx, runID); err != nil {
		return nil, err
	}
	return s.advisoryRefs(ctx, runID)
}

func (s *PostgresStore) SetAdvisoryStatus(ctx context.Context, runID, requestID, sha string, status contracts.AdvisoryStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE advisory_refs SET status = $1, sha256 = CASE WHEN $2 = '' THEN sha256 ELSE $2 END
		 WHERE run_id = $3 AND request_id = $4`,
		string(status), sha, runID, requestID)
	if err != nil {
		return fmt.Errorf("%w: set advisory status: %v", ErrUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: advisory slot %s on run %s", ErrNotFound, requestID, runID)
	}
	return nil
}

func (s *PostgresStore) UpsertMeta(ctx context.Context, meta contracts.AttachmentMeta) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachment_meta (sha256, mime, filename, size_bytes, kind, created_at_utc)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (sha256) DO UPDATE SET mime=EXCLUDED.mime, filename=EXCLUDED.filename,
		   size_bytes=EXCLUDED.size_bytes, kind=EXCLUDED.kind, created_at_utc=EXCLUDED.created_at_utc`,
		meta.SHA256, meta.MIME, meta.Filename, meta.SizeBytes, string(meta.Kind), meta.CreatedAtUTC.UTC())
	if err != nil {
		return fmt.Errorf("%w: upsert meta: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) GetMeta(ctx context.Context, sha string) (*contracts.AttachmentMeta, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sha256, mime, filename, size_bytes, kind, created_at_utc FROM attachment_meta WHERE sha256 = $1`, sha)
	var (
		meta      contracts.AttachmentMeta
		mime      sql.NullString
		filename  sql.NullString
		kind      string
		createdAt time.Time
	)
	if err := row.Scan(&meta.SHA256, &mime, &filename, &meta.SizeBytes, &kind, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: attachment meta %s", ErrNotFound, sha)
		}
		return nil, fmt.Errorf("%w: get meta: %v", ErrUnavailable, err)
	}
	meta.MIME = mime.String
	meta.Filename = filename.String
	meta.Kind = contracts.AttachmentKind(kind)
	meta.CreatedAtUTC = createdAt.UTC()
	return &meta, nil
}

func (s *PostgresStore) QueryMeta(ctx context.Context, kind contracts.AttachmentKind, mimePrefix string, cursor MetaCursor, limit int) ([]contracts.AttachmentMeta, MetaCursor, error) {
	if limit <= 0 {
		limit = 100
	}
	conds := []string{"sha256 > $1"}
	args := []any{string(cursor)}
	if kind != "" {
		args = append(args, string(kind))
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if mimePrefix != "" {
		args = append(args, mimePrefix+"%")
		conds = append(conds, fmt.Sprintf("mime LIKE $%d", len(args)))
	}
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx,
		`SELECT sha256, mime, filename, size_bytes, kind, created_at_utc FROM attachment_meta
		 WHERE `+strings.Join(conds, " AND ")+fmt.Sprintf(` ORDER BY sha256 ASC LIMIT $%d`, len(args)), args...)
	if err != nil {
		return nil, "", fmt.Errorf("%w: query meta: %v", ErrUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AttachmentMeta
	for rows.Next() {
		var (
			meta      contracts.AttachmentMeta
			mime      sql.NullString
			filename  sql.NullString
			k         string
			createdAt time.Time
		)
		if err := rows.Scan(&meta.SHA256, &mime, &filename, &meta.SizeBytes, &k, &createdAt); err != nil {
			return nil, "", err
		}
		meta.MIME = mime.String
		meta.Filename = filename.String
		meta.Kind = contracts.AttachmentKind(k)
		meta.CreatedAtUTC = createdAt.UTC()
		out = append(out, meta)
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

func (s *PostgresStore) GetOverride(ctx context.Context, key contracts.OverrideKey) (*contracts.LearningOverride, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT rpm, feed, doc, woc, accepted_by, accepted_at_utc, source_event_id
		 FROM learning_overrides
		 WHERE tool_id = $1 AND material_id = $2 AND operation_kind = $3 AND machine_profile_id = $4`,
		key.ToolID, key.MaterialID, key.OperationKind, key.MachineProfileID)
	var (
		o          contracts.LearningOverride
		acceptedAt time.Time
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
	o.AcceptedAtUTC = acceptedAt.UTC()
	o.SourceEventID = sourceID.String
	return &o, nil
}

func (s *PostgresStore) PutOverride(ctx context.Context, o contracts.LearningOverride) error {
	s.ovrMu.Lock()
	defer s.ovrMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO learning_overrides (tool_id, material_id, operation_kind, machine_profile_id,
			rpm, feed, doc, woc, accepted_by, accepted_at_utc, source_event_id)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (tool_id, material_id, operation_kind, machine_profile_id) DO UPDATE SET
			rpm=EXCLUDED.rpm, feed=EXCLUDED.feed, doc=EXCLUDED.doc, woc=EXCLUDED.woc,
			accepted_by=EXCLUDED.accepted_by, accepted_at_utc=EXCLUDED.accepted_at_utc,
			source_event_id=EXCLUDED.source_event_id`,
		o.Key.ToolID, o.Key.MaterialID, o.Key.OperationKind, o.Key.MachineProfileID,
		o.Multipliers.RPM, o.Multipliers.Feed, o.Multipliers.DOC, o.Multipliers.WOC,
		o.AcceptedBy, o.AcceptedAtUTC.UTC(), o.SourceEventID)
	if err != nil {
		return fmt.Errorf("%w: put override: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ListOverrides(ctx context.Context) ([]contracts.LearningOverride, error) {
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
			acceptedAt time.Time
			sourceID   sql.NullString
		)
		if err := rows.Scan(&o.Key.ToolID, &o.Key.MaterialID, &o.Key.OperationKind, &o.Key.MachineProfileID,
			&o.Multipliers.RPM, &o.Multipliers.Feed, &o.Multipliers.DOC, &o.Multipliers.WOC,
			&o.AcceptedBy, &acceptedAt, &sourceID); err != nil {
			return nil, err
		}
		o.AcceptedAtUTC = acceptedAt.UTC()
		o.SourceEventID = sourceID.String
		out = append(out, o)
	}
	return out, rows.Err()
}

// Backend bundles the Postgres store with an external blob store.
func (s *PostgresStore) Backend(blobs BlobStore) Backend {
	return Backend{Artifacts: s, Blobs: blobs, Meta: s, Advisories: s, Overrides: s}
}
