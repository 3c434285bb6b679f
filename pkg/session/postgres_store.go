package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/harborline/receiving/pkg/reconcile"
)

// PostgresStore persists sessions and draft lines in PostgreSQL. Line-number
// assignment runs inside a transaction holding the session row lock, so
// appends from concurrent artifacts serialise.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	created_by UUID NOT NULL,
	state TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	committed_at TIMESTAMPTZ,
	committed_by UUID,
	llm_calls INT NOT NULL DEFAULT 0,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	money_micros BIGINT NOT NULL DEFAULT 0,
	artifact_ids UUID[] NOT NULL DEFAULT '{}',
	planner_decisions JSONB NOT NULL DEFAULT '[]',
	parser_version TEXT NOT NULL,
	revision BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_sessions_idle
	ON sessions(updated_at) WHERE state IN ('draft', 'verifying');
CREATE TABLE IF NOT EXISTS draft_lines (
	line_id UUID PRIMARY KEY,
	session_id UUID NOT NULL REFERENCES sessions(session_id),
	tenant_id UUID NOT NULL,
	source_artifact_id UUID NOT NULL,
	line_no INT NOT NULL,
	qty_num BIGINT NOT NULL,
	qty_den BIGINT NOT NULL,
	unit TEXT NOT NULL,
	description TEXT NOT NULL,
	extracted_part_code TEXT NOT NULL DEFAULT '',
	suggested_match JSONB,
	alternative_matches JSONB NOT NULL DEFAULT '[]',
	catalog_snapshot_id TEXT NOT NULL DEFAULT '',
	parser_version TEXT NOT NULL DEFAULT '',
	needs_manual_review BOOLEAN NOT NULL DEFAULT FALSE,
	verified BOOLEAN NOT NULL DEFAULT FALSE,
	verified_by UUID,
	verified_at TIMESTAMPTZ,
	override_part_id UUID,
	discrepancy JSONB,
	UNIQUE (session_id, line_no)
);
CREATE INDEX IF NOT EXISTS idx_draft_lines_session ON draft_lines(session_id);
`

// Init creates the session tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sessionSchema)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	decisions, err := json.Marshal(sess.PlannerDecisions)
	if err != nil {
		return fmt.Errorf("session: marshal decisions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, tenant_id, created_by, state, created_at,
			updated_at, llm_calls, input_tokens, output_tokens, money_micros,
			artifact_ids, planner_decisions, parser_version, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
	`, sess.SessionID, sess.TenantID, sess.CreatedBy, sess.State, sess.CreatedAt,
		sess.UpdatedAt, sess.Ledger.LLMCalls, sess.Ledger.InputTokens,
		sess.Ledger.OutputTokens, sess.Ledger.MoneyMicros,
		pq.Array(sess.ArtifactIDs), decisions, sess.ParserVersion)
	if err != nil {
		return fmt.Errorf("session: insert failed: %w", err)
	}
	sess.Revision = 1
	return nil
}

const sessionCols = `session_id, tenant_id, created_by, state, created_at, updated_at,
	committed_at, committed_by, llm_calls, input_tokens, output_tokens, money_micros,
	artifact_ids, planner_decisions, parser_version, revision`

// GetForUpdateTx reads a session inside the caller's transaction holding the
// row lock, so state checks and the commit write are race-free.
func (s *PostgresStore) GetForUpdateTx(ctx context.Context, tx *sql.Tx, tenantID, sessionID uuid.UUID) (*Session, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE tenant_id = $1 AND session_id = $2 FOR UPDATE`,
		tenantID, sessionID)
	return scanSession(row)
}

// LinesTx reads a session's draft lines inside the caller's transaction.
func (s *PostgresStore) LinesTx(ctx context.Context, tx *sql.Tx, tenantID, sessionID uuid.UUID) ([]DraftLine, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+lineCols+` FROM draft_lines
		 WHERE tenant_id = $1 AND session_id = $2 ORDER BY line_no`,
		tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: lines query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DraftLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// MarkCommittedTx flips a locked session to committed inside the caller's
// transaction.
func (s *PostgresStore) MarkCommittedTx(ctx context.Context, tx *sql.Tx, tenantID, sessionID, committedBy uuid.UUID, at time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET state = $1, updated_at = $2, committed_at = $2,
			committed_by = $3, revision = revision + 1
		WHERE tenant_id = $4 AND session_id = $5 AND state = $6
	`, StateCommitted, at, committedBy, tenantID, sessionID, StateVerifying)
	if err != nil {
		return fmt.Errorf("session: commit update failed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, sessionID uuid.UUID) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE tenant_id = $1 AND session_id = $2`,
		tenantID, sessionID)
	return scanSession(row)
}

func (s *PostgresStore) Update(ctx context.Context, sess *Session) error {
	decisions, err := json.Marshal(sess.PlannerDecisions)
	if err != nil {
		return fmt.Errorf("session: marshal decisions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = $1, updated_at = $2, committed_at = $3,
			committed_by = $4, llm_calls = $5, input_tokens = $6, output_tokens = $7,
			money_micros = $8, artifact_ids = $9, planner_decisions = $10,
			revision = revision + 1
		WHERE tenant_id = $11 AND session_id = $12 AND revision = $13
	`, sess.State, sess.UpdatedAt, sess.CommittedAt, sess.CommittedBy,
		sess.Ledger.LLMCalls, sess.Ledger.InputTokens, sess.Ledger.OutputTokens,
		sess.Ledger.MoneyMicros, pq.Array(sess.ArtifactIDs), decisions,
		sess.TenantID, sess.SessionID, sess.Revision)
	if err != nil {
		return fmt.Errorf("session: update failed: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := s.Get(ctx, sess.TenantID, sess.SessionID); err != nil {
			return err
		}
		return ErrStale
	}
	sess.Revision++
	return nil
}

func (s *PostgresStore) AppendLines(ctx context.Context, tenantID, sessionID uuid.UUID, lines []DraftLine) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Hold the session row so concurrent appends serialise on line_no.
	var state string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE tenant_id = $1 AND session_id = $2 FOR UPDATE`,
		tenantID, sessionID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("session: lock failed: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(line_no), 0) + 1 FROM draft_lines WHERE session_id = $1`,
		sessionID).Scan(&next); err != nil {
		return fmt.Errorf("session: line_no read failed: %w", err)
	}

	for i := range lines {
		lines[i].SessionID = sessionID
		lines[i].LineNo = next
		next++
		if err := insertLine(ctx, tx, tenantID, &lines[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertLine(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, l *DraftLine) error {
	suggested, alternatives, discrepancy, err := marshalLineJSON(l)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO draft_lines (line_id, session_id, tenant_id, source_artifact_id,
			line_no, qty_num, qty_den, unit, description, extracted_part_code,
			suggested_match, alternative_matches, catalog_snapshot_id, parser_version,
			needs_manual_review, verified, verified_by, verified_at, override_part_id, discrepancy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, l.LineID, l.SessionID, tenantID, l.SourceArtifactID, l.LineNo,
		l.Qty.Num, l.Qty.Den, l.Unit, l.Description, l.ExtractedPartCode,
		suggested, alternatives, l.CatalogSnapshotID, l.ParserVersion,
		l.NeedsManualReview, l.Verified, l.VerifiedBy, l.VerifiedAt,
		l.OverridePartID, discrepancy)
	if err != nil {
		return fmt.Errorf("session: line insert failed: %w", err)
	}
	return nil
}

const lineCols = `line_id, session_id, source_artifact_id, line_no, qty_num, qty_den,
	unit, description, extracted_part_code, suggested_match, alternative_matches,
	catalog_snapshot_id, parser_version, needs_manual_review, verified, verified_by,
	verified_at, override_part_id, discrepancy`

func (s *PostgresStore) Lines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]DraftLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+lineCols+` FROM draft_lines
		 WHERE tenant_id = $1 AND session_id = $2 ORDER BY line_no`,
		tenantID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: lines query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DraftLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetLine(ctx context.Context, tenantID, lineID uuid.UUID) (*DraftLine, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+lineCols+` FROM draft_lines WHERE tenant_id = $1 AND line_id = $2`,
		tenantID, lineID)
	return scanLine(row)
}

func (s *PostgresStore) UpdateLine(ctx context.Context, tenantID uuid.UUID, l *DraftLine) error {
	suggested, alternatives, discrepancy, err := marshalLineJSON(l)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE draft_lines SET verified = $1, verified_by = $2, verified_at = $3,
			override_part_id = $4, discrepancy = $5, needs_manual_review = $6,
			suggested_match = $7, alternative_matches = $8
		WHERE tenant_id = $9 AND line_id = $10
	`, l.Verified, l.VerifiedBy, l.VerifiedAt, l.OverridePartID, discrepancy,
		l.NeedsManualReview, suggested, alternatives, tenantID, l.LineID)
	if err != nil {
		return fmt.Errorf("session: line update failed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IdleSince(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE state IN ('draft', 'verifying') AND updated_at < $1
		 ORDER BY updated_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("session: idle query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func marshalLineJSON(l *DraftLine) (suggested, alternatives, discrepancy []byte, err error) {
	if l.SuggestedMatch != nil {
		if suggested, err = json.Marshal(l.SuggestedMatch); err != nil {
			return nil, nil, nil, fmt.Errorf("session: marshal match: %w", err)
		}
	}
	if alternatives, err = json.Marshal(l.Alternatives); err != nil {
		return nil, nil, nil, fmt.Errorf("session: marshal alternatives: %w", err)
	}
	if l.Discrepancy != nil {
		if discrepancy, err = json.Marshal(l.Discrepancy); err != nil {
			return nil, nil, nil, fmt.Errorf("session: marshal discrepancy: %w", err)
		}
	}
	return suggested, alternatives, discrepancy, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var committedAt sql.NullTime
	var committedBy uuid.NullUUID
	var artifactIDs pq.StringArray
	var decisions []byte

	err := row.Scan(&sess.SessionID, &sess.TenantID, &sess.CreatedBy, &sess.State,
		&sess.CreatedAt, &sess.UpdatedAt, &committedAt, &committedBy,
		&sess.Ledger.LLMCalls, &sess.Ledger.InputTokens, &sess.Ledger.OutputTokens,
		&sess.Ledger.MoneyMicros, &artifactIDs, &decisions, &sess.ParserVersion,
		&sess.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: scan failed: %w", err)
	}

	if committedAt.Valid {
		t := committedAt.Time
		sess.CommittedAt = &t
	}
	if committedBy.Valid {
		id := committedBy.UUID
		sess.CommittedBy = &id
	}
	for _, raw := range artifactIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("session: bad artifact id %q: %w", raw, err)
		}
		sess.ArtifactIDs = append(sess.ArtifactIDs, id)
	}
	if len(decisions) > 0 {
		if err := json.Unmarshal(decisions, &sess.PlannerDecisions); err != nil {
			return nil, fmt.Errorf("session: decode decisions: %w", err)
		}
	}
	return &sess, nil
}

func scanLine(row rowScanner) (*DraftLine, error) {
	var l DraftLine
	var suggested, alternatives, discrepancy []byte
	var verifiedBy, overridePart uuid.NullUUID
	var verifiedAt sql.NullTime

	err := row.Scan(&l.LineID, &l.SessionID, &l.SourceArtifactID, &l.LineNo,
		&l.Qty.Num, &l.Qty.Den, &l.Unit, &l.Description, &l.ExtractedPartCode,
		&suggested, &alternatives, &l.CatalogSnapshotID, &l.ParserVersion,
		&l.NeedsManualReview, &l.Verified, &verifiedBy, &verifiedAt,
		&overridePart, &discrepancy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: line scan failed: %w", err)
	}

	if len(suggested) > 0 {
		l.SuggestedMatch = new(reconcile.Match)
		if err := json.Unmarshal(suggested, l.SuggestedMatch); err != nil {
			return nil, fmt.Errorf("session: decode match: %w", err)
		}
	}
	if len(alternatives) > 0 {
		if err := json.Unmarshal(alternatives, &l.Alternatives); err != nil {
			return nil, fmt.Errorf("session: decode alternatives: %w", err)
		}
	}
	if len(discrepancy) > 0 {
		l.Discrepancy = new(Discrepancy)
		if err := json.Unmarshal(discrepancy, l.Discrepancy); err != nil {
			return nil, fmt.Errorf("session: decode discrepancy: %w", err)
		}
	}
	if verifiedBy.Valid {
		id := verifiedBy.UUID
		l.VerifiedBy = &id
	}
	if verifiedAt.Valid {
		t := verifiedAt.Time
		l.VerifiedAt = &t
	}
	if overridePart.Valid {
		id := overridePart.UUID
		l.OverridePartID = &id
	}
	return &l, nil
}
