package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions in SQLite for single-node deployments. IDs
// are stored as text; serialisation relies on SQLite's single-writer model
// plus the revision column.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		created_by TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		committed_at DATETIME,
		committed_by TEXT,
		llm_calls INTEGER NOT NULL DEFAULT 0,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		money_micros INTEGER NOT NULL DEFAULT 0,
		artifact_ids JSON NOT NULL DEFAULT '[]',
		planner_decisions JSON NOT NULL DEFAULT '[]',
		parser_version TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);
	CREATE TABLE IF NOT EXISTS draft_lines (
		line_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		payload JSON NOT NULL,
		line_no INTEGER NOT NULL,
		UNIQUE (session_id, line_no)
	);
	CREATE INDEX IF NOT EXISTS idx_draft_lines_session ON draft_lines(session_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, sess *Session) error {
	artifacts, decisions, err := marshalSessionJSON(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, tenant_id, created_by, state, created_at,
			updated_at, llm_calls, input_tokens, output_tokens, money_micros,
			artifact_ids, planner_decisions, parser_version, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, sess.SessionID.String(), sess.TenantID.String(), sess.CreatedBy.String(),
		sess.State, sess.CreatedAt, sess.UpdatedAt,
		sess.Ledger.LLMCalls, sess.Ledger.InputTokens, sess.Ledger.OutputTokens,
		sess.Ledger.MoneyMicros, artifacts, decisions, sess.ParserVersion)
	if err != nil {
		return fmt.Errorf("session: sqlite insert failed: %w", err)
	}
	sess.Revision = 1
	return nil
}

const sqliteSessionCols = `session_id, tenant_id, created_by, state, created_at,
	updated_at, committed_at, committed_by, llm_calls, input_tokens, output_tokens,
	money_micros, artifact_ids, planner_decisions, parser_version, revision`

func (s *SQLiteStore) Get(ctx context.Context, tenantID, sessionID uuid.UUID) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionCols+` FROM sessions WHERE tenant_id = ? AND session_id = ?`,
		tenantID.String(), sessionID.String())
	return scanSQLiteSession(row)
}

func (s *SQLiteStore) Update(ctx context.Context, sess *Session) error {
	artifacts, decisions, err := marshalSessionJSON(sess)
	if err != nil {
		return err
	}
	var committedBy any
	if sess.CommittedBy != nil {
		committedBy = sess.CommittedBy.String()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET state = ?, updated_at = ?, committed_at = ?,
			committed_by = ?, llm_calls = ?, input_tokens = ?, output_tokens = ?,
			money_micros = ?, artifact_ids = ?, planner_decisions = ?,
			revision = revision + 1
		WHERE tenant_id = ? AND session_id = ? AND revision = ?
	`, sess.State, sess.UpdatedAt, sess.CommittedAt, committedBy,
		sess.Ledger.LLMCalls, sess.Ledger.InputTokens, sess.Ledger.OutputTokens,
		sess.Ledger.MoneyMicros, artifacts, decisions,
		sess.TenantID.String(), sess.SessionID.String(), sess.Revision)
	if err != nil {
		return fmt.Errorf("session: sqlite update failed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := s.Get(ctx, sess.TenantID, sess.SessionID); err != nil {
			return err
		}
		return ErrStale
	}
	sess.Revision++
	return nil
}

func (s *SQLiteStore) AppendLines(ctx context.Context, tenantID, sessionID uuid.UUID, lines []DraftLine) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: sqlite begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var state string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM sessions WHERE tenant_id = ? AND session_id = ?`,
		tenantID.String(), sessionID.String()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("session: sqlite lookup failed: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(line_no), 0) + 1 FROM draft_lines WHERE session_id = ?`,
		sessionID.String()).Scan(&next); err != nil {
		return fmt.Errorf("session: sqlite line_no read failed: %w", err)
	}

	for i := range lines {
		lines[i].SessionID = sessionID
		lines[i].LineNo = next
		next++
		payload, err := json.Marshal(lines[i])
		if err != nil {
			return fmt.Errorf("session: marshal line: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO draft_lines (line_id, session_id, tenant_id, payload, line_no)
			VALUES (?, ?, ?, ?, ?)
		`, lines[i].LineID.String(), sessionID.String(), tenantID.String(),
			payload, lines[i].LineNo); err != nil {
			return fmt.Errorf("session: sqlite line insert failed: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Lines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]DraftLine, error) {
	if _, err := s.Get(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM draft_lines
		WHERE tenant_id = ? AND session_id = ? ORDER BY line_no
	`, tenantID.String(), sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("session: sqlite lines query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DraftLine
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("session: sqlite line scan failed: %w", err)
		}
		var l DraftLine
		if err := json.Unmarshal(payload, &l); err != nil {
			return nil, fmt.Errorf("session: decode line: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetLine(ctx context.Context, tenantID, lineID uuid.UUID) (*DraftLine, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM draft_lines WHERE tenant_id = ? AND line_id = ?`,
		tenantID.String(), lineID.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: sqlite line lookup failed: %w", err)
	}
	var l DraftLine
	if err := json.Unmarshal(payload, &l); err != nil {
		return nil, fmt.Errorf("session: decode line: %w", err)
	}
	return &l, nil
}

func (s *SQLiteStore) UpdateLine(ctx context.Context, tenantID uuid.UUID, l *DraftLine) error {
	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("session: marshal line: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE draft_lines SET payload = ? WHERE tenant_id = ? AND line_id = ?`,
		payload, tenantID.String(), l.LineID.String())
	if err != nil {
		return fmt.Errorf("session: sqlite line update failed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) IdleSince(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteSessionCols+` FROM sessions
		 WHERE state IN ('draft', 'verifying') AND updated_at < ?
		 ORDER BY updated_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("session: sqlite idle query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Session
	for rows.Next() {
		sess, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func marshalSessionJSON(sess *Session) (artifacts, decisions []byte, err error) {
	ids := make([]string, len(sess.ArtifactIDs))
	for i, id := range sess.ArtifactIDs {
		ids[i] = id.String()
	}
	if artifacts, err = json.Marshal(ids); err != nil {
		return nil, nil, fmt.Errorf("session: marshal artifact ids: %w", err)
	}
	if decisions, err = json.Marshal(sess.PlannerDecisions); err != nil {
		return nil, nil, fmt.Errorf("session: marshal decisions: %w", err)
	}
	return artifacts, decisions, nil
}

func scanSQLiteSession(row rowScanner) (*Session, error) {
	var sess Session
	var sessionID, tenantID, createdBy string
	var committedAt sql.NullTime
	var committedBy sql.NullString
	var artifacts, decisions []byte

	err := row.Scan(&sessionID, &tenantID, &createdBy, &sess.State,
		&sess.CreatedAt, &sess.UpdatedAt, &committedAt, &committedBy,
		&sess.Ledger.LLMCalls, &sess.Ledger.InputTokens, &sess.Ledger.OutputTokens,
		&sess.Ledger.MoneyMicros, &artifacts, &decisions, &sess.ParserVersion,
		&sess.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: sqlite scan failed: %w", err)
	}

	if sess.SessionID, err = uuid.Parse(sessionID); err != nil {
		return nil, fmt.Errorf("session: bad session id: %w", err)
	}
	if sess.TenantID, err = uuid.Parse(tenantID); err != nil {
		return nil, fmt.Errorf("session: bad tenant id: %w", err)
	}
	if sess.CreatedBy, err = uuid.Parse(createdBy); err != nil {
		return nil, fmt.Errorf("session: bad creator id: %w", err)
	}
	if committedAt.Valid {
		t := committedAt.Time
		sess.CommittedAt = &t
	}
	if committedBy.Valid {
		id, err := uuid.Parse(committedBy.String)
		if err != nil {
			return nil, fmt.Errorf("session: bad committer id: %w", err)
		}
		sess.CommittedBy = &id
	}

	var ids []string
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &ids); err != nil {
			return nil, fmt.Errorf("session: decode artifact ids: %w", err)
		}
	}
	for _, raw := range ids {
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
