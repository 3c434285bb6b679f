package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/harborline/receiving/pkg/canonical"
)

// PostgresStore persists the audit chain. Each append locks the tenant's
// newest row so concurrent appends serialise and seq stays strictly
// monotonic. AppendTx lets the commit engine write its entry inside the
// commit transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	tenant_id UUID NOT NULL,
	seq BIGINT NOT NULL,
	actor_id UUID NOT NULL,
	action TEXT NOT NULL,
	target TEXT NOT NULL,
	body JSONB,
	prev_hash TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, seq)
);
`

// Init creates the audit table.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, auditSchema)
	return err
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := appendIn(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendTx seals and inserts an entry using the caller's transaction, so the
// audit write commits or rolls back with the caller's other effects.
func (s *PostgresStore) AppendTx(ctx context.Context, tx *sql.Tx, e *Entry) error {
	return appendIn(ctx, tx, e)
}

func appendIn(ctx context.Context, q execQuerier, e *Entry) error {
	// Read the chain head under lock; concurrent appends for the tenant
	// queue behind this row.
	var seq int64
	prev := canonical.ZeroHash
	err := q.QueryRowContext(ctx, `
		SELECT seq, entry_hash FROM audit_entries
		WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1 FOR UPDATE
	`, e.TenantID).Scan(&seq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("audit: head read failed: %w", err)
	}

	if err := Seal(e, prev); err != nil {
		return err
	}
	e.Seq = seq + 1

	if _, err := q.ExecContext(ctx, `
		INSERT INTO audit_entries (tenant_id, seq, actor_id, action, target, body,
			prev_hash, payload_hash, entry_hash, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.TenantID, e.Seq, e.ActorID, e.Action, e.Target, []byte(e.Body),
		e.PrevHash, e.PayloadHash, e.EntryHash, e.RecordedAt); err != nil {
		return fmt.Errorf("audit: insert failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Entries(ctx context.Context, tenantID uuid.UUID) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, seq, actor_id, action, target, body,
			prev_hash, payload_hash, entry_hash, recorded_at
		FROM audit_entries WHERE tenant_id = $1 ORDER BY seq
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("audit: entries query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var e Entry
		var body []byte
		if err := rows.Scan(&e.TenantID, &e.Seq, &e.ActorID, &e.Action, &e.Target,
			&body, &e.PrevHash, &e.PayloadHash, &e.EntryHash, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("audit: scan failed: %w", err)
		}
		e.Body = body
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Latest(ctx context.Context, tenantID uuid.UUID) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT entry_hash FROM audit_entries
		WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1
	`, tenantID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return canonical.ZeroHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("audit: latest read failed: %w", err)
	}
	return hash, nil
}
