package finance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresLedger reads the finance_txns rows written by the commit engine.
// It owns no schema; the commit engine creates the table.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) TxnsForEvent(ctx context.Context, tenantID, eventID uuid.UUID) ([]Txn, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, line_no, tenant_id, part_id, amount_micros, recorded_at
		FROM finance_txns
		WHERE tenant_id = $1 AND event_id = $2
		ORDER BY line_no
	`, tenantID, eventID)
	if err != nil {
		return nil, fmt.Errorf("finance: query txns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Txn
	for rows.Next() {
		var t Txn
		if err := rows.Scan(&t.EventID, &t.LineNo, &t.TenantID, &t.PartID,
			&t.AmountMicros, &t.RecordedAt); err != nil {
			return nil, fmt.Errorf("finance: scan txn: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *PostgresLedger) SpendBetween(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int64, error) {
	var total sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT SUM(amount_micros)
		FROM finance_txns
		WHERE tenant_id = $1 AND recorded_at >= $2 AND recorded_at < $3
	`, tenantID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("finance: sum spend: %w", err)
	}
	return total.Int64, nil
}
