package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresCatalog serves catalog reads from PostgreSQL. The snapshot id is
// the transaction snapshot the parts read was served from, so two draft lines
// reconciled against the same id saw the same catalog.
type PostgresCatalog struct {
	db *sql.DB
}

func NewPostgresCatalog(db *sql.DB) *PostgresCatalog {
	return &PostgresCatalog{db: db}
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS parts (
	part_id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	code TEXT NOT NULL,
	description TEXT NOT NULL,
	unit_price_micros BIGINT NOT NULL DEFAULT 0,
	last_movement_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
);
CREATE INDEX IF NOT EXISTS idx_parts_tenant ON parts(tenant_id);
CREATE TABLE IF NOT EXISTS shopping_list_lines (
	line_id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	part_id UUID NOT NULL REFERENCES parts(part_id),
	ordered_qty DOUBLE PRECISION NOT NULL,
	received_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
	approved BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_shopping_tenant_open
	ON shopping_list_lines(tenant_id) WHERE received_qty < ordered_qty;
CREATE TABLE IF NOT EXISTS po_receipts (
	tenant_id UUID NOT NULL,
	part_id UUID NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_po_receipts_tenant_time
	ON po_receipts(tenant_id, received_at);
`

// Init creates the catalog tables.
func (c *PostgresCatalog) Init(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, catalogSchema)
	return err
}

func (c *PostgresCatalog) Parts(ctx context.Context, tenantID uuid.UUID) ([]PartRow, string, error) {
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, "", fmt.Errorf("catalog: begin read failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var snapshot string
	if err := tx.QueryRowContext(ctx, `SELECT pg_current_snapshot()::text`).Scan(&snapshot); err != nil {
		return nil, "", fmt.Errorf("catalog: snapshot read failed: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT part_id, tenant_id, code, description, unit_price_micros, last_movement_at
		FROM parts WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return nil, "", fmt.Errorf("catalog: parts query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PartRow
	for rows.Next() {
		var p PartRow
		if err := rows.Scan(&p.PartID, &p.TenantID, &p.Code, &p.Description,
			&p.UnitPriceMicros, &p.LastMovementAt); err != nil {
			return nil, "", fmt.Errorf("catalog: parts scan failed: %w", err)
		}
		out = append(out, p)
	}
	return out, snapshot, rows.Err()
}

func (c *PostgresCatalog) OpenShoppingList(ctx context.Context, tenantID uuid.UUID) ([]ShoppingListLine, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT line_id, tenant_id, part_id, ordered_qty, received_qty
		FROM shopping_list_lines
		WHERE tenant_id = $1 AND approved AND received_qty < ordered_qty
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("catalog: shopping list query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ShoppingListLine
	for rows.Next() {
		var l ShoppingListLine
		if err := rows.Scan(&l.LineID, &l.TenantID, &l.PartID, &l.OrderedQty, &l.ReceivedQty); err != nil {
			return nil, fmt.Errorf("catalog: shopping list scan failed: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (c *PostgresCatalog) RecentPOs(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]POReceipt, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT tenant_id, part_id, received_at
		FROM po_receipts
		WHERE tenant_id = $1 AND received_at >= $2
	`, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("catalog: po query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []POReceipt
	for rows.Next() {
		var r POReceipt
		if err := rows.Scan(&r.TenantID, &r.PartID, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("catalog: po scan failed: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
