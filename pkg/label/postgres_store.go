package label

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PostgresStore persists label records in PostgreSQL. Put is idempotent per
// artifact: re-extraction overwrites.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const labelSchema = `
CREATE TABLE IF NOT EXISTS label_records (
	artifact_id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	carrier TEXT NOT NULL DEFAULT '',
	tracking_number TEXT NOT NULL DEFAULT '',
	po_number TEXT NOT NULL DEFAULT '',
	ship_to TEXT NOT NULL DEFAULT '',
	ship_from TEXT NOT NULL DEFAULT '',
	ship_date TEXT NOT NULL DEFAULT '',
	service_type TEXT NOT NULL DEFAULT '',
	extracted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_label_records_tenant ON label_records(tenant_id);
`

// Init creates the label table.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, labelSchema)
	return err
}

func (s *PostgresStore) Put(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO label_records (artifact_id, tenant_id, carrier, tracking_number,
			po_number, ship_to, ship_from, ship_date, service_type, extracted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (artifact_id) DO UPDATE SET
			carrier = EXCLUDED.carrier,
			tracking_number = EXCLUDED.tracking_number,
			po_number = EXCLUDED.po_number,
			ship_to = EXCLUDED.ship_to,
			ship_from = EXCLUDED.ship_from,
			ship_date = EXCLUDED.ship_date,
			service_type = EXCLUDED.service_type,
			extracted_at = EXCLUDED.extracted_at
	`, r.ArtifactID, r.TenantID, r.Carrier, r.TrackingNumber, r.PONumber,
		r.ShipTo, r.ShipFrom, r.ShipDate, r.ServiceType, r.ExtractedAt)
	if err != nil {
		return fmt.Errorf("label: put failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, artifactID uuid.UUID) (*Record, error) {
	var r Record
	err := s.db.QueryRowContext(ctx, `
		SELECT artifact_id, tenant_id, carrier, tracking_number, po_number,
			ship_to, ship_from, ship_date, service_type, extracted_at
		FROM label_records WHERE tenant_id = $1 AND artifact_id = $2
	`, tenantID, artifactID).Scan(&r.ArtifactID, &r.TenantID, &r.Carrier,
		&r.TrackingNumber, &r.PONumber, &r.ShipTo, &r.ShipFrom, &r.ShipDate,
		&r.ServiceType, &r.ExtractedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("label: get failed: %w", err)
	}
	return &r, nil
}
