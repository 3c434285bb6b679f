// Package label holds shipping-label metadata extracted by the degenerate
// single-call path: admission and storage are shared with packing slips, but
// there is no reconciliation and no commit.
package label

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/receiving/pkg/normalize"
)

var ErrNotFound = errors.New("label: record not found")

// Record is the stored metadata for one shipping-label artifact.
type Record struct {
	ArtifactID     uuid.UUID `json:"artifact_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	Carrier        string    `json:"carrier,omitempty"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	PONumber       string    `json:"po_number,omitempty"`
	ShipTo         string    `json:"ship_to,omitempty"`
	ShipFrom       string    `json:"ship_from,omitempty"`
	ShipDate       string    `json:"ship_date,omitempty"`
	ServiceType    string    `json:"service_type,omitempty"`
	ExtractedAt    time.Time `json:"extracted_at"`
}

// FromResult maps the normaliser's label output onto a record.
func FromResult(tenantID, artifactID uuid.UUID, res *normalize.LabelResult, at time.Time) *Record {
	return &Record{
		ArtifactID:     artifactID,
		TenantID:       tenantID,
		Carrier:        res.Carrier,
		TrackingNumber: res.TrackingNumber,
		PONumber:       res.PONumber,
		ShipTo:         res.ShipTo,
		ShipFrom:       res.ShipFrom,
		ShipDate:       res.ShipDate,
		ServiceType:    res.ServiceType,
		ExtractedAt:    at,
	}
}

// Store persists label records, tenant-scoped.
type Store interface {
	Put(ctx context.Context, r *Record) error
	Get(ctx context.Context, tenantID, artifactID uuid.UUID) (*Record, error)
}

// MemoryStore is the in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[uuid.UUID]*Record)}
}

func (m *MemoryStore) Put(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.records[r.ArtifactID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, artifactID uuid.UUID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[artifactID]
	if !ok || r.TenantID != tenantID {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}
