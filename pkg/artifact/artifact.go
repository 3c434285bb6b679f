// Package artifact holds the metadata records for uploaded files and the
// tenant-scoped index used for deduplication and quota accounting.
package artifact

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no matching artifact exists.
	ErrNotFound = errors.New("artifact: not found")
	// ErrDuplicateHash is returned when inserting a second live artifact with
	// the same (tenant_id, content_hash).
	ErrDuplicateHash = errors.New("artifact: content hash already stored for tenant")
)

// Kind classifies what the upload depicts.
type Kind string

const (
	KindPackingSlip      Kind = "packing_slip"
	KindShippingLabel    Kind = "shipping_label"
	KindDiscrepancyPhoto Kind = "discrepancy_photo"
	KindPartPhoto        Kind = "part_photo"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPackingSlip, KindShippingLabel, KindDiscrepancyPhoto, KindPartPhoto:
		return true
	}
	return false
}

// Artifact is an uploaded file. Immutable once stored; deletion is soft.
type Artifact struct {
	ArtifactID   uuid.UUID  `json:"artifact_id"`
	TenantID     uuid.UUID  `json:"tenant_id"`
	UploaderID   uuid.UUID  `json:"uploader_id"`
	Kind         Kind       `json:"kind"`
	ContentHash  string     `json:"content_hash"`
	Mime         string     `json:"mime"`
	ByteLen      int64      `json:"byte_len"`
	Width        int        `json:"width,omitempty"`
	Height       int        `json:"height,omitempty"`
	QualityScore float64    `json:"quality_score"`
	BlobRef      string     `json:"blob_ref"`
	UploadedAt   time.Time  `json:"uploaded_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the artifact has been soft-deleted.
func (a *Artifact) Deleted() bool { return a.DeletedAt != nil }

// Store is the tenant-scoped artifact index.
type Store interface {
	// Insert persists a new artifact. Returns ErrDuplicateHash when a live
	// artifact with the same (tenant_id, content_hash) already exists.
	Insert(ctx context.Context, a *Artifact) error

	// Get fetches an artifact by id within a tenant.
	Get(ctx context.Context, tenantID, artifactID uuid.UUID) (*Artifact, error)

	// FindByHash looks up the live artifact with the given content hash.
	// Returns ErrNotFound when none exists.
	FindByHash(ctx context.Context, tenantID uuid.UUID, contentHash string) (*Artifact, error)

	// CountSince counts live artifacts uploaded at or after since, and
	// reports the upload time of the oldest counted artifact.
	CountSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (n int, oldest time.Time, err error)

	// SoftDelete marks an artifact deleted. Idempotent.
	SoftDelete(ctx context.Context, tenantID, artifactID uuid.UUID) error
}
