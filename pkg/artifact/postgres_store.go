package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. The partial unique index on
// (tenant_id, content_hash) WHERE deleted_at IS NULL enforces tenant-scoped
// dedup at the database level.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed artifact index.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	uploader_id UUID NOT NULL,
	kind TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	mime TEXT NOT NULL,
	byte_len BIGINT NOT NULL,
	width INT NOT NULL DEFAULT 0,
	height INT NOT NULL DEFAULT 0,
	quality_score DOUBLE PRECISION NOT NULL,
	blob_ref TEXT NOT NULL,
	uploaded_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_tenant_hash_live
	ON artifacts(tenant_id, content_hash) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_artifacts_tenant_uploaded
	ON artifacts(tenant_id, uploaded_at) WHERE deleted_at IS NULL;
`

// Init creates the necessary database tables.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) Insert(ctx context.Context, a *Artifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, tenant_id, uploader_id, kind, content_hash,
			mime, byte_len, width, height, quality_score, blob_ref, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, a.ArtifactID, a.TenantID, a.UploaderID, a.Kind, a.ContentHash,
		a.Mime, a.ByteLen, a.Width, a.Height, a.QualityScore, a.BlobRef, a.UploadedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateHash
		}
		return fmt.Errorf("artifact: insert failed: %w", err)
	}
	return nil
}

const selectCols = `artifact_id, tenant_id, uploader_id, kind, content_hash,
	mime, byte_len, width, height, quality_score, blob_ref, uploaded_at, deleted_at`

func (s *PostgresStore) Get(ctx context.Context, tenantID, artifactID uuid.UUID) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM artifacts WHERE tenant_id = $1 AND artifact_id = $2`,
		tenantID, artifactID)
	return scanArtifact(row)
}

func (s *PostgresStore) FindByHash(ctx context.Context, tenantID uuid.UUID, contentHash string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectCols+` FROM artifacts
		 WHERE tenant_id = $1 AND content_hash = $2 AND deleted_at IS NULL`,
		tenantID, contentHash)
	return scanArtifact(row)
}

func (s *PostgresStore) CountSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, time.Time, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MIN(uploaded_at), 'epoch'::timestamptz)
		FROM artifacts
		WHERE tenant_id = $1 AND deleted_at IS NULL AND uploaded_at >= $2
	`, tenantID, since)

	var n int
	var oldest time.Time
	if err := row.Scan(&n, &oldest); err != nil {
		return 0, time.Time{}, fmt.Errorf("artifact: count failed: %w", err)
	}
	if n == 0 {
		oldest = time.Time{}
	}
	return n, oldest, nil
}

func (s *PostgresStore) SoftDelete(ctx context.Context, tenantID, artifactID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET deleted_at = NOW()
		WHERE tenant_id = $1 AND artifact_id = $2 AND deleted_at IS NULL
	`, tenantID, artifactID)
	if err != nil {
		return fmt.Errorf("artifact: soft delete failed: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		// Either absent or already deleted; verify existence for a clean error.
		if _, err := s.Get(ctx, tenantID, artifactID); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var a Artifact
	var deletedAt sql.NullTime
	err := row.Scan(&a.ArtifactID, &a.TenantID, &a.UploaderID, &a.Kind, &a.ContentHash,
		&a.Mime, &a.ByteLen, &a.Width, &a.Height, &a.QualityScore, &a.BlobRef,
		&a.UploadedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: scan failed: %w", err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		a.DeletedAt = &t
	}
	return &a, nil
}
