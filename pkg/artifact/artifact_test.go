package artifact

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(tenant uuid.UUID, hash string, uploadedAt time.Time) *Artifact {
	return &Artifact{
		ArtifactID:  uuid.New(),
		TenantID:    tenant,
		UploaderID:  uuid.New(),
		Kind:        KindPackingSlip,
		ContentHash: hash,
		Mime:        "image/png",
		ByteLen:     1024,
		BlobRef:     tenant.String() + "/" + uuid.NewString() + ".png",
		UploadedAt:  uploadedAt,
	}
}

func TestKind_Valid(t *testing.T) {
	assert.True(t, KindPackingSlip.Valid())
	assert.True(t, KindShippingLabel.Valid())
	assert.True(t, KindDiscrepancyPhoto.Valid())
	assert.True(t, KindPartPhoto.Valid())
	assert.False(t, Kind("invoice").Valid())
	assert.False(t, Kind("").Valid())
}

func TestMemoryStore_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tenant := uuid.New()
	a := record(tenant, "hash-1", time.Now().UTC())

	require.NoError(t, store.Insert(ctx, a))

	got, err := store.Get(ctx, tenant, a.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, a.ContentHash, got.ContentHash)

	// The store hands back copies, not aliases.
	got.ContentHash = "mutated"
	again, err := store.Get(ctx, tenant, a.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, "hash-1", again.ContentHash)

	_, err = store.Get(ctx, uuid.New(), a.ArtifactID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DuplicateHashPerTenant(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tenant := uuid.New()

	require.NoError(t, store.Insert(ctx, record(tenant, "hash-1", time.Now().UTC())))
	assert.ErrorIs(t, store.Insert(ctx, record(tenant, "hash-1", time.Now().UTC())), ErrDuplicateHash)

	// The same bytes under another tenant are a separate artifact.
	assert.NoError(t, store.Insert(ctx, record(uuid.New(), "hash-1", time.Now().UTC())))
}

func TestMemoryStore_FindByHash(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tenant := uuid.New()
	a := record(tenant, "hash-7", time.Now().UTC())
	require.NoError(t, store.Insert(ctx, a))

	got, err := store.FindByHash(ctx, tenant, "hash-7")
	require.NoError(t, err)
	assert.Equal(t, a.ArtifactID, got.ArtifactID)

	_, err = store.FindByHash(ctx, tenant, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SoftDeleteFreesHash(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tenant := uuid.New()
	a := record(tenant, "hash-9", time.Now().UTC())
	require.NoError(t, store.Insert(ctx, a))

	require.NoError(t, store.SoftDelete(ctx, tenant, a.ArtifactID))
	// Idempotent.
	require.NoError(t, store.SoftDelete(ctx, tenant, a.ArtifactID))

	got, err := store.Get(ctx, tenant, a.ArtifactID)
	require.NoError(t, err)
	assert.True(t, got.Deleted())

	// Deleted artifacts no longer hold the dedup slot.
	_, err = store.FindByHash(ctx, tenant, "hash-9")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, store.Insert(ctx, record(tenant, "hash-9", time.Now().UTC())))

	assert.ErrorIs(t, store.SoftDelete(ctx, tenant, uuid.New()), ErrNotFound)
}

func TestMemoryStore_CountSince(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tenant := uuid.New()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	old := record(tenant, "h-old", now.Add(-2*time.Hour))
	mid := record(tenant, "h-mid", now.Add(-40*time.Minute))
	recent := record(tenant, "h-new", now.Add(-5*time.Minute))
	deleted := record(tenant, "h-del", now.Add(-10*time.Minute))
	require.NoError(t, store.Insert(ctx, old))
	require.NoError(t, store.Insert(ctx, mid))
	require.NoError(t, store.Insert(ctx, recent))
	require.NoError(t, store.Insert(ctx, deleted))
	require.NoError(t, store.SoftDelete(ctx, tenant, deleted.ArtifactID))

	n, oldest, err := store.CountSince(ctx, tenant, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, mid.UploadedAt, oldest)

	n, oldest, err = store.CountSince(ctx, tenant, now)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, oldest.IsZero())
}
