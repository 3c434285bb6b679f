package label

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/receiving/pkg/normalize"
)

func TestFromResult(t *testing.T) {
	tenant, art := uuid.New(), uuid.New()
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	rec := FromResult(tenant, art, &normalize.LabelResult{
		Carrier:        "UPS",
		TrackingNumber: "1Z999AA10123456784",
		PONumber:       "PO-7781",
		ServiceType:    "Ground",
	}, at)

	assert.Equal(t, tenant, rec.TenantID)
	assert.Equal(t, art, rec.ArtifactID)
	assert.Equal(t, "UPS", rec.Carrier)
	assert.Equal(t, "1Z999AA10123456784", rec.TrackingNumber)
	assert.Equal(t, "PO-7781", rec.PONumber)
	assert.Equal(t, "Ground", rec.ServiceType)
	assert.Empty(t, rec.ShipTo)
	assert.Equal(t, at, rec.ExtractedAt)
}

func TestMemoryStore_PutAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tenant, art := uuid.New(), uuid.New()

	rec := &Record{ArtifactID: art, TenantID: tenant, Carrier: "DHL"}
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, tenant, art)
	require.NoError(t, err)
	assert.Equal(t, "DHL", got.Carrier)

	// Copies in, copies out.
	got.Carrier = "mutated"
	again, err := store.Get(ctx, tenant, art)
	require.NoError(t, err)
	assert.Equal(t, "DHL", again.Carrier)
}

func TestMemoryStore_GetMisses(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tenant, art := uuid.New(), uuid.New()
	require.NoError(t, store.Put(ctx, &Record{ArtifactID: art, TenantID: tenant}))

	_, err := store.Get(ctx, tenant, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	// Another tenant cannot read the record through its artifact id.
	_, err = store.Get(ctx, uuid.New(), art)
	assert.ErrorIs(t, err, ErrNotFound)
}
