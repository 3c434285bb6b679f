package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShoppingListLine_Outstanding(t *testing.T) {
	assert.True(t, ShoppingListLine{OrderedQty: 4, ReceivedQty: 0}.Outstanding())
	assert.True(t, ShoppingListLine{OrderedQty: 4, ReceivedQty: 3.5}.Outstanding())
	assert.False(t, ShoppingListLine{OrderedQty: 4, ReceivedQty: 4}.Outstanding())
	assert.False(t, ShoppingListLine{OrderedQty: 4, ReceivedQty: 6}.Outstanding())
}

func TestMemoryCatalog_PartsAreTenantScoped(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()
	tenant, other := uuid.New(), uuid.New()

	c.AddPart(PartRow{PartID: uuid.New(), TenantID: tenant, Code: "FF-1234"})
	c.AddPart(PartRow{PartID: uuid.New(), TenantID: other, Code: "IMP-450"})

	parts, snapshot, err := c.Parts(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "FF-1234", parts[0].Code)
	assert.NotEmpty(t, snapshot)

	// Callers get a copy, not the backing slice.
	parts[0].Code = "mutated"
	again, _, err := c.Parts(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, "FF-1234", again[0].Code)
}

func TestMemoryCatalog_SnapshotIDAdvancesOnMutation(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()
	tenant := uuid.New()

	_, first, err := c.Parts(ctx, tenant)
	require.NoError(t, err)
	_, same, err := c.Parts(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, first, same, "reads do not move the snapshot")

	c.AddPart(PartRow{PartID: uuid.New(), TenantID: tenant, Code: "ZA-0099"})
	_, bumped, err := c.Parts(ctx, tenant)
	require.NoError(t, err)
	assert.NotEqual(t, first, bumped)
}

func TestMemoryCatalog_OpenShoppingListFiltersFulfilled(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()
	tenant := uuid.New()
	open := uuid.New()

	c.AddShoppingListLine(ShoppingListLine{LineID: uuid.New(), TenantID: tenant, PartID: open, OrderedQty: 4, ReceivedQty: 1})
	c.AddShoppingListLine(ShoppingListLine{LineID: uuid.New(), TenantID: tenant, PartID: uuid.New(), OrderedQty: 2, ReceivedQty: 2})

	lines, err := c.OpenShoppingList(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, open, lines[0].PartID)
}

func TestMemoryCatalog_RecentPOsHonoursSince(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()
	tenant := uuid.New()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	fresh := uuid.New()

	c.AddPOReceipt(POReceipt{TenantID: tenant, PartID: fresh, ReceivedAt: now.Add(-24 * time.Hour)})
	c.AddPOReceipt(POReceipt{TenantID: tenant, PartID: uuid.New(), ReceivedAt: now.Add(-120 * 24 * time.Hour)})

	pos, err := c.RecentPOs(ctx, tenant, now.Add(-90*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, fresh, pos[0].PartID)

	// The boundary receipt is included: "at or after since".
	pos, err = c.RecentPOs(ctx, tenant, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, pos, 1)
}
