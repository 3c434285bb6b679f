package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/receiving/pkg/catalog"
	"github.com/harborline/receiving/pkg/rowparse"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func loadSnapshot(t *testing.T, cat *catalog.MemoryCatalog, tenant uuid.UUID) *Snapshot {
	t.Helper()
	snap, err := NewReconciler(cat).WithClock(func() time.Time { return fixedNow }).Load(context.Background(), tenant)
	require.NoError(t, err)
	return snap
}

func TestNormaliseCode(t *testing.T) {
	assert.Equal(t, "MTUOF4568", NormaliseCode("MTU-OF-4568"))
	assert.Equal(t, "MTUOF4568", NormaliseCode("mtu of 4568"))
	assert.Equal(t, "MTUOF4568", NormaliseCode("MTUOF4568"))
	assert.Equal(t, "", NormaliseCode("---"))
}

func TestMatch_ExactCodeWins(t *testing.T) {
	tenant := uuid.New()
	cat := catalog.NewMemoryCatalog()
	target := uuid.New()
	cat.AddPart(catalog.PartRow{PartID: target, TenantID: tenant, Code: "MTU-OF-4568", Description: "Oil filter MTU 2000"})
	cat.AddPart(catalog.PartRow{PartID: uuid.New(), TenantID: tenant, Code: "MTU-AF-1200", Description: "Air filter MTU 2000"})

	snap := loadSnapshot(t, cat, tenant)
	res := snap.Match(rowparse.ParsedLine{PartCode: "mtu of 4568", Description: "oil filter"})

	require.NotNil(t, res.Primary)
	assert.Equal(t, target, res.Primary.PartID)
	assert.Equal(t, 1.0, res.Primary.Score)
	assert.Contains(t, res.Primary.ReasonCodes, ReasonExactCode)
	assert.NotEmpty(t, res.SnapshotID)
}

func TestMatch_FuzzyDescriptionBelowThresholdHasNoPrimary(t *testing.T) {
	tenant := uuid.New()
	cat := catalog.NewMemoryCatalog()
	cat.AddPart(catalog.PartRow{PartID: uuid.New(), TenantID: tenant, Code: "IMP-450", Description: "Impeller neoprene 450"})

	snap := loadSnapshot(t, cat, tenant)
	res := snap.Match(rowparse.ParsedLine{Description: "stainless hose clamp 40mm"})

	assert.Nil(t, res.Primary)
}

func TestMatch_FuzzyDescriptionQualifies(t *testing.T) {
	tenant := uuid.New()
	cat := catalog.NewMemoryCatalog()
	target := uuid.New()
	cat.AddPart(catalog.PartRow{PartID: target, TenantID: tenant, Code: "RAC-2040", Description: "Racor fuel filter element 2040"})

	snap := loadSnapshot(t, cat, tenant)
	// Same tokens in another order: token sorting makes this near-exact.
	res := snap.Match(rowparse.ParsedLine{Description: "fuel filter element racor 2040"})

	require.NotNil(t, res.Primary)
	assert.Equal(t, target, res.Primary.PartID)
	assert.Contains(t, res.Primary.ReasonCodes, ReasonFuzzyDesc)
}

func TestMatch_ShoppingListBoostPromotesCandidate(t *testing.T) {
	tenant := uuid.New()
	cat := catalog.NewMemoryCatalog()
	listed := uuid.New()
	cat.AddPart(catalog.PartRow{PartID: listed, TenantID: tenant, Code: "ZF-330", Description: "Gearbox oil filter ZF"})
	cat.AddShoppingListLine(catalog.ShoppingListLine{
		LineID: uuid.New(), TenantID: tenant, PartID: listed, OrderedQty: 2, ReceivedQty: 0,
	})

	snap := loadSnapshot(t, cat, tenant)
	res := snap.Match(rowparse.ParsedLine{Description: "oil filter ZF gearbox"})

	require.NotNil(t, res.Primary)
	assert.Equal(t, listed, res.Primary.PartID)
	assert.Contains(t, res.Primary.ReasonCodes, ReasonShoppingList)
}

func TestMatch_FulfilledShoppingListLineDoesNotBoost(t *testing.T) {
	tenant := uuid.New()
	cat := catalog.NewMemoryCatalog()
	part := uuid.New()
	cat.AddPart(catalog.PartRow{PartID: part, TenantID: tenant, Code: "ZF-330", Description: "Gearbox oil filter"})
	cat.AddShoppingListLine(catalog.ShoppingListLine{
		LineID: uuid.New(), TenantID: tenant, PartID: part, OrderedQty: 2, ReceivedQty: 2,
	})

	snap := loadSnapshot(t, cat, tenant)
	res := snap.Match(rowparse.ParsedLine{PartCode: "ZF-330"})

	require.NotNil(t, res.Primary)
	assert.NotContains(t, res.Primary.ReasonCodes, ReasonShoppingList)
}

func TestMatch_RecentPOBoostRespectsWindow(t *testing.T) {
	tenant := uuid.New()
	cat := catalog.NewMemoryCatalog()
	recent, stale := uuid.New(), uuid.New()
	cat.AddPart(catalog.PartRow{PartID: recent, TenantID: tenant, Code: "FF-1234", Description: "Fuel filter"})
	cat.AddPart(catalog.PartRow{PartID: stale, TenantID: tenant, Code: "FF-1235", Description: "Fuel filter fine"})
	cat.AddPOReceipt(catalog.POReceipt{TenantID: tenant, PartID: recent, ReceivedAt: fixedNow.Add(-30 * 24 * time.Hour)})
	cat.AddPOReceipt(catalog.POReceipt{TenantID: tenant, PartID: stale, ReceivedAt: fixedNow.Add(-120 * 24 * time.Hour)})

	snap := loadSnapshot(t, cat, tenant)

	res := snap.Match(rowparse.ParsedLine{PartCode: "FF-1234"})
	require.NotNil(t, res.Primary)
	assert.Contains(t, res.Primary.ReasonCodes, ReasonRecentPO)

	res = snap.Match(rowparse.ParsedLine{PartCode: "FF-1235"})
	require.NotNil(t, res.Primary)
	assert.NotContains(t, res.Primary.ReasonCodes, ReasonRecentPO)
}

func TestMatch_ScoreCappedAtOne(t *testing.T) {
	tenant := uuid.New()
	cat := catalog.NewMemoryCatalog()
	part := uuid.New()
	cat.AddPart(catalog.PartRow{PartID: part, TenantID: tenant, Code: "FF-1234", Description: "Fuel filter"})
	cat.AddShoppingListLine(catalog.ShoppingListLine{LineID: uuid.New(), TenantID: tenant, PartID: part, OrderedQty: 1})
	cat.AddPOReceipt(catalog.POReceipt{TenantID: tenant, PartID: part, ReceivedAt: fixedNow.Add(-time.Hour)})

	snap := loadSnapshot(t, cat, tenant)
	res := snap.Match(rowparse.ParsedLine{PartCode: "FF-1234"})

	require.NotNil(t, res.Primary)
	assert.Equal(t, 1.0, res.Primary.Score)
	assert.ElementsMatch(t, []string{ReasonExactCode, ReasonShoppingList, ReasonRecentPO}, res.Primary.ReasonCodes)
}

func TestMatch_AtMostThreeAlternatives(t *testing.T) {
	tenant := uuid.New()
	cat := catalog.NewMemoryCatalog()
	for i := 0; i < 6; i++ {
		cat.AddPart(catalog.PartRow{
			PartID: uuid.New(), TenantID: tenant,
			Code:        "FLT-100" + string(rune('0'+i)),
			Description: "Fuel filter element",
		})
	}

	snap := loadSnapshot(t, cat, tenant)
	res := snap.Match(rowparse.ParsedLine{Description: "fuel filter element"})

	assert.LessOrEqual(t, len(res.Alternatives), 3)
	assert.NotEmpty(t, res.Alternatives)
}

func TestMatch_RecencyBreaksTies(t *testing.T) {
	tenant := uuid.New()
	cat := catalog.NewMemoryCatalog()
	older, newer := uuid.New(), uuid.New()
	cat.AddPart(catalog.PartRow{
		PartID: older, TenantID: tenant, Code: "AA-100", Description: "Zinc anode shaft",
		LastMovementAt: fixedNow.Add(-48 * time.Hour),
	})
	cat.AddPart(catalog.PartRow{
		PartID: newer, TenantID: tenant, Code: "AA-200", Description: "Zinc anode shaft",
		LastMovementAt: fixedNow.Add(-1 * time.Hour),
	})

	snap := loadSnapshot(t, cat, tenant)
	res := snap.Match(rowparse.ParsedLine{Description: "zinc anode shaft"})

	require.NotNil(t, res.Primary)
	assert.Equal(t, newer, res.Primary.PartID)
}

func TestMatch_DeterministicForFixedSnapshot(t *testing.T) {
	tenant := uuid.New()
	cat := catalog.NewMemoryCatalog()
	for i := 0; i < 5; i++ {
		cat.AddPart(catalog.PartRow{
			PartID: uuid.New(), TenantID: tenant,
			Code:        "GSK-20" + string(rune('0'+i)),
			Description: "Exhaust gasket",
		})
	}

	snap := loadSnapshot(t, cat, tenant)
	line := rowparse.ParsedLine{Description: "exhaust gasket", PartCode: "GSK-203"}
	first := snap.Match(line)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, snap.Match(line))
	}
}

func TestMatch_EmptyLineMatchesNothing(t *testing.T) {
	tenant := uuid.New()
	cat := catalog.NewMemoryCatalog()
	cat.AddPart(catalog.PartRow{PartID: uuid.New(), TenantID: tenant, Code: "FF-1234", Description: "Fuel filter"})

	snap := loadSnapshot(t, cat, tenant)
	res := snap.Match(rowparse.ParsedLine{})

	assert.Nil(t, res.Primary)
	assert.Empty(t, res.Alternatives)
}

func TestLoad_IsTenantScoped(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	cat := catalog.NewMemoryCatalog()
	cat.AddPart(catalog.PartRow{PartID: uuid.New(), TenantID: a, Code: "FF-1234", Description: "Fuel filter"})

	snap := loadSnapshot(t, cat, b)
	res := snap.Match(rowparse.ParsedLine{PartCode: "FF-1234"})
	assert.Nil(t, res.Primary)
	assert.Empty(t, res.Alternatives)
}
