// Package catalog exposes read access to the tenant parts catalog, open
// shopping lists, and recently received purchase orders. Reconciliation reads
// a consistent snapshot per draft line; the snapshot id is recorded on the
// line so results can be re-ranked later.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("catalog: part not found")

// PartRow is one catalog part.
type PartRow struct {
	PartID          uuid.UUID `json:"part_id"`
	TenantID        uuid.UUID `json:"tenant_id"`
	Code            string    `json:"code"`
	Description     string    `json:"description"`
	UnitPriceMicros int64     `json:"unit_price_micros"` // 0 when unpriced
	LastMovementAt  time.Time `json:"last_movement_at"`
}

// ShoppingListLine is an approved shopping-list entry with outstanding
// quantity. Matching one of these boosts reconciliation confidence.
type ShoppingListLine struct {
	LineID      uuid.UUID `json:"line_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	PartID      uuid.UUID `json:"part_id"`
	OrderedQty  float64   `json:"ordered_qty"`
	ReceivedQty float64   `json:"received_qty"`
}

// Outstanding reports whether the line still has quantity to receive.
func (l ShoppingListLine) Outstanding() bool { return l.ReceivedQty < l.OrderedQty }

// POReceipt records that a part arrived on a purchase order.
type POReceipt struct {
	TenantID   uuid.UUID `json:"tenant_id"`
	PartID     uuid.UUID `json:"part_id"`
	ReceivedAt time.Time `json:"received_at"`
}

// Catalog is the read interface reconciliation depends on. Every method is
// tenant-scoped; implementations must never return another tenant's rows.
type Catalog interface {
	// Parts returns the tenant's parts together with the snapshot id the
	// read was served from.
	Parts(ctx context.Context, tenantID uuid.UUID) ([]PartRow, string, error)

	// OpenShoppingList returns approved lines with outstanding quantity.
	OpenShoppingList(ctx context.Context, tenantID uuid.UUID) ([]ShoppingListLine, error)

	// RecentPOs returns receipts at or after since.
	RecentPOs(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]POReceipt, error)
}
