package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryCatalog is an in-memory Catalog for tests and single-node runs. The
// snapshot id is a revision counter bumped on every mutation.
type MemoryCatalog struct {
	mu       sync.RWMutex
	revision uint64
	parts    map[uuid.UUID][]PartRow
	shopping map[uuid.UUID][]ShoppingListLine
	pos      map[uuid.UUID][]POReceipt
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		parts:    make(map[uuid.UUID][]PartRow),
		shopping: make(map[uuid.UUID][]ShoppingListLine),
		pos:      make(map[uuid.UUID][]POReceipt),
	}
}

// AddPart registers a part for its tenant.
func (c *MemoryCatalog) AddPart(p PartRow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revision++
	c.parts[p.TenantID] = append(c.parts[p.TenantID], p)
}

// AddShoppingListLine registers an approved shopping-list line.
func (c *MemoryCatalog) AddShoppingListLine(l ShoppingListLine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revision++
	c.shopping[l.TenantID] = append(c.shopping[l.TenantID], l)
}

// AddPOReceipt registers a received purchase order line.
func (c *MemoryCatalog) AddPOReceipt(r POReceipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revision++
	c.pos[r.TenantID] = append(c.pos[r.TenantID], r)
}

func (c *MemoryCatalog) Parts(_ context.Context, tenantID uuid.UUID) ([]PartRow, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rows := c.parts[tenantID]
	out := make([]PartRow, len(rows))
	copy(out, rows)
	return out, fmt.Sprintf("mem-%d", c.revision), nil
}

func (c *MemoryCatalog) OpenShoppingList(_ context.Context, tenantID uuid.UUID) ([]ShoppingListLine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []ShoppingListLine
	for _, l := range c.shopping[tenantID] {
		if l.Outstanding() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *MemoryCatalog) RecentPOs(_ context.Context, tenantID uuid.UUID, since time.Time) ([]POReceipt, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []POReceipt
	for _, r := range c.pos[tenantID] {
		if !r.ReceivedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}
