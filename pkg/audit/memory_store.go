package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/harborline/receiving/pkg/canonical"
)

// MemoryStore keeps per-tenant chains in memory. Appends serialise on one
// mutex, which also provides the per-tenant chain lock.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[uuid.UUID][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[uuid.UUID][]Entry)}
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chains[e.TenantID]
	prev := canonical.ZeroHash
	if n := len(chain); n > 0 {
		prev = chain[n-1].EntryHash
	}
	if err := Seal(e, prev); err != nil {
		return err
	}
	e.Seq = int64(len(chain)) + 1
	m.chains[e.TenantID] = append(chain, *e)
	return nil
}

func (m *MemoryStore) Entries(_ context.Context, tenantID uuid.UUID) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[tenantID]
	out := make([]Entry, len(chain))
	copy(out, chain)
	return out, nil
}

func (m *MemoryStore) Latest(_ context.Context, tenantID uuid.UUID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := m.chains[tenantID]
	if len(chain) == 0 {
		return canonical.ZeroHash, nil
	}
	return chain[len(chain)-1].EntryHash, nil
}
