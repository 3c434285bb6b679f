package artifact

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-node deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]map[uuid.UUID]*Artifact // tenant -> artifact id
	byOrder map[uuid.UUID][]*Artifact             // tenant -> upload order
}

// NewMemoryStore creates an empty in-memory artifact index.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[uuid.UUID]map[uuid.UUID]*Artifact),
		byOrder: make(map[uuid.UUID][]*Artifact),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, a *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.byOrder[a.TenantID] {
		if !existing.Deleted() && existing.ContentHash == a.ContentHash {
			return ErrDuplicateHash
		}
	}

	cp := *a
	if s.byID[a.TenantID] == nil {
		s.byID[a.TenantID] = make(map[uuid.UUID]*Artifact)
	}
	s.byID[a.TenantID][a.ArtifactID] = &cp
	s.byOrder[a.TenantID] = append(s.byOrder[a.TenantID], &cp)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, tenantID, artifactID uuid.UUID) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[tenantID][artifactID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) FindByHash(ctx context.Context, tenantID uuid.UUID, contentHash string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.byOrder[tenantID] {
		if !a.Deleted() && a.ContentHash == contentHash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CountSince(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	var oldest time.Time
	for _, a := range s.byOrder[tenantID] {
		if a.Deleted() || a.UploadedAt.Before(since) {
			continue
		}
		n++
		if oldest.IsZero() || a.UploadedAt.Before(oldest) {
			oldest = a.UploadedAt
		}
	}
	return n, oldest, nil
}

func (s *MemoryStore) SoftDelete(ctx context.Context, tenantID, artifactID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[tenantID][artifactID]
	if !ok {
		return ErrNotFound
	}
	if a.DeletedAt == nil {
		now := time.Now().UTC()
		a.DeletedAt = &now
	}
	return nil
}
