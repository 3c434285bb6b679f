package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-node runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session              // session_id -> session
	lines    map[uuid.UUID][]DraftLine           // session_id -> lines in line_no order
	byLine   map[uuid.UUID]uuid.UUID             // line_id -> session_id
	tenants  map[uuid.UUID]map[uuid.UUID]struct{} // tenant_id -> session ids
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*Session),
		lines:    make(map[uuid.UUID][]DraftLine),
		byLine:   make(map[uuid.UUID]uuid.UUID),
		tenants:  make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := cloneSession(s)
	cp.Revision = 1
	m.sessions[s.SessionID] = cp
	if m.tenants[s.TenantID] == nil {
		m.tenants[s.TenantID] = make(map[uuid.UUID]struct{})
	}
	m.tenants[s.TenantID][s.SessionID] = struct{}{}
	s.Revision = 1
	return nil
}

func (m *MemoryStore) Get(_ context.Context, tenantID, sessionID uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(tenantID, sessionID)
}

func (m *MemoryStore) getLocked(tenantID, sessionID uuid.UUID) (*Session, error) {
	s, ok := m.sessions[sessionID]
	if !ok || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.SessionID]
	if !ok || cur.TenantID != s.TenantID {
		return ErrNotFound
	}
	if cur.Revision != s.Revision {
		return ErrStale
	}
	cp := cloneSession(s)
	cp.Revision = cur.Revision + 1
	m.sessions[s.SessionID] = cp
	s.Revision = cp.Revision
	return nil
}

func (m *MemoryStore) AppendLines(_ context.Context, tenantID, sessionID uuid.UUID, lines []DraftLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.TenantID != tenantID {
		return ErrNotFound
	}

	next := len(m.lines[sessionID]) + 1
	for i := range lines {
		lines[i].SessionID = sessionID
		lines[i].LineNo = next
		next++
		m.lines[sessionID] = append(m.lines[sessionID], lines[i])
		m.byLine[lines[i].LineID] = sessionID
	}
	return nil
}

func (m *MemoryStore) Lines(_ context.Context, tenantID, sessionID uuid.UUID) ([]DraftLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	out := make([]DraftLine, len(m.lines[sessionID]))
	copy(out, m.lines[sessionID])
	return out, nil
}

func (m *MemoryStore) GetLine(_ context.Context, tenantID, lineID uuid.UUID) (*DraftLine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessionID, ok := m.byLine[lineID]
	if !ok {
		return nil, ErrNotFound
	}
	s := m.sessions[sessionID]
	if s == nil || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	for _, l := range m.lines[sessionID] {
		if l.LineID == lineID {
			cp := l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateLine(_ context.Context, tenantID uuid.UUID, line *DraftLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, ok := m.byLine[line.LineID]
	if !ok {
		return ErrNotFound
	}
	s := m.sessions[sessionID]
	if s == nil || s.TenantID != tenantID {
		return ErrNotFound
	}
	for i, l := range m.lines[sessionID] {
		if l.LineID == line.LineID {
			m.lines[sessionID][i] = *line
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) IdleSince(_ context.Context, cutoff time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Session
	for _, s := range m.sessions {
		if !s.State.Terminal() && s.UpdatedAt.Before(cutoff) {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func cloneSession(s *Session) *Session {
	cp := *s
	cp.ArtifactIDs = append([]uuid.UUID(nil), s.ArtifactIDs...)
	cp.PlannerDecisions = append([]PlannerDecision(nil), s.PlannerDecisions...)
	return &cp
}
