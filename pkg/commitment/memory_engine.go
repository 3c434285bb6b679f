package commitment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/receiving/pkg/audit"
	"github.com/harborline/receiving/pkg/authctx"
	"github.com/harborline/receiving/pkg/faults"
	"github.com/harborline/receiving/pkg/session"
)

// MemoryEngine commits against in-memory inventory and finance state. One
// mutex serialises commits, which is the same guarantee the database engine
// gets from row locks. Used by tests and single-node runs.
type MemoryEngine struct {
	mu       sync.Mutex
	sessions session.Store
	audit    audit.Appender
	now      func() time.Time

	events    map[uuid.UUID]*ReceivingEvent // session_id -> event
	inventory map[invKey]float64
	finance   map[finKey]int64
	prices    map[uuid.UUID]int64
}

type invKey struct {
	tenantID uuid.UUID
	partID   uuid.UUID
}

type finKey struct {
	eventID uuid.UUID
	lineNo  int
}

func NewMemoryEngine(sessions session.Store, auditLog audit.Appender) *MemoryEngine {
	return &MemoryEngine{
		sessions:  sessions,
		audit:     auditLog,
		now:       time.Now,
		events:    make(map[uuid.UUID]*ReceivingEvent),
		inventory: make(map[invKey]float64),
		finance:   make(map[finKey]int64),
		prices:    make(map[uuid.UUID]int64),
	}
}

// WithClock overrides the clock for tests.
func (e *MemoryEngine) WithClock(now func() time.Time) *MemoryEngine {
	e.now = now
	return e
}

// SetPrice registers a unit price for finance rows.
func (e *MemoryEngine) SetPrice(partID uuid.UUID, unitPriceMicros int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[partID] = unitPriceMicros
}

// OnHand reports current stock for a part.
func (e *MemoryEngine) OnHand(tenantID, partID uuid.UUID) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inventory[invKey{tenantID, partID}]
}

func (e *MemoryEngine) Commit(ctx context.Context, ac authctx.AuthContext, sessionID uuid.UUID) (*ReceivingEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Idempotent replay: the first committed event wins for life.
	if ev, ok := e.events[sessionID]; ok && ev.TenantID == ac.TenantID {
		return ev, faults.New(faults.KindAlreadyCommitted, "session already committed")
	}

	sess, err := e.sessions.Get(ctx, ac.TenantID, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, faults.New(faults.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, faults.Internal(err)
	}

	lines, err := e.sessions.Lines(ctx, ac.TenantID, sessionID)
	if err != nil {
		return nil, faults.Internal(err)
	}

	committable, err := gate(ac, sess, lines)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	event := &ReceivingEvent{
		EventID:       uuid.New(),
		TenantID:      ac.TenantID,
		SessionID:     sessionID,
		CommittedBy:   ac.UserID,
		CommittedAt:   now,
		LineSnapshots: snapshot(lines, e.prices),
	}
	event.LineCount = len(event.LineSnapshots)

	// Apply inventory and finance effects. In-memory state has no partial
	// failure modes past this point.
	for _, l := range committable {
		partID, ok := l.ResolvedPartID()
		if !ok {
			continue
		}
		e.inventory[invKey{ac.TenantID, partID}] += l.Qty.Value()
		if price := e.prices[partID]; price > 0 {
			e.finance[finKey{event.EventID, l.LineNo}] = int64(l.Qty.Value() * float64(price))
		}
	}

	sess.CommittedAt = &now
	sess.CommittedBy = &ac.UserID
	if !sess.Transition(session.StateCommitted, now) {
		return nil, faults.Newf(faults.KindSessionStateViolation,
			"illegal transition %s -> committed", sess.State)
	}
	if err := e.sessions.Update(ctx, sess); err != nil {
		return nil, faults.Internal(err)
	}

	e.events[sessionID] = event
	e.appendAudit(ctx, ac, event)
	return event, nil
}

func (e *MemoryEngine) appendAudit(ctx context.Context, ac authctx.AuthContext, event *ReceivingEvent) {
	if e.audit == nil {
		return
	}
	body, err := json.Marshal(map[string]any{
		"event_id":   event.EventID.String(),
		"session_id": event.SessionID.String(),
		"line_count": event.LineCount,
	})
	if err != nil {
		return
	}
	_ = e.audit.Append(ctx, &audit.Entry{
		TenantID:   ac.TenantID,
		ActorID:    ac.UserID,
		Action:     audit.ActionSessionCommitted,
		Target:     "session:" + event.SessionID.String(),
		Body:       body,
		RecordedAt: event.CommittedAt,
	})
}
