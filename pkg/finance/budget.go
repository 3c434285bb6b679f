package finance

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WindowType scopes a budget to a calendar window.
type WindowType string

const (
	WindowDaily   WindowType = "daily"
	WindowMonthly WindowType = "monthly"
)

// Budget caps a tenant's model spend over a calendar window. Session caps in
// costplan bound one session; this bounds the tenant as a whole.
type Budget struct {
	TenantID    uuid.UUID  `json:"tenant_id"`
	Window      WindowType `json:"window"`
	LimitMicros int64      `json:"limit_micros"`
}

// Tracker answers whether a tenant can spend more and records what it spent.
// A tenant with no budget set is unlimited.
type Tracker interface {
	Check(tenantID uuid.UUID, amountMicros int64) (bool, error)
	Consume(tenantID uuid.UUID, amountMicros int64) error
}

// InMemoryTracker implements Tracker for tests and single-node runs.
type InMemoryTracker struct {
	mu      sync.Mutex
	budgets map[uuid.UUID]Budget
	spent   map[uuid.UUID]int64
	window  map[uuid.UUID]time.Time // start of the window spent was accumulated in
	clock   func() time.Time
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{
		budgets: make(map[uuid.UUID]Budget),
		spent:   make(map[uuid.UUID]int64),
		window:  make(map[uuid.UUID]time.Time),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for testing.
func (t *InMemoryTracker) WithClock(clock func() time.Time) *InMemoryTracker {
	t.clock = clock
	return t
}

// SetBudget registers or replaces a tenant's budget.
func (t *InMemoryTracker) SetBudget(b Budget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.budgets[b.TenantID] = b
}

// Check reports whether spending amountMicros more stays within budget.
func (t *InMemoryTracker) Check(tenantID uuid.UUID, amountMicros int64) (bool, error) {
	if amountMicros < 0 {
		return false, fmt.Errorf("finance: negative amount")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.budgets[tenantID]
	if !ok {
		return true, nil
	}
	t.rollWindow(tenantID, b)
	return t.spent[tenantID]+amountMicros <= b.LimitMicros, nil
}

// Consume records spend against the tenant's window. Overspend is recorded
// rather than rejected; the Check before the call is the gate.
func (t *InMemoryTracker) Consume(tenantID uuid.UUID, amountMicros int64) error {
	if amountMicros < 0 {
		return fmt.Errorf("finance: negative amount")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.budgets[tenantID]; ok {
		t.rollWindow(tenantID, b)
	}
	t.spent[tenantID] += amountMicros
	return nil
}

// rollWindow resets the accumulator when the calendar window has moved on.
// Callers hold the lock.
func (t *InMemoryTracker) rollWindow(tenantID uuid.UUID, b Budget) {
	start := windowStart(b.Window, t.clock())
	if t.window[tenantID] != start {
		t.window[tenantID] = start
		t.spent[tenantID] = 0
	}
}

func windowStart(w WindowType, now time.Time) time.Time {
	now = now.UTC()
	switch w {
	case WindowDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}
