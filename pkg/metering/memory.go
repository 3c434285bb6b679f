package metering

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryMeter implements Meter in memory for tests and single-node runs.
type MemoryMeter struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryMeter() *MemoryMeter {
	return &MemoryMeter{}
}

func (m *MemoryMeter) Record(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryMeter) RecordBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	for _, e := range events {
		if err := m.Record(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryMeter) GetUsage(_ context.Context, tenantID uuid.UUID, period Period) (*Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usage := &Usage{
		TenantID:   tenantID,
		Period:     period,
		Totals:     make(map[EventType]int64),
		LastUpdate: time.Now().UTC(),
	}
	for _, e := range m.events {
		if e.TenantID == tenantID && period.Contains(e.Timestamp) {
			usage.Totals[e.EventType] += e.Quantity
		}
	}
	return usage, nil
}

func (m *MemoryMeter) GetUsageByType(ctx context.Context, tenantID uuid.UUID, eventType EventType, period Period) (int64, error) {
	usage, err := m.GetUsage(ctx, tenantID, period)
	if err != nil {
		return 0, err
	}
	return usage.Totals[eventType], nil
}
