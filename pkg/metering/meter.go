// Package metering records per-tenant usage of the receiving pipeline:
// ingestions, OCR pages, LLM tokens, model spend, and stored bytes. Usage
// accounting feeds billing; it is not a monitoring front-end.
package metering

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyTenantID    = errors.New("metering: tenant_id must not be empty")
	ErrNegativeQuantity = errors.New("metering: quantity must not be negative")
	ErrInvalidEventType = errors.New("metering: event_type must not be empty")
)

// EventType defines the type of metered event.
type EventType string

const (
	EventIngestion   EventType = "ingestion"    // one admitted artifact
	EventOCRPage     EventType = "ocr_page"     // one page through an engine
	EventLLMToken    EventType = "llm_token"    // tokens in + out
	EventSpendMicros EventType = "spend_micros" // model spend in micro-USD
	EventStorageByte EventType = "storage_byte" // blob bytes written
	EventCommit      EventType = "commit"       // one receiving event
)

// Event represents a single metered usage event.
type Event struct {
	TenantID  uuid.UUID      `json:"tenant_id"`
	EventType EventType      `json:"event_type"`
	Quantity  int64          `json:"quantity"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks that the event has valid fields.
func (e Event) Validate() error {
	if e.TenantID == uuid.Nil {
		return ErrEmptyTenantID
	}
	if e.Quantity < 0 {
		return ErrNegativeQuantity
	}
	if e.EventType == "" {
		return ErrInvalidEventType
	}
	return nil
}

// Period defines a time range for usage aggregation.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// DailyPeriod returns a Period for the day containing now.
func DailyPeriod(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.Add(24 * time.Hour)}
}

// MonthlyPeriod returns a Period for the month containing now.
func MonthlyPeriod(now time.Time) Period {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Usage contains aggregated usage for a tenant.
type Usage struct {
	TenantID   uuid.UUID
	Period     Period
	Totals     map[EventType]int64
	LastUpdate time.Time
}

// Meter is the interface for recording and querying usage.
type Meter interface {
	// Record stores a usage event.
	Record(ctx context.Context, event Event) error

	// RecordBatch stores multiple events atomically.
	RecordBatch(ctx context.Context, events []Event) error

	// GetUsage retrieves aggregated usage for a tenant in a period.
	GetUsage(ctx context.Context, tenantID uuid.UUID, period Period) (*Usage, error)

	// GetUsageByType retrieves usage for a specific event type.
	GetUsageByType(ctx context.Context, tenantID uuid.UUID, eventType EventType, period Period) (int64, error)
}
