// Package finance covers the money side of receiving: the transaction rows a
// commit writes, spend reporting over them, and per-tenant budgets for model
// spend. All amounts are integer micro-USD; see costplan.MicrosPerUSD.
package finance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Txn is one committed finance row, keyed (event_id, line_no) so replays
// cannot double-book.
type Txn struct {
	EventID      uuid.UUID `json:"event_id"`
	LineNo       int       `json:"line_no"`
	TenantID     uuid.UUID `json:"tenant_id"`
	PartID       uuid.UUID `json:"part_id"`
	AmountMicros int64     `json:"amount_micros"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Ledger reads committed finance rows.
type Ledger interface {
	// TxnsForEvent returns the rows booked by one receiving event.
	TxnsForEvent(ctx context.Context, tenantID, eventID uuid.UUID) ([]Txn, error)

	// SpendBetween sums booked amounts for a tenant in [from, to).
	SpendBetween(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int64, error)
}

// FormatMicros renders a micro-USD amount as dollars, e.g. 1234500 -> "$1.2345".
func FormatMicros(m int64) string {
	sign := ""
	if m < 0 {
		sign = "-"
		m = -m
	}
	dollars := m / 1_000_000
	frac := m % 1_000_000
	if frac == 0 {
		return fmt.Sprintf("%s$%d.00", sign, dollars)
	}
	s := fmt.Sprintf("%s$%d.%06d", sign, dollars, frac)
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) >= 2 && s[len(s)-2] == '.' {
		s += "0"
	}
	return s
}
