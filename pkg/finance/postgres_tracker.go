package finance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresTracker implements Tracker against postgres so tenant budgets
// survive restarts and bind across replicas. Spend accumulates per calendar
// window; stale windows are left behind rather than reset.
type PostgresTracker struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresTracker(db *sql.DB) *PostgresTracker {
	return &PostgresTracker{db: db, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (t *PostgresTracker) WithClock(clock func() time.Time) *PostgresTracker {
	t.clock = clock
	return t
}

func (t *PostgresTracker) Init(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tenant_budgets (
			tenant_id    UUID PRIMARY KEY,
			window_type  TEXT NOT NULL,
			limit_micros BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS tenant_spend (
			tenant_id    UUID NOT NULL,
			window_start TIMESTAMPTZ NOT NULL,
			spent_micros BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, window_start)
		)
	`)
	if err != nil {
		return fmt.Errorf("finance: init tracker schema: %w", err)
	}
	return nil
}

// SetBudget registers or replaces a tenant's budget.
func (t *PostgresTracker) SetBudget(ctx context.Context, b Budget) error {
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO tenant_budgets (tenant_id, window_type, limit_micros)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE
		SET window_type = EXCLUDED.window_type, limit_micros = EXCLUDED.limit_micros
	`, b.TenantID, string(b.Window), b.LimitMicros)
	if err != nil {
		return fmt.Errorf("finance: set budget: %w", err)
	}
	return nil
}

// Check reports whether spending amountMicros more stays within budget. A
// tenant with no budget row is unlimited.
func (t *PostgresTracker) Check(tenantID uuid.UUID, amountMicros int64) (bool, error) {
	if amountMicros < 0 {
		return false, fmt.Errorf("finance: negative amount")
	}

	var window string
	var limit int64
	err := t.db.QueryRow(`
		SELECT window_type, limit_micros FROM tenant_budgets WHERE tenant_id = $1
	`, tenantID).Scan(&window, &limit)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("finance: load budget: %w", err)
	}

	var spent int64
	err = t.db.QueryRow(`
		SELECT spent_micros FROM tenant_spend WHERE tenant_id = $1 AND window_start = $2
	`, tenantID, windowStart(WindowType(window), t.clock())).Scan(&spent)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("finance: load spend: %w", err)
	}
	return spent+amountMicros <= limit, nil
}

// Consume records spend against the tenant's current window. Overspend is
// recorded rather than rejected; the Check before the call is the gate.
func (t *PostgresTracker) Consume(tenantID uuid.UUID, amountMicros int64) error {
	if amountMicros < 0 {
		return fmt.Errorf("finance: negative amount")
	}

	window := WindowMonthly
	var wt string
	err := t.db.QueryRow(`
		SELECT window_type FROM tenant_budgets WHERE tenant_id = $1
	`, tenantID).Scan(&wt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// No budget set: spend is still recorded for reporting.
	case err != nil:
		return fmt.Errorf("finance: load budget: %w", err)
	default:
		window = WindowType(wt)
	}

	_, err = t.db.Exec(`
		INSERT INTO tenant_spend (tenant_id, window_start, spent_micros)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, window_start) DO UPDATE
		SET spent_micros = tenant_spend.spent_micros + EXCLUDED.spent_micros
	`, tenantID, windowStart(window, t.clock()), amountMicros)
	if err != nil {
		return fmt.Errorf("finance: record spend: %w", err)
	}
	return nil
}
