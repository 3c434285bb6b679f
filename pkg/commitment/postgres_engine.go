package commitment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/harborline/receiving/pkg/audit"
	"github.com/harborline/receiving/pkg/authctx"
	"github.com/harborline/receiving/pkg/faults"
	"github.com/harborline/receiving/pkg/session"
)

// Serialisation failures retry with jitter; anything else aborts.
const (
	commitRetries     = 3
	commitTimeout     = 10 * time.Second
	pqSerialisation   = "40001"
	pqUniqueViolation = "23505"
)

// PostgresEngine runs the commit as one serialisable transaction: session
// lock, event insert, guarded inventory updates, finance rows, shopping-list
// updates, session flip, audit append. Partial failure rolls everything back.
type PostgresEngine struct {
	db       *sql.DB
	sessions *session.PostgresStore
	audit    *audit.PostgresStore
	now      func() time.Time
	log      *slog.Logger
}

func NewPostgresEngine(db *sql.DB, sessions *session.PostgresStore, auditStore *audit.PostgresStore, log *slog.Logger) *PostgresEngine {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresEngine{
		db:       db,
		sessions: sessions,
		audit:    auditStore,
		now:      time.Now,
		log:      log.With("component", "commitment"),
	}
}

// WithClock overrides the clock for tests.
func (e *PostgresEngine) WithClock(now func() time.Time) *PostgresEngine {
	e.now = now
	return e
}

const commitSchema = `
CREATE TABLE IF NOT EXISTS receiving_events (
	event_id UUID PRIMARY KEY,
	tenant_id UUID NOT NULL,
	session_id UUID NOT NULL UNIQUE,
	committed_by UUID NOT NULL,
	committed_at TIMESTAMPTZ NOT NULL,
	line_count INT NOT NULL,
	line_snapshots JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS inventory (
	tenant_id UUID NOT NULL,
	part_id UUID NOT NULL,
	on_hand_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, part_id),
	CHECK (on_hand_qty >= 0)
);
CREATE TABLE IF NOT EXISTS finance_txns (
	event_id UUID NOT NULL,
	line_no INT NOT NULL,
	tenant_id UUID NOT NULL,
	part_id UUID NOT NULL,
	amount_micros BIGINT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (event_id, line_no)
);
`

// Init creates the commit-side tables.
func (e *PostgresEngine) Init(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, commitSchema)
	return err
}

func (e *PostgresEngine) Commit(ctx context.Context, ac authctx.AuthContext, sessionID uuid.UUID) (*ReceivingEvent, error) {
	if err := ac.Require(authctx.CapCommit); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < commitRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(100 * time.Millisecond)))
			select {
			case <-time.After(time.Duration(attempt)*200*time.Millisecond + jitter):
			case <-ctx.Done():
				return nil, faults.Wrap(faults.KindConflict, "commit cancelled during retry", ctx.Err())
			}
		}

		event, err := e.commitOnce(ctx, ac, sessionID)
		if err == nil || !isSerialisationFailure(err) {
			return event, err
		}
		e.log.Warn("commit serialisation conflict, retrying",
			"session_id", sessionID, "attempt", attempt+1)
		lastErr = err
	}
	return nil, faults.Wrap(faults.KindConflict, "commit kept conflicting, retry later", lastErr)
}

func (e *PostgresEngine) commitOnce(ctx context.Context, ac authctx.AuthContext, sessionID uuid.UUID) (*ReceivingEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, faults.Internal(err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := e.sessions.GetForUpdateTx(ctx, tx, ac.TenantID, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, faults.New(faults.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, faults.Internal(err)
	}

	// Idempotent replay path: return the recorded event, no side effects.
	if sess.State == session.StateCommitted {
		event, err := e.eventBySessionTx(ctx, tx, ac.TenantID, sessionID)
		if err != nil {
			return nil, err
		}
		return event, faults.New(faults.KindAlreadyCommitted, "session already committed")
	}

	lines, err := e.sessions.LinesTx(ctx, tx, ac.TenantID, sessionID)
	if err != nil {
		return nil, faults.Internal(err)
	}

	committable, err := gate(ac, sess, lines)
	if err != nil {
		return nil, err
	}

	prices, err := e.pricesTx(ctx, tx, ac.TenantID, committable)
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
		LineSnapshots: snapshot(lines, prices),
	}
	event.LineCount = len(event.LineSnapshots)

	snapshots, err := json.Marshal(event.LineSnapshots)
	if err != nil {
		return nil, faults.Internal(err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO receiving_events (event_id, tenant_id, session_id, committed_by,
			committed_at, line_count, line_snapshots)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.EventID, event.TenantID, event.SessionID, event.CommittedBy,
		event.CommittedAt, event.LineCount, snapshots); err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent commit that slipped past the
			// state check; surface as a retryable conflict.
			return nil, faults.Wrap(faults.KindConflict, "concurrent commit", err)
		}
		return nil, faults.Internal(err)
	}

	for _, l := range committable {
		partID, ok := l.ResolvedPartID()
		if !ok {
			continue
		}
		qty := l.Qty.Value()

		if err := e.addStockTx(ctx, tx, ac.TenantID, partID, qty); err != nil {
			return nil, err
		}
		if price := prices[partID]; price > 0 {
			amount := int64(qty * float64(price))
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO finance_txns (event_id, line_no, tenant_id, part_id, amount_micros, recorded_at)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, event.EventID, l.LineNo, ac.TenantID, partID, amount, now); err != nil {
				return nil, faults.Internal(err)
			}
		}
		if err := e.fulfilShoppingListTx(ctx, tx, ac.TenantID, partID, qty); err != nil {
			return nil, err
		}
	}

	if err := e.sessions.MarkCommittedTx(ctx, tx, ac.TenantID, sessionID, ac.UserID, now); err != nil {
		return nil, faults.Wrap(faults.KindConflict, "session state moved during commit", err)
	}

	body, err := json.Marshal(map[string]any{
		"event_id":   event.EventID.String(),
		"session_id": sessionID.String(),
		"line_count": event.LineCount,
	})
	if err != nil {
		return nil, faults.Internal(err)
	}
	if err := e.audit.AppendTx(ctx, tx, &audit.Entry{
		TenantID:   ac.TenantID,
		ActorID:    ac.UserID,
		Action:     audit.ActionSessionCommitted,
		Target:     "session:" + sessionID.String(),
		Body:       body,
		RecordedAt: now,
	}); err != nil {
		return nil, faults.Internal(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, faults.Internal(err)
	}
	return event, nil
}

// addStockTx increments on-hand stock, creating the row on first receipt.
func (e *PostgresEngine) addStockTx(ctx context.Context, tx *sql.Tx, tenantID, partID uuid.UUID, qty float64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inventory (tenant_id, part_id, on_hand_qty)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, part_id)
		DO UPDATE SET on_hand_qty = inventory.on_hand_qty + EXCLUDED.on_hand_qty
	`, tenantID, partID, qty)
	if err != nil {
		return faults.Internal(fmt.Errorf("inventory add failed: %w", err))
	}
	return nil
}

// DeductStockTx is the guarded decrement for return and consumption paths.
// The single-statement condition makes check and act atomic: zero rows means
// the deduction would have gone negative.
func (e *PostgresEngine) DeductStockTx(ctx context.Context, tx *sql.Tx, tenantID, partID uuid.UUID, qty float64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE inventory SET on_hand_qty = on_hand_qty - $1
		WHERE tenant_id = $2 AND part_id = $3 AND on_hand_qty >= $1
	`, qty, tenantID, partID)
	if err != nil {
		return faults.Internal(fmt.Errorf("inventory deduct failed: %w", err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return faults.Newf(faults.KindInsufficientStock,
			"part %s has less than %g on hand", partID, qty)
	}
	return nil
}

// fulfilShoppingListTx applies received quantity to the oldest open approved
// shopping-list line for the part, closing it when fulfilled.
func (e *PostgresEngine) fulfilShoppingListTx(ctx context.Context, tx *sql.Tx, tenantID, partID uuid.UUID, qty float64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE shopping_list_lines
		SET received_qty = LEAST(ordered_qty, received_qty + $1)
		WHERE line_id = (
			SELECT line_id FROM shopping_list_lines
			WHERE tenant_id = $2 AND part_id = $3 AND approved
				AND received_qty < ordered_qty
			ORDER BY line_id
			LIMIT 1
			FOR UPDATE
		)
	`, qty, tenantID, partID)
	if err != nil {
		return faults.Internal(fmt.Errorf("shopping list update failed: %w", err))
	}
	return nil
}

// pricesTx reads unit prices for the parts about to commit.
func (e *PostgresEngine) pricesTx(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, lines []session.DraftLine) (map[uuid.UUID]int64, error) {
	ids := make([]uuid.UUID, 0, len(lines))
	seen := make(map[uuid.UUID]bool)
	for _, l := range lines {
		if partID, ok := l.ResolvedPartID(); ok && !seen[partID] {
			seen[partID] = true
			ids = append(ids, partID)
		}
	}
	prices := make(map[uuid.UUID]int64, len(ids))
	if len(ids) == 0 {
		return prices, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT part_id, unit_price_micros FROM parts
		WHERE tenant_id = $1 AND part_id = ANY($2)
	`, tenantID, pq.Array(ids))
	if err != nil {
		return nil, faults.Internal(fmt.Errorf("price read failed: %w", err))
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id uuid.UUID
		var price int64
		if err := rows.Scan(&id, &price); err != nil {
			return nil, faults.Internal(err)
		}
		prices[id] = price
	}
	return prices, rows.Err()
}

func (e *PostgresEngine) eventBySessionTx(ctx context.Context, tx *sql.Tx, tenantID, sessionID uuid.UUID) (*ReceivingEvent, error) {
	var event ReceivingEvent
	var snapshots []byte
	err := tx.QueryRowContext(ctx, `
		SELECT event_id, tenant_id, session_id, committed_by, committed_at,
			line_count, line_snapshots
		FROM receiving_events WHERE tenant_id = $1 AND session_id = $2
	`, tenantID, sessionID).Scan(&event.EventID, &event.TenantID, &event.SessionID,
		&event.CommittedBy, &event.CommittedAt, &event.LineCount, &snapshots)
	if err != nil {
		return nil, faults.Internal(fmt.Errorf("event lookup failed: %w", err))
	}
	if err := json.Unmarshal(snapshots, &event.LineSnapshots); err != nil {
		return nil, faults.Internal(err)
	}
	return &event, nil
}

func isSerialisationFailure(err error) bool {
	if faults.Is(err, faults.KindConflict) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqSerialisation
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}
