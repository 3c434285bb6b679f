// Package commitment turns a verified session into inventory, finance, and
// audit state in one atomic step. Commit is exactly-once per session: the
// receiving event's session id is unique, and a retried commit on a committed
// session returns the existing event without side effects.
package commitment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/receiving/pkg/authctx"
	"github.com/harborline/receiving/pkg/faults"
	"github.com/harborline/receiving/pkg/session"
)

// LineSnapshot freezes one committed line inside the receiving event.
type LineSnapshot struct {
	LineNo          int        `json:"line_no"`
	PartID          *uuid.UUID `json:"part_id,omitempty"`
	QtyNum          int64      `json:"qty_num"`
	QtyDen          int64      `json:"qty_den"`
	Unit            string     `json:"unit"`
	Description     string     `json:"description"`
	VerifiedBy      uuid.UUID  `json:"verified_by"`
	UnitPriceMicros int64      `json:"unit_price_micros,omitempty"`
}

// ReceivingEvent is the immutable outcome of a commit.
type ReceivingEvent struct {
	EventID       uuid.UUID      `json:"event_id"`
	TenantID      uuid.UUID      `json:"tenant_id"`
	SessionID     uuid.UUID      `json:"session_id"`
	CommittedBy   uuid.UUID      `json:"committed_by"`
	CommittedAt   time.Time      `json:"committed_at"`
	LineCount     int            `json:"line_count"`
	LineSnapshots []LineSnapshot `json:"line_snapshots"`
}

// Engine is the commit contract. Implementations must be atomic and
// exactly-once per session.
type Engine interface {
	Commit(ctx context.Context, ac authctx.AuthContext, sessionID uuid.UUID) (*ReceivingEvent, error)
}

// gate validates the commit preconditions shared by every engine: actor
// capability, session state, at least one verified line, and the discrepancy
// evidence requirement. Returns the committable lines.
func gate(ac authctx.AuthContext, sess *session.Session, lines []session.DraftLine) ([]session.DraftLine, error) {
	if err := ac.Require(authctx.CapCommit); err != nil {
		return nil, err
	}
	if sess.State == session.StateCommitted {
		return nil, faults.New(faults.KindAlreadyCommitted, "session already committed")
	}
	if sess.State != session.StateVerifying {
		return nil, faults.Newf(faults.KindSessionStateViolation,
			"commit requires verifying state, session is %s", sess.State)
	}

	var committable []session.DraftLine
	verified := 0
	for _, l := range lines {
		if !l.Verified {
			continue
		}
		verified++
		if l.Discrepancy != nil {
			if !l.Discrepancy.Satisfied() {
				return nil, faults.Newf(faults.KindSessionStateViolation,
					"line %d discrepancy %q needs evidence before commit",
					l.LineNo, l.Discrepancy.Kind)
			}
			// Discrepant lines never touch inventory.
			continue
		}
		committable = append(committable, l)
	}
	if verified == 0 {
		return nil, faults.New(faults.KindSessionStateViolation,
			"commit requires at least one verified line")
	}
	return committable, nil
}

// snapshot freezes every verified line, discrepant ones included, so the
// event records what was actually on the dock.
func snapshot(lines []session.DraftLine, prices map[uuid.UUID]int64) []LineSnapshot {
	var out []LineSnapshot
	for _, l := range lines {
		if !l.Verified {
			continue
		}
		snap := LineSnapshot{
			LineNo:      l.LineNo,
			QtyNum:      l.Qty.Num,
			QtyDen:      l.Qty.Den,
			Unit:        string(l.Unit),
			Description: l.Description,
		}
		if l.VerifiedBy != nil {
			snap.VerifiedBy = *l.VerifiedBy
		}
		if partID, ok := l.ResolvedPartID(); ok {
			id := partID
			snap.PartID = &id
			snap.UnitPriceMicros = prices[partID]
		}
		out = append(out, snap)
	}
	return out
}
