package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/receiving/pkg/audit"
	"github.com/harborline/receiving/pkg/authctx"
	"github.com/harborline/receiving/pkg/faults"
)

// DefaultIdleTTL is how long a session may sit untouched before the sweeper
// abandons it.
const DefaultIdleTTL = 72 * time.Hour

// updateRetries bounds optimistic-lock retries on the session row.
const updateRetries = 3

// Service applies user-driven session operations: verification, overrides,
// discrepancies, and abandonment. Commit belongs to the commit engine.
type Service struct {
	store Store
	audit audit.Appender
	now   func() time.Time
	log   *slog.Logger
}

func NewService(store Store, auditLog audit.Appender, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store: store,
		audit: auditLog,
		now:   time.Now,
		log:   log.With("component", "session"),
	}
}

// WithClock overrides the clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get fetches a session under the caller's tenant. Cross-tenant lookups are
// answered as-if-not-exists.
func (s *Service) Get(ctx context.Context, ac authctx.AuthContext, sessionID uuid.UUID) (*Session, error) {
	if err := ac.Require(authctx.CapUpload); err != nil {
		return nil, err
	}
	sess, err := s.store.Get(ctx, ac.TenantID, sessionID)
	if errors.Is(err, ErrNotFound) {
		return nil, faults.New(faults.KindNotFound, "session not found")
	}
	if err != nil {
		return nil, faults.Internal(err)
	}
	return sess, nil
}

// Lines returns a session's draft lines in line_no order.
func (s *Service) Lines(ctx context.Context, ac authctx.AuthContext, sessionID uuid.UUID) ([]DraftLine, error) {
	if _, err := s.Get(ctx, ac, sessionID); err != nil {
		return nil, err
	}
	lines, err := s.store.Lines(ctx, ac.TenantID, sessionID)
	if err != nil {
		return nil, faults.Internal(err)
	}
	return lines, nil
}

// VerifyLine marks a draft line verified, optionally overriding the matched
// part. The first verification moves the session from draft to verifying.
func (s *Service) VerifyLine(ctx context.Context, ac authctx.AuthContext, lineID uuid.UUID, overridePartID *uuid.UUID) (*DraftLine, error) {
	if err := ac.Require(authctx.CapVerify); err != nil {
		return nil, err
	}

	line, err := s.store.GetLine(ctx, ac.TenantID, lineID)
	if errors.Is(err, ErrNotFound) {
		return nil, faults.New(faults.KindNotFound, "draft line not found")
	}
	if err != nil {
		return nil, faults.Internal(err)
	}

	sess, err := s.store.Get(ctx, ac.TenantID, line.SessionID)
	if err != nil {
		return nil, faults.Internal(err)
	}
	if sess.State.Terminal() {
		return nil, faults.Newf(faults.KindSessionStateViolation,
			"cannot verify line in %s session", sess.State)
	}

	now := s.now().UTC()
	line.Verified = true
	line.VerifiedBy = &ac.UserID
	line.VerifiedAt = &now
	line.OverridePartID = overridePartID
	if err := s.store.UpdateLine(ctx, ac.TenantID, line); err != nil {
		return nil, faults.Internal(err)
	}

	if sess.State == StateDraft {
		if err := s.transition(ctx, sess, StateVerifying); err != nil {
			return nil, err
		}
	} else if err := s.touch(ctx, sess); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, ac, audit.ActionLineVerified, "line:"+lineID.String(), map[string]any{
		"session_id": line.SessionID.String(),
		"line_no":    line.LineNo,
	})
	return line, nil
}

// FlagDiscrepancy records a discrepancy on a line. Evidence for damaged and
// missing kinds is enforced at commit, not here, so crews can flag first and
// photograph after.
func (s *Service) FlagDiscrepancy(ctx context.Context, ac authctx.AuthContext, lineID uuid.UUID, d Discrepancy) (*DraftLine, error) {
	if err := ac.Require(authctx.CapVerify); err != nil {
		return nil, err
	}
	switch d.Kind {
	case DiscrepancyDamaged, DiscrepancyMissing, DiscrepancyWrongItem, DiscrepancyExcess, DiscrepancyShort:
	default:
		return nil, faults.Newf(faults.KindSessionStateViolation, "unknown discrepancy kind %q", d.Kind)
	}

	line, err := s.store.GetLine(ctx, ac.TenantID, lineID)
	if errors.Is(err, ErrNotFound) {
		return nil, faults.New(faults.KindNotFound, "draft line not found")
	}
	if err != nil {
		return nil, faults.Internal(err)
	}

	sess, err := s.store.Get(ctx, ac.TenantID, line.SessionID)
	if err != nil {
		return nil, faults.Internal(err)
	}
	if sess.State.Terminal() {
		return nil, faults.Newf(faults.KindSessionStateViolation,
			"cannot flag discrepancy in %s session", sess.State)
	}

	line.Discrepancy = &d
	if err := s.store.UpdateLine(ctx, ac.TenantID, line); err != nil {
		return nil, faults.Internal(err)
	}
	if err := s.touch(ctx, sess); err != nil {
		return nil, err
	}
	return line, nil
}

// AttachEvidence adds evidence artifacts to an existing discrepancy.
func (s *Service) AttachEvidence(ctx context.Context, ac authctx.AuthContext, lineID uuid.UUID, artifactIDs ...uuid.UUID) (*DraftLine, error) {
	if err := ac.Require(authctx.CapVerify); err != nil {
		return nil, err
	}
	line, err := s.store.GetLine(ctx, ac.TenantID, lineID)
	if errors.Is(err, ErrNotFound) {
		return nil, faults.New(faults.KindNotFound, "draft line not found")
	}
	if err != nil {
		return nil, faults.Internal(err)
	}
	if line.Discrepancy == nil {
		return nil, faults.New(faults.KindSessionStateViolation, "line has no discrepancy to evidence")
	}

	line.Discrepancy.EvidenceArtifactIDs = append(line.Discrepancy.EvidenceArtifactIDs, artifactIDs...)
	if err := s.store.UpdateLine(ctx, ac.TenantID, line); err != nil {
		return nil, faults.Internal(err)
	}
	return line, nil
}

// Abandon cancels a session explicitly.
func (s *Service) Abandon(ctx context.Context, ac authctx.AuthContext, sessionID uuid.UUID) error {
	if err := ac.Require(authctx.CapVerify); err != nil {
		return err
	}
	sess, err := s.store.Get(ctx, ac.TenantID, sessionID)
	if errors.Is(err, ErrNotFound) {
		return faults.New(faults.KindNotFound, "session not found")
	}
	if err != nil {
		return faults.Internal(err)
	}
	if err := s.abandon(ctx, sess); err != nil {
		return err
	}

	s.appendAudit(ctx, ac, audit.ActionSessionAbandoned, "session:"+sessionID.String(), map[string]any{
		"reason": "cancelled",
	})
	return nil
}

// SweepIdle abandons non-terminal sessions untouched for longer than ttl and
// returns how many it closed. The pipeline runs this periodically.
func (s *Service) SweepIdle(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := s.now().Add(-ttl)
	idle, err := s.store.IdleSince(ctx, cutoff)
	if err != nil {
		return 0, faults.Internal(err)
	}

	n := 0
	for _, sess := range idle {
		if err := s.abandon(ctx, sess); err != nil {
			s.log.Warn("idle sweep failed for session",
				"session_id", sess.SessionID, "error", err)
			continue
		}
		n++
		s.appendAudit(ctx, authctx.AuthContext{
			TenantID: sess.TenantID,
			UserID:   sess.CreatedBy,
			Role:     authctx.RoleService,
		}, audit.ActionSessionAbandoned, "session:"+sess.SessionID.String(), map[string]any{
			"reason": "idle_ttl",
		})
	}
	if n > 0 {
		s.log.Info("abandoned idle sessions", "count", n)
	}
	return n, nil
}

func (s *Service) abandon(ctx context.Context, sess *Session) error {
	return s.retryUpdate(ctx, sess, func(cur *Session) error {
		if cur.State.Terminal() {
			return faults.Newf(faults.KindSessionStateViolation,
				"cannot abandon %s session", cur.State)
		}
		cur.Transition(StateAbandoned, s.now().UTC())
		return nil
	})
}

func (s *Service) transition(ctx context.Context, sess *Session, to State) error {
	return s.retryUpdate(ctx, sess, func(cur *Session) error {
		if cur.State == to {
			return nil
		}
		if !cur.Transition(to, s.now().UTC()) {
			return faults.Newf(faults.KindSessionStateViolation,
				"illegal transition %s -> %s", cur.State, to)
		}
		return nil
	})
}

func (s *Service) touch(ctx context.Context, sess *Session) error {
	return s.retryUpdate(ctx, sess, func(cur *Session) error {
		cur.UpdatedAt = s.now().UTC()
		return nil
	})
}

// retryUpdate reloads and reapplies a mutation on optimistic-lock conflicts.
func (s *Service) retryUpdate(ctx context.Context, sess *Session, mutate func(*Session) error) error {
	cur := sess
	for attempt := 0; attempt < updateRetries; attempt++ {
		if err := mutate(cur); err != nil {
			return err
		}
		err := s.store.Update(ctx, cur)
		if err == nil {
			*sess = *cur
			return nil
		}
		if !errors.Is(err, ErrStale) {
			return faults.Internal(err)
		}
		cur, err = s.store.Get(ctx, sess.TenantID, sess.SessionID)
		if err != nil {
			return faults.Internal(err)
		}
	}
	return faults.New(faults.KindConflict, "session update contended, retry")
}

func (s *Service) appendAudit(ctx context.Context, ac authctx.AuthContext, action, target string, body map[string]any) {
	if s.audit == nil {
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		s.log.Error("audit body marshal failed", "action", action, "error", err)
		return
	}
	entry := &audit.Entry{
		TenantID:   ac.TenantID,
		ActorID:    ac.UserID,
		Action:     action,
		Target:     target,
		Body:       raw,
		RecordedAt: s.now().UTC(),
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Error("audit append failed", "action", action, "error", err)
	}
}
