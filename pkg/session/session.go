// Package session holds the draft-session state machine and its stores. A
// session collects artifacts, draft lines, planner decisions, and the cost
// ledger until it is committed or abandoned.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/receiving/pkg/costplan"
	"github.com/harborline/receiving/pkg/reconcile"
	"github.com/harborline/receiving/pkg/rowparse"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrStale    = errors.New("session: concurrent update, reload and retry")
)

// State is the session lifecycle state.
type State string

const (
	StateDraft     State = "draft"
	StateVerifying State = "verifying"
	StateCommitted State = "committed"
	StateAbandoned State = "abandoned"
)

// Terminal reports whether no further mutation is legal.
func (s State) Terminal() bool { return s == StateCommitted || s == StateAbandoned }

// canTransition encodes the legal edges of the state machine.
func canTransition(from, to State) bool {
	switch from {
	case StateDraft:
		return to == StateVerifying || to == StateAbandoned
	case StateVerifying:
		return to == StateCommitted || to == StateAbandoned
	default:
		return false
	}
}

// Discrepancy kinds. Evidence artifacts are mandatory for damaged and
// missing before the session may commit; other kinds commit without.
const (
	DiscrepancyDamaged   = "damaged"
	DiscrepancyMissing   = "missing"
	DiscrepancyWrongItem = "wrong_item"
	DiscrepancyExcess    = "excess"
	DiscrepancyShort     = "short"
)

// Discrepancy flags a draft line as problematic.
type Discrepancy struct {
	Kind                string      `json:"kind"`
	Note                string      `json:"note,omitempty"`
	EvidenceArtifactIDs []uuid.UUID `json:"evidence_artifact_ids"`
}

// RequiresEvidence reports whether this kind blocks commit without photos.
func (d *Discrepancy) RequiresEvidence() bool {
	return d.Kind == DiscrepancyDamaged || d.Kind == DiscrepancyMissing
}

// Satisfied reports whether the evidence requirement is met.
func (d *Discrepancy) Satisfied() bool {
	return !d.RequiresEvidence() || len(d.EvidenceArtifactIDs) > 0
}

// DraftLine is one candidate inventory line awaiting verification.
type DraftLine struct {
	LineID            uuid.UUID         `json:"line_id"`
	SessionID         uuid.UUID         `json:"session_id"`
	SourceArtifactID  uuid.UUID         `json:"source_artifact_id"`
	LineNo            int               `json:"line_no"`
	Qty               rowparse.Qty      `json:"qty"`
	Unit              rowparse.Unit     `json:"unit"`
	Description       string            `json:"description"`
	ExtractedPartCode string            `json:"extracted_part_code,omitempty"`
	SuggestedMatch    *reconcile.Match  `json:"suggested_match,omitempty"`
	Alternatives      []reconcile.Match `json:"alternative_matches,omitempty"`
	CatalogSnapshotID string            `json:"catalog_snapshot_id"`
	ParserVersion     string            `json:"parser_version"`
	NeedsManualReview bool              `json:"needs_manual_review"`
	Verified          bool              `json:"verified"`
	VerifiedBy        *uuid.UUID        `json:"verified_by,omitempty"`
	VerifiedAt        *time.Time        `json:"verified_at,omitempty"`
	OverridePartID    *uuid.UUID        `json:"override_part_id,omitempty"`
	Discrepancy       *Discrepancy      `json:"discrepancy,omitempty"`
}

// ResolvedPartID is the part the line commits against: an explicit override
// wins over the suggested match.
func (l *DraftLine) ResolvedPartID() (uuid.UUID, bool) {
	if l.OverridePartID != nil {
		return *l.OverridePartID, true
	}
	if l.SuggestedMatch != nil {
		return l.SuggestedMatch.PartID, true
	}
	return uuid.Nil, false
}

// PlannerDecision is one recorded planning step, kept for reproducibility.
type PlannerDecision struct {
	Stage    string          `json:"stage"` // artifact id + attempt
	Decision string          `json:"decision"`
	Ledger   costplan.Ledger `json:"ledger_snapshot"`
}

// Session is the unit of receiving work.
type Session struct {
	SessionID        uuid.UUID         `json:"session_id"`
	TenantID         uuid.UUID         `json:"tenant_id"`
	CreatedBy        uuid.UUID         `json:"created_by"`
	State            State             `json:"state"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	CommittedAt      *time.Time        `json:"committed_at,omitempty"`
	CommittedBy      *uuid.UUID        `json:"committed_by,omitempty"`
	Ledger           costplan.Ledger   `json:"ledger"`
	ArtifactIDs      []uuid.UUID       `json:"artifact_ids"`
	PlannerDecisions []PlannerDecision `json:"planner_decisions"`
	ParserVersion    string            `json:"parser_version"`
	Revision         int64             `json:"-"` // optimistic-lock version
}

// New creates a draft session.
func New(tenantID, createdBy uuid.UUID, now time.Time) *Session {
	return &Session{
		SessionID:     uuid.New(),
		TenantID:      tenantID,
		CreatedBy:     createdBy,
		State:         StateDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
		ParserVersion: rowparse.Version,
	}
}

// Transition moves the session to a new state, enforcing the legal edges.
func (s *Session) Transition(to State, now time.Time) bool {
	if !canTransition(s.State, to) {
		return false
	}
	s.State = to
	s.UpdatedAt = now
	return true
}

// Store is the session persistence contract. Every method is tenant-scoped.
// Update and UpdateLine are optimistic: ErrStale means the row moved under
// the caller.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, tenantID, sessionID uuid.UUID) (*Session, error)
	Update(ctx context.Context, s *Session) error

	// AppendLines assigns line_no values in append order under the session
	// lock and persists the lines.
	AppendLines(ctx context.Context, tenantID, sessionID uuid.UUID, lines []DraftLine) error
	Lines(ctx context.Context, tenantID, sessionID uuid.UUID) ([]DraftLine, error)
	GetLine(ctx context.Context, tenantID, lineID uuid.UUID) (*DraftLine, error)
	UpdateLine(ctx context.Context, tenantID uuid.UUID, line *DraftLine) error

	// IdleSince lists non-terminal sessions with no activity since the
	// cutoff, for the auto-abandonment sweeper.
	IdleSince(ctx context.Context, cutoff time.Time) ([]*Session, error)
}
