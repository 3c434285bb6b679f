// Package audit maintains the per-tenant append-only hash chain. Entries are
// insert-only; any row update is a correctness bug. The chain is verifiable
// by any holder of the entries and the expected latest hash.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/receiving/pkg/canonical"
)

var (
	ErrChainBroken = errors.New("audit: hash chain broken")
	ErrNotFound    = errors.New("audit: entry not found")
)

// Actions recorded by the pipeline.
const (
	ActionArtifactAdmitted = "artifact.admitted"
	ActionSessionCreated   = "session.created"
	ActionLineVerified     = "line.verified"
	ActionSessionCommitted = "session.committed"
	ActionSessionAbandoned = "session.abandoned"
	ActionArtifactDeleted  = "artifact.deleted"
)

// Entry is one immutable audit record. Hashes are lowercase hex SHA-256.
type Entry struct {
	Seq         int64           `json:"seq"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	ActorID     uuid.UUID       `json:"actor_id"`
	Action      string          `json:"action"`
	Target      string          `json:"target"`
	Body        json.RawMessage `json:"body,omitempty"`
	PrevHash    string          `json:"prev_hash"`
	PayloadHash string          `json:"payload_hash"`
	EntryHash   string          `json:"entry_hash"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// payload is the canonicalised hash input. Field order is irrelevant: the
// canonical form is RFC 8785.
type payload struct {
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	Target     string          `json:"target"`
	Body       json.RawMessage `json:"body,omitempty"`
	RecordedAt string          `json:"recorded_at"`
}

// PayloadHash computes the canonical hash of an entry's content fields.
func PayloadHash(actorID uuid.UUID, action, target string, body json.RawMessage, recordedAt time.Time) (string, error) {
	h, err := canonical.Hash(payload{
		Action:     action,
		Actor:      actorID.String(),
		Target:     target,
		Body:       body,
		RecordedAt: recordedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("audit: payload hash failed: %w", err)
	}
	return h, nil
}

// Seal fills the hash fields of an entry given the previous entry hash.
func Seal(e *Entry, prevHash string) error {
	ph, err := PayloadHash(e.ActorID, e.Action, e.Target, e.Body, e.RecordedAt)
	if err != nil {
		return err
	}
	e.PrevHash = prevHash
	e.PayloadHash = ph
	e.EntryHash = canonical.ChainHash(prevHash, ph)
	return nil
}

// Verify recomputes the chain for one tenant's entries in seq order. The
// chain must start at the zero hash; every link must recompute.
func Verify(entries []Entry) error {
	prev := canonical.ZeroHash
	for i, e := range entries {
		ph, err := PayloadHash(e.ActorID, e.Action, e.Target, e.Body, e.RecordedAt)
		if err != nil {
			return err
		}
		if ph != e.PayloadHash {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, i)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d prev hash mismatch", ErrChainBroken, i)
		}
		if canonical.ChainHash(e.PrevHash, e.PayloadHash) != e.EntryHash {
			return fmt.Errorf("%w: entry %d entry hash mismatch", ErrChainBroken, i)
		}
		prev = e.EntryHash
	}
	return nil
}

// Appender is the write interface the pipeline and session service use.
// Implementations serialise appends per tenant so seq and the chain stay
// consistent under concurrency.
type Appender interface {
	// Append seals and persists one entry, assigning its seq. The passed
	// entry's Seq, PrevHash, PayloadHash, and EntryHash fields are set.
	Append(ctx context.Context, e *Entry) error
}

// Store adds the read side used for verification and export.
type Store interface {
	Appender

	// Entries returns a tenant's chain in seq order.
	Entries(ctx context.Context, tenantID uuid.UUID) ([]Entry, error)

	// Latest returns the newest entry hash for a tenant, or the zero hash
	// for an empty chain.
	Latest(ctx context.Context, tenantID uuid.UUID) (string, error)
}

// Export writes a tenant's chain as JSON lines, verifying it first.
func Export(ctx context.Context, s Store, tenantID uuid.UUID) ([]byte, error) {
	entries, err := s.Entries(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := Verify(entries); err != nil {
		return nil, err
	}
	var out []byte
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("audit: export marshal failed: %w", err)
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	return out, nil
}
