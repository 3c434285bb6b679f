package commitment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/receiving/pkg/audit"
	"github.com/harborline/receiving/pkg/authctx"
	"github.com/harborline/receiving/pkg/faults"
	"github.com/harborline/receiving/pkg/reconcile"
	"github.com/harborline/receiving/pkg/rowparse"
	"github.com/harborline/receiving/pkg/session"
)

var commitNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type commitFixture struct {
	store  *session.MemoryStore
	audit  *audit.MemoryStore
	engine *MemoryEngine
	hod    authctx.AuthContext
	sess   *session.Session
	partID uuid.UUID
}

// newCommitFixture builds a verifying session with one verified, matched line.
func newCommitFixture(t *testing.T) *commitFixture {
	t.Helper()
	ctx := context.Background()

	store := session.NewMemoryStore()
	auditStore := audit.NewMemoryStore()
	engine := NewMemoryEngine(store, auditStore).WithClock(func() time.Time { return commitNow })

	hod := authctx.AuthContext{TenantID: uuid.New(), UserID: uuid.New(), Role: authctx.RoleHOD}
	sess := session.New(hod.TenantID, hod.UserID, commitNow.Add(-time.Hour))
	require.NoError(t, store.Create(ctx, sess))

	partID := uuid.New()
	engine.SetPrice(partID, 18_000_000) // $18.00

	f := &commitFixture{store: store, audit: auditStore, engine: engine, hod: hod, sess: sess, partID: partID}
	f.addVerifiedLine(t, rowparse.Qty{Num: 2, Den: 1}, nil)

	sess.Transition(session.StateVerifying, commitNow.Add(-30*time.Minute))
	require.NoError(t, store.Update(ctx, sess))
	return f
}

func (f *commitFixture) addVerifiedLine(t *testing.T, qty rowparse.Qty, d *session.Discrepancy) *session.DraftLine {
	t.Helper()
	ctx := context.Background()
	verifiedAt := commitNow.Add(-10 * time.Minute)
	line := session.DraftLine{
		LineID:           uuid.New(),
		SessionID:        f.sess.SessionID,
		SourceArtifactID: uuid.New(),
		Qty:              qty,
		Unit:             rowparse.UnitEach,
		Description:      "Fuel filter",
		SuggestedMatch:   &reconcile.Match{PartID: f.partID, Score: 1.0},
		Verified:         true,
		VerifiedBy:       &f.hod.UserID,
		VerifiedAt:       &verifiedAt,
		Discrepancy:      d,
	}
	require.NoError(t, f.store.AppendLines(ctx, f.hod.TenantID, f.sess.SessionID, []session.DraftLine{line}))
	lines, err := f.store.Lines(ctx, f.hod.TenantID, f.sess.SessionID)
	require.NoError(t, err)
	return &lines[len(lines)-1]
}

func TestCommit_HappyPath(t *testing.T) {
	f := newCommitFixture(t)
	ctx := context.Background()

	event, err := f.engine.Commit(ctx, f.hod, f.sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, f.sess.SessionID, event.SessionID)
	assert.Equal(t, f.hod.UserID, event.CommittedBy)
	assert.Equal(t, commitNow, event.CommittedAt)
	require.Equal(t, 1, event.LineCount)
	assert.Equal(t, int64(18_000_000), event.LineSnapshots[0].UnitPriceMicros)

	// Inventory moved.
	assert.Equal(t, 2.0, f.engine.OnHand(f.hod.TenantID, f.partID))

	// Session is terminal.
	sess, err := f.store.Get(ctx, f.hod.TenantID, f.sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateCommitted, sess.State)
	assert.Equal(t, commitNow, *sess.CommittedAt)

	// Audit chain carries the commit.
	entries, err := f.audit.Entries(ctx, f.hod.TenantID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionSessionCommitted, entries[0].Action)
}

func TestCommit_ReplayReturnsOriginalEvent(t *testing.T) {
	f := newCommitFixture(t)
	ctx := context.Background()

	first, err := f.engine.Commit(ctx, f.hod, f.sess.SessionID)
	require.NoError(t, err)

	replay, err := f.engine.Commit(ctx, f.hod, f.sess.SessionID)
	require.True(t, faults.Is(err, faults.KindAlreadyCommitted))
	require.NotNil(t, replay)
	assert.Equal(t, first.EventID, replay.EventID)

	// No double-application of inventory.
	assert.Equal(t, 2.0, f.engine.OnHand(f.hod.TenantID, f.partID))
}

func TestCommit_ConcurrentCommitsYieldOneEvent(t *testing.T) {
	f := newCommitFixture(t)
	ctx := context.Background()

	const racers = 8
	events := make([]*ReceivingEvent, racers)
	errs := make([]error, racers)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			events[i], errs[i] = f.engine.Commit(ctx, f.hod, f.sess.SessionID)
		}(i)
	}
	wg.Wait()

	winners := 0
	var winnerID uuid.UUID
	for i := 0; i < racers; i++ {
		if errs[i] == nil {
			winners++
			winnerID = events[i].EventID
		} else {
			require.True(t, faults.Is(errs[i], faults.KindAlreadyCommitted))
		}
	}
	require.Equal(t, 1, winners)
	for i := 0; i < racers; i++ {
		if events[i] != nil {
			assert.Equal(t, winnerID, events[i].EventID)
		}
	}
	assert.Equal(t, 2.0, f.engine.OnHand(f.hod.TenantID, f.partID))
}

func TestCommit_CrewLacksCapability(t *testing.T) {
	f := newCommitFixture(t)
	crew := authctx.AuthContext{TenantID: f.hod.TenantID, UserID: uuid.New(), Role: authctx.RoleCrew}

	_, err := f.engine.Commit(context.Background(), crew, f.sess.SessionID)
	assert.True(t, faults.Is(err, faults.KindForbidden))
}

func TestCommit_DraftSessionRejected(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	engine := NewMemoryEngine(store, nil)

	hod := authctx.AuthContext{TenantID: uuid.New(), UserID: uuid.New(), Role: authctx.RoleHOD}
	sess := session.New(hod.TenantID, hod.UserID, commitNow)
	require.NoError(t, store.Create(ctx, sess))

	_, err := engine.Commit(ctx, hod, sess.SessionID)
	assert.True(t, faults.Is(err, faults.KindSessionStateViolation))
}

func TestCommit_NoVerifiedLinesRejected(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	engine := NewMemoryEngine(store, nil)

	hod := authctx.AuthContext{TenantID: uuid.New(), UserID: uuid.New(), Role: authctx.RoleHOD}
	sess := session.New(hod.TenantID, hod.UserID, commitNow)
	require.NoError(t, store.Create(ctx, sess))
	require.NoError(t, store.AppendLines(ctx, hod.TenantID, sess.SessionID, []session.DraftLine{
		{LineID: uuid.New(), SessionID: sess.SessionID, Verified: false},
	}))
	sess.Transition(session.StateVerifying, commitNow)
	require.NoError(t, store.Update(ctx, sess))

	_, err := engine.Commit(ctx, hod, sess.SessionID)
	assert.True(t, faults.Is(err, faults.KindSessionStateViolation))
}

func TestCommit_UnevidencedDiscrepancyBlocks(t *testing.T) {
	f := newCommitFixture(t)
	ctx := context.Background()

	damaged := f.addVerifiedLine(t, rowparse.Qty{Num: 1, Den: 1}, &session.Discrepancy{Kind: session.DiscrepancyDamaged})

	_, err := f.engine.Commit(ctx, f.hod, f.sess.SessionID)
	require.True(t, faults.Is(err, faults.KindSessionStateViolation))

	// Attach evidence and retry.
	damaged.Discrepancy.EvidenceArtifactIDs = []uuid.UUID{uuid.New()}
	require.NoError(t, f.store.UpdateLine(ctx, f.hod.TenantID, damaged))

	event, err := f.engine.Commit(ctx, f.hod, f.sess.SessionID)
	require.NoError(t, err)
	// Both verified lines are frozen in the event.
	assert.Equal(t, 2, event.LineCount)
}

func TestCommit_DiscrepantLineNeverTouchesInventory(t *testing.T) {
	f := newCommitFixture(t)
	ctx := context.Background()

	f.addVerifiedLine(t, rowparse.Qty{Num: 5, Den: 1}, &session.Discrepancy{
		Kind:                session.DiscrepancyMissing,
		EvidenceArtifactIDs: []uuid.UUID{uuid.New()},
	})

	_, err := f.engine.Commit(ctx, f.hod, f.sess.SessionID)
	require.NoError(t, err)

	// Only the clean line's quantity moved.
	assert.Equal(t, 2.0, f.engine.OnHand(f.hod.TenantID, f.partID))
}

func TestCommit_FractionalQuantities(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	engine := NewMemoryEngine(store, nil).WithClock(func() time.Time { return commitNow })

	hod := authctx.AuthContext{TenantID: uuid.New(), UserID: uuid.New(), Role: authctx.RoleHOD}
	sess := session.New(hod.TenantID, hod.UserID, commitNow)
	require.NoError(t, store.Create(ctx, sess))

	partID := uuid.New()
	verifiedAt := commitNow
	require.NoError(t, store.AppendLines(ctx, hod.TenantID, sess.SessionID, []session.DraftLine{{
		LineID:         uuid.New(),
		SessionID:      sess.SessionID,
		Qty:            rowparse.Qty{Num: 3, Den: 2}, // 1.5 m of hose
		Unit:           rowparse.UnitM,
		SuggestedMatch: &reconcile.Match{PartID: partID, Score: 1.0},
		Verified:       true,
		VerifiedBy:     &hod.UserID,
		VerifiedAt:     &verifiedAt,
	}}))
	sess.Transition(session.StateVerifying, commitNow)
	require.NoError(t, store.Update(ctx, sess))

	event, err := engine.Commit(ctx, hod, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), event.LineSnapshots[0].QtyNum)
	assert.Equal(t, int64(2), event.LineSnapshots[0].QtyDen)
	assert.Equal(t, 1.5, engine.OnHand(hod.TenantID, partID))
}

func TestCommit_CrossTenantSessionIsNotFound(t *testing.T) {
	f := newCommitFixture(t)
	other := authctx.AuthContext{TenantID: uuid.New(), UserID: uuid.New(), Role: authctx.RoleHOD}

	_, err := f.engine.Commit(context.Background(), other, f.sess.SessionID)
	assert.True(t, faults.Is(err, faults.KindNotFound))
}

func TestCommit_OverrideWinsOverSuggestion(t *testing.T) {
	f := newCommitFixture(t)
	ctx := context.Background()

	overridePart := uuid.New()
	lines, err := f.store.Lines(ctx, f.hod.TenantID, f.sess.SessionID)
	require.NoError(t, err)
	lines[0].OverridePartID = &overridePart
	require.NoError(t, f.store.UpdateLine(ctx, f.hod.TenantID, &lines[0]))

	_, err = f.engine.Commit(ctx, f.hod, f.sess.SessionID)
	require.NoError(t, err)

	assert.Equal(t, 2.0, f.engine.OnHand(f.hod.TenantID, overridePart))
	assert.Zero(t, f.engine.OnHand(f.hod.TenantID, f.partID))
}
