package run

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/store"
	"github.com/settld-labs/settld-core/internal/store/memstore"
	"github.com/settld-labs/settld-core/internal/wallet"
)

const tenant = "t1"

func newEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st := memstore.New()
	return NewEngine(st, nil), st
}

func register(t *testing.T, st store.Store, agentID string, creditCents int64) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, st.PutIdentity(ctx, &domain.AgentIdentity{
		SchemaVersion: "AgentIdentity.v1",
		TenantID:      tenant,
		AgentID:       agentID,
		DisplayName:   agentID,
		Status:        domain.AgentActive,
		CreatedAt:     domain.ISO(now),
		UpdatedAt:     domain.ISO(now),
	}))
	w := wallet.New(tenant, agentID, "USD", now)
	if creditCents > 0 {
		var err error
		w, err = wallet.Credit(w, creditCents, now)
		require.NoError(t, err)
	}
	require.NoError(t, st.PutWallet(ctx, &w))
}

func appendEvent(t *testing.T, e *Engine, runID, evType string, payload map[string]interface{}) *domain.ChainedEvent {
	t.Helper()
	ctx := context.Background()
	r, err := e.GetRun(ctx, tenant, runID)
	require.NoError(t, err)
	ev, err := e.AppendEvent(ctx, tenant, runID, AppendEventInput{
		Type:                  evType,
		Actor:                 r.AgentID,
		Payload:               payload,
		ExpectedPrevChainHash: r.LastChainHash,
	})
	require.NoError(t, err)
	return ev
}

func TestFirstVerifiedRun(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t)
	register(t, st, "payer", 5000)
	register(t, st, "payee", 0)

	r, stl, err := e.CreateRun(ctx, tenant, CreateRunInput{
		AgentID: "payee",
		Settlement: &SettlementSpec{
			PayerAgentID: "payer",
			AmountCents:  1250,
			Currency:     "USD",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, stl)
	assert.Equal(t, domain.SettlementLocked, stl.Status)

	// escrow locked on creation
	pw, err := st.GetWallet(ctx, tenant, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(3750), pw.AvailableCents)
	assert.Equal(t, int64(1250), pw.EscrowLockedCents)

	appendEvent(t, e, r.RunID, EventRunStarted, nil)
	appendEvent(t, e, r.RunID, EventEvidenceAdded, map[string]interface{}{"verificationStatus": "green"})
	appendEvent(t, e, r.RunID, EventRunCompleted, nil)

	r, err = e.GetRun(ctx, tenant, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, r.Status)

	stl, err = e.GetSettlementByRun(ctx, tenant, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementReleased, stl.Status)
	assert.Equal(t, "auto_resolved", stl.DecisionStatus)
	assert.Equal(t, int64(1250), stl.ReleasedAmountCents)
	assert.Equal(t, int64(0), stl.RefundedAmountCents)

	pw, err = st.GetWallet(ctx, tenant, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(3750), pw.AvailableCents)
	assert.Equal(t, int64(0), pw.EscrowLockedCents)
	payeeW, err := st.GetWallet(ctx, tenant, "payee")
	require.NoError(t, err)
	assert.Equal(t, int64(1250), payeeW.AvailableCents)
	assert.Equal(t, int64(0), payeeW.EscrowLockedCents)

	events, err := e.ListEvents(ctx, tenant, r.RunID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, EventRunCreated, events[0].Type)
	for i := 1; i < len(events); i++ {
		assert.Equal(t, events[i-1].ChainHash, events[i].PrevChainHash)
	}
}

func TestAppendRejectsStaleChainHash(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t)
	register(t, st, "payee", 0)

	r, _, err := e.CreateRun(ctx, tenant, CreateRunInput{AgentID: "payee"})
	require.NoError(t, err)
	headBefore := r.LastChainHash

	_, err = e.AppendEvent(ctx, tenant, r.RunID, AppendEventInput{
		Type:                  EventRunStarted,
		Actor:                 "payee",
		ExpectedPrevChainHash: "stale-hash",
	})
	de := derr.As(err)
	require.NotNil(t, de)
	assert.Equal(t, "CHAIN_HASH_MISMATCH", de.Code)
	assert.Equal(t, http.StatusConflict, de.HTTPStatus)

	// failed append leaves the head and the stream untouched
	r, err = e.GetRun(ctx, tenant, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, headBefore, r.LastChainHash)
	events, err := e.ListEvents(ctx, tenant, r.RunID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestAppendRejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t)
	register(t, st, "payee", 0)

	r, _, err := e.CreateRun(ctx, tenant, CreateRunInput{AgentID: "payee"})
	require.NoError(t, err)

	_, err = e.AppendEvent(ctx, tenant, r.RunID, AppendEventInput{
		Type:                  EventRunCompleted,
		Actor:                 "payee",
		ExpectedPrevChainHash: r.LastChainHash,
	})
	de := derr.As(err)
	require.NotNil(t, de)
	assert.Equal(t, "RUN_INVALID_TRANSITION", de.Code)

	_, err = e.AppendEvent(ctx, tenant, r.RunID, AppendEventInput{
		Type:                  EventRunCreated,
		Actor:                 "payee",
		ExpectedPrevChainHash: r.LastChainHash,
	})
	assert.Equal(t, "EVENT_TYPE_INVALID", derr.As(err).Code)
}

func TestCreateRunInsufficientBalanceRollsBack(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t)
	register(t, st, "payer", 100)
	register(t, st, "payee", 0)

	_, _, err := e.CreateRun(ctx, tenant, CreateRunInput{
		RunID:   "run_x",
		AgentID: "payee",
		Settlement: &SettlementSpec{
			PayerAgentID: "payer",
			AmountCents:  1250,
		},
	})
	de := derr.As(err)
	require.NotNil(t, de)
	assert.Equal(t, "INSUFFICIENT_WALLET_BALANCE", de.Code)

	// wallet byte-identical and run absent
	pw, err := st.GetWallet(ctx, tenant, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(100), pw.AvailableCents)
	assert.Equal(t, int64(0), pw.EscrowLockedCents)
	_, err = e.GetRun(ctx, tenant, "run_x")
	assert.NotNil(t, derr.As(err))
}

func TestAmberGoesToManualReviewThenOperatorResolves(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t)
	register(t, st, "payer", 5000)
	register(t, st, "payee", 0)

	r, _, err := e.CreateRun(ctx, tenant, CreateRunInput{
		AgentID:    "payee",
		Settlement: &SettlementSpec{PayerAgentID: "payer", AmountCents: 1000},
	})
	require.NoError(t, err)

	appendEvent(t, e, r.RunID, EventRunStarted, nil)
	appendEvent(t, e, r.RunID, EventEvidenceAdded, map[string]interface{}{"verificationStatus": "amber"})
	appendEvent(t, e, r.RunID, EventRunCompleted, nil)

	stl, err := e.GetSettlementByRun(ctx, tenant, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementLocked, stl.Status)
	assert.Equal(t, "manual_review_required", stl.DecisionStatus)

	d, err := e.Replay(ctx, tenant, r.RunID)
	require.NoError(t, err)
	assert.False(t, d.ShouldAutoResolve)
	assert.Equal(t, VerificationAmber, d.VerificationStatus)
	assert.True(t, d.MatchesStoredDecision)

	stl, err = e.ResolveRunSettlement(ctx, tenant, r.RunID, ResolveInput{Status: "released", ReleaseRatePct: 100})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementReleased, stl.Status)
	assert.Equal(t, "manual_resolved", stl.DecisionStatus)

	payeeW, err := st.GetWallet(ctx, tenant, "payee")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), payeeW.AvailableCents)

	_, err = e.ResolveRunSettlement(ctx, tenant, r.RunID, ResolveInput{Status: "refunded"})
	assert.Equal(t, "SETTLEMENT_ALREADY_RESOLVED", derr.As(err).Code)
}

func TestFailedRunAutoRefunds(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t)
	register(t, st, "payer", 2000)
	register(t, st, "payee", 0)

	r, _, err := e.CreateRun(ctx, tenant, CreateRunInput{
		AgentID:    "payee",
		Settlement: &SettlementSpec{PayerAgentID: "payer", AmountCents: 800},
	})
	require.NoError(t, err)

	appendEvent(t, e, r.RunID, EventRunStarted, nil)
	appendEvent(t, e, r.RunID, EventRunFailed, map[string]interface{}{"error": "tool crashed"})

	stl, err := e.GetSettlementByRun(ctx, tenant, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementRefunded, stl.Status)
	assert.Equal(t, "auto_resolved", stl.DecisionStatus)
	assert.Equal(t, int64(800), stl.RefundedAmountCents)

	pw, err := st.GetWallet(ctx, tenant, "payer")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), pw.AvailableCents)
	assert.Equal(t, int64(0), pw.EscrowLockedCents)
}

func TestCompletedWithoutEvidenceRequiresReview(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t)
	register(t, st, "payer", 2000)
	register(t, st, "payee", 0)

	r, _, err := e.CreateRun(ctx, tenant, CreateRunInput{
		AgentID:    "payee",
		Settlement: &SettlementSpec{PayerAgentID: "payer", AmountCents: 500},
	})
	require.NoError(t, err)
	appendEvent(t, e, r.RunID, EventRunStarted, nil)
	appendEvent(t, e, r.RunID, EventRunCompleted, nil)

	stl, err := e.GetSettlementByRun(ctx, tenant, r.RunID)
	require.NoError(t, err)
	assert.Equal(t, "manual_review_required", stl.DecisionStatus)
	assert.Equal(t, "NO_EVIDENCE", stl.DecisionReason)
}

func TestManualSplitConservesEscrow(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t)
	register(t, st, "payer", 1000)
	register(t, st, "payee", 0)

	r, _, err := e.CreateRun(ctx, tenant, CreateRunInput{
		AgentID:    "payee",
		Settlement: &SettlementSpec{PayerAgentID: "payer", AmountCents: 1000},
	})
	require.NoError(t, err)
	appendEvent(t, e, r.RunID, EventRunStarted, nil)
	appendEvent(t, e, r.RunID, EventEvidenceAdded, map[string]interface{}{"verificationStatus": "amber"})
	appendEvent(t, e, r.RunID, EventRunCompleted, nil)

	stl, err := e.ResolveRunSettlement(ctx, tenant, r.RunID, ResolveInput{Status: "split", ReleaseRatePct: 40})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSplit, stl.Status)
	assert.Equal(t, int64(400), stl.ReleasedAmountCents)
	assert.Equal(t, int64(600), stl.RefundedAmountCents)
	assert.Equal(t, stl.AmountCents, stl.ReleasedAmountCents+stl.RefundedAmountCents)

	pw, err := st.GetWallet(ctx, tenant, "payer")
	require.NoError(t, err)
	payeeW, err := st.GetWallet(ctx, tenant, "payee")
	require.NoError(t, err)
	assert.Equal(t, int64(600), pw.AvailableCents)
	assert.Equal(t, int64(400), payeeW.AvailableCents)
	require.NoError(t, wallet.CheckInvariant(*pw))
	require.NoError(t, wallet.CheckInvariant(*payeeW))
}

func TestDisputeWindowClosesAfterExpiry(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	clock := time.Now()
	e := NewEngine(st, nil)
	e.Now = func() time.Time { return clock }
	register(t, st, "payer", 1000)
	register(t, st, "payee", 0)

	r, _, err := e.CreateRun(ctx, tenant, CreateRunInput{
		AgentID: "payee",
		Settlement: &SettlementSpec{
			PayerAgentID:      "payer",
			AmountCents:       1000,
			DisputeWindowDays: 2,
		},
	})
	require.NoError(t, err)
	appendEvent(t, e, r.RunID, EventRunStarted, nil)
	appendEvent(t, e, r.RunID, EventEvidenceAdded, map[string]interface{}{"verificationStatus": "green"})
	appendEvent(t, e, r.RunID, EventRunCompleted, nil)

	stl, err := e.GetSettlementByRun(ctx, tenant, r.RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, stl.DisputeWindowEndsAt)

	// window still open
	n, err := e.CloseExpiredDisputeWindows(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock = clock.Add(3 * 24 * time.Hour)
	n, err = e.CloseExpiredDisputeWindows(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stl, err = e.GetSettlementByRun(ctx, tenant, r.RunID)
	require.NoError(t, err)
	assert.Empty(t, stl.DisputeWindowEndsAt)
}
