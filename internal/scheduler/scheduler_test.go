package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/run"
	"github.com/settld-labs/settld-core/internal/store/memstore"
	"github.com/settld-labs/settld-core/internal/toolcall"
	"github.com/settld-labs/settld-core/internal/wallet"
)

const tenant = "t1"

func TestTickExpiresHoldsAndClosesWindows(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	clock := time.Now()
	nowFn := func() time.Time { return clock }

	re := run.NewEngine(st, nil)
	re.Now = nowFn
	tc := &toolcall.Kernel{Store: st, Now: nowFn}

	for _, agent := range []string{"payer", "payee"} {
		require.NoError(t, st.PutIdentity(ctx, &domain.AgentIdentity{
			SchemaVersion: "AgentIdentity.v1", TenantID: tenant, AgentID: agent,
			DisplayName: agent, Status: domain.AgentActive,
			CreatedAt: domain.ISO(clock), UpdatedAt: domain.ISO(clock),
		}))
		w := wallet.New(tenant, agent, "USD", clock)
		if agent == "payer" {
			var err error
			w, err = wallet.Credit(w, 10000, clock)
			require.NoError(t, err)
		}
		require.NoError(t, st.PutWallet(ctx, &w))
	}

	// a hold whose challenge window will lapse
	hold, err := tc.CreateHold(ctx, tenant, toolcall.HoldInput{
		PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 1000, HoldbackBps: 2000, ChallengeWindowMs: 60_000,
	})
	require.NoError(t, err)

	// a run that auto-resolves green, opening a one-day dispute window
	r, _, err := re.CreateRun(ctx, tenant, run.CreateRunInput{
		AgentID:    "payee",
		Settlement: &run.SettlementSpec{PayerAgentID: "payer", AmountCents: 500, DisputeWindowDays: 1},
	})
	require.NoError(t, err)
	for _, step := range []struct {
		typ     string
		payload map[string]interface{}
	}{
		{run.EventRunStarted, nil},
		{run.EventEvidenceAdded, map[string]interface{}{"verificationStatus": "green"}},
		{run.EventRunCompleted, nil},
	} {
		cur, err := re.GetRun(ctx, tenant, r.RunID)
		require.NoError(t, err)
		_, err = re.AppendEvent(ctx, tenant, r.RunID, run.AppendEventInput{
			Type: step.typ, Actor: "payee", Payload: step.payload,
			ExpectedPrevChainHash: cur.LastChainHash,
		})
		require.NoError(t, err)
	}
	stl, err := re.GetSettlementByRun(ctx, tenant, r.RunID)
	require.NoError(t, err)
	require.Equal(t, domain.SettlementReleased, stl.Status)
	require.NotEmpty(t, stl.DisputeWindowEndsAt)

	s := New(st, nil, re, tc, nil, nil)

	s.Tick(ctx)
	got, err := tc.GetHold(ctx, tenant, hold.HoldHash)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldLocked, got.Status, "window still open")

	clock = clock.Add(48 * time.Hour)
	s.Tick(ctx)

	got, err = tc.GetHold(ctx, tenant, hold.HoldHash)
	require.NoError(t, err)
	assert.Equal(t, domain.HoldReleased, got.Status)

	stl, err = re.GetSettlementByRun(ctx, tenant, r.RunID)
	require.NoError(t, err)
	assert.Empty(t, stl.DisputeWindowEndsAt, "window cleared after close")
}

func TestRunStopsOnCancel(t *testing.T) {
	st := memstore.New()
	s := New(st, nil, nil, nil, nil, nil)
	s.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
