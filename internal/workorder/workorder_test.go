package workorder

import (
	"context"
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
	ctx := context.Background()
	st := memstore.New()
	now := time.Now()
	for _, agent := range []string{"buyer", "seller"} {
		require.NoError(t, st.PutIdentity(ctx, &domain.AgentIdentity{
			SchemaVersion: "AgentIdentity.v1", TenantID: tenant, AgentID: agent,
			DisplayName: agent, Status: domain.AgentActive,
			CreatedAt: domain.ISO(now), UpdatedAt: domain.ISO(now),
		}))
		w := wallet.New(tenant, agent, "USD", now)
		if agent == "buyer" {
			var err error
			w, err = wallet.Credit(w, 10000, now)
			require.NoError(t, err)
		}
		require.NoError(t, st.PutWallet(ctx, &w))
	}
	return NewEngine(st), st
}

func TestCreateLocksBudget(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t)

	wo, err := e.Create(ctx, tenant, CreateInput{
		BuyerAgentID: "buyer", SellerAgentID: "seller",
		Description: "scrape and summarize", BudgetCents: 4000,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderOpen, wo.Status)
	assert.Equal(t, int64(4000), wo.LockedCents)

	bw, err := st.GetWallet(ctx, tenant, "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(6000), bw.AvailableCents)
	assert.Equal(t, int64(4000), bw.EscrowLockedCents)
}

func TestCreateRejectsOverdraft(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t)

	_, err := e.Create(ctx, tenant, CreateInput{
		BuyerAgentID: "buyer", SellerAgentID: "seller", BudgetCents: 20000,
	})
	require.Error(t, err)
	assert.Equal(t, wallet.ErrInsufficientBalance, derr.As(err).Code)

	bw, err := st.GetWallet(ctx, tenant, "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bw.AvailableCents, "failed create must not move funds")
}

func TestMeteringDrawsAgainstBudget(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)

	wo, err := e.Create(ctx, tenant, CreateInput{
		BuyerAgentID: "buyer", SellerAgentID: "seller", BudgetCents: 1000,
	})
	require.NoError(t, err)

	// cannot meter before accept
	_, _, err = e.Progress(ctx, tenant, wo.WorkOrderID, ProgressInput{AmountCents: 100})
	assert.Equal(t, "WORK_ORDER_STATUS_INVALID", derr.As(err).Code)

	_, err = e.Accept(ctx, tenant, wo.WorkOrderID, "seller")
	require.NoError(t, err)

	got, entry, err := e.Progress(ctx, tenant, wo.WorkOrderID, ProgressInput{AmountCents: 600, Note: "phase 1"})
	require.NoError(t, err)
	assert.Equal(t, int64(600), got.MeteredCents)
	assert.Equal(t, int64(600), entry.AmountCents)

	_, _, err = e.Progress(ctx, tenant, wo.WorkOrderID, ProgressInput{AmountCents: 500})
	assert.Equal(t, "WORK_ORDER_BUDGET_EXCEEDED", derr.As(err).Code)

	entries, err := e.Metering(ctx, tenant, wo.WorkOrderID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestAcceptOnlyBySeller(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	wo, err := e.Create(ctx, tenant, CreateInput{
		BuyerAgentID: "buyer", SellerAgentID: "seller", BudgetCents: 500,
	})
	require.NoError(t, err)

	_, err = e.Accept(ctx, tenant, wo.WorkOrderID, "buyer")
	assert.Equal(t, "WORK_ORDER_ACTOR_FORBIDDEN", derr.As(err).Code)
}

func TestTopUpRaisesBudget(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t)
	wo, err := e.Create(ctx, tenant, CreateInput{
		BuyerAgentID: "buyer", SellerAgentID: "seller", BudgetCents: 1000,
	})
	require.NoError(t, err)

	got, err := e.TopUp(ctx, tenant, wo.WorkOrderID, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), got.BudgetCents)
	assert.Equal(t, int64(3000), got.LockedCents)

	bw, err := st.GetWallet(ctx, tenant, "buyer")
	require.NoError(t, err)
	assert.Equal(t, int64(3000), bw.EscrowLockedCents)
}

func TestCompleteAndSettleSplitsEscrow(t *testing.T) {
	ctx := context.Background()
	e, st := newEngine(t)
	wo, err := e.Create(ctx, tenant, CreateInput{
		BuyerAgentID: "buyer", SellerAgentID: "seller", BudgetCents: 1000,
	})
	require.NoError(t, err)
	_, err = e.Accept(ctx, tenant, wo.WorkOrderID, "seller")
	require.NoError(t, err)
	_, _, err = e.Progress(ctx, tenant, wo.WorkOrderID, ProgressInput{AmountCents: 700})
	require.NoError(t, err)

	got, rc, err := e.Complete(ctx, tenant, wo.WorkOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderCompleted, got.Status)
	assert.NotEmpty(t, rc.ReceiptHash)
	assert.Equal(t, int64(700), rc.MeteredCents)

	got, stl, err := e.Settle(ctx, tenant, wo.WorkOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderSettled, got.Status)
	assert.Equal(t, stl.SettlementID, got.SettlementID)
	assert.Equal(t, domain.SettlementSplit, stl.Status)
	assert.Equal(t, int64(700), stl.ReleasedAmountCents)
	assert.Equal(t, int64(300), stl.RefundedAmountCents)
	assert.Equal(t, stl.AmountCents, stl.ReleasedAmountCents+stl.RefundedAmountCents)

	bw, err := st.GetWallet(ctx, tenant, "buyer")
	require.NoError(t, err)
	sw, err := st.GetWallet(ctx, tenant, "seller")
	require.NoError(t, err)
	assert.Equal(t, int64(9300), bw.AvailableCents)
	assert.Equal(t, int64(0), bw.EscrowLockedCents)
	assert.Equal(t, int64(700), sw.AvailableCents)
	require.NoError(t, wallet.CheckInvariant(*bw))
	require.NoError(t, wallet.CheckInvariant(*sw))

	// settle is single-shot
	_, _, err = e.Settle(ctx, tenant, wo.WorkOrderID)
	assert.Equal(t, "WORK_ORDER_STATUS_INVALID", derr.As(err).Code)
}

func TestReceiptHashStable(t *testing.T) {
	ctx := context.Background()
	e, _ := newEngine(t)
	wo, err := e.Create(ctx, tenant, CreateInput{
		BuyerAgentID: "buyer", SellerAgentID: "seller", BudgetCents: 1000,
	})
	require.NoError(t, err)
	_, err = e.Accept(ctx, tenant, wo.WorkOrderID, "seller")
	require.NoError(t, err)
	_, rc, err := e.Complete(ctx, tenant, wo.WorkOrderID)
	require.NoError(t, err)

	receipts, err := e.Receipts(ctx, tenant, wo.WorkOrderID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, rc.ReceiptHash, receipts[0].ReceiptHash)
}
