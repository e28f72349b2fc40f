package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/store"
)

func TestTenantPartitioning_FailsClosed(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.PutWallet(ctx, &domain.AgentWallet{TenantID: "t1", AgentID: "a1", AvailableCents: 100}))

	_, err := m.GetWallet(ctx, "t2", "a1")
	require.Error(t, err)
	assert.Equal(t, 404, derr.As(err).HTTPStatus)

	w, err := m.GetWallet(ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.AvailableCents)
}

func TestTx_RollsBackOnError(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.PutWallet(ctx, &domain.AgentWallet{TenantID: "t1", AgentID: "a1", AvailableCents: 100}))

	boom := errors.New("boom")
	err := m.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		require.NoError(t, tx.PutWallet(ctx, &domain.AgentWallet{TenantID: "t1", AgentID: "a1", AvailableCents: 999}))
		require.NoError(t, tx.PutRun(ctx, &domain.Run{TenantID: "t1", RunID: "r1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	w, err := m.GetWallet(ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.AvailableCents, "rolled-back write must not be visible")

	_, err = m.GetRun(ctx, "t1", "r1")
	require.Error(t, err)
}

func TestTx_CommitsMultiAggregateWrites(t *testing.T) {
	m := New()
	ctx := context.Background()

	err := m.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.PutRun(ctx, &domain.Run{TenantID: "t1", RunID: "r1", Status: domain.RunCreated}); err != nil {
			return err
		}
		return tx.EnqueueOutbox(ctx, &domain.OutboxMessage{
			TenantID: "t1", Topic: "run.created", AggregateType: "run", AggregateID: "r1",
		})
	})
	require.NoError(t, err)

	run, err := m.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCreated, run.Status)

	pending, err := m.ClaimPendingOutbox(ctx, domain.ISO(time.Now()), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(1), pending[0].ID)
}

func TestAppendEvent_AssignsMonotonicSeq(t *testing.T) {
	m := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.AppendEvent(ctx, &domain.ChainedEvent{
			ID: "ev" + string(rune('a'+i)), TenantID: "t1", StreamID: "run-1", Type: "X",
		}))
	}
	evs, err := m.ListEvents(ctx, "t1", "run-1")
	require.NoError(t, err)
	require.Len(t, evs, 3)
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	after, err := m.ListEventsAfter(ctx, "t1", "run-1", 1)
	require.NoError(t, err)
	assert.Len(t, after, 2)
}

func TestOutbox_PerAggregateFIFO(t *testing.T) {
	m := New()
	ctx := context.Background()
	now := domain.ISO(time.Now())

	enqueue := func(agg string) *domain.OutboxMessage {
		msg := &domain.OutboxMessage{TenantID: "t1", Topic: "x", AggregateType: "run", AggregateID: agg}
		require.NoError(t, m.EnqueueOutbox(ctx, msg))
		return msg
	}
	first := enqueue("r1")
	enqueue("r1") // second message for same aggregate
	other := enqueue("r2")

	claimed, err := m.ClaimPendingOutbox(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2, "only the head message per aggregate is claimable")
	assert.Equal(t, first.ID, claimed[0].ID)
	assert.Equal(t, other.ID, claimed[1].ID)

	// process the head; the second r1 message becomes claimable
	first.State = domain.OutboxProcessed
	require.NoError(t, m.PutOutbox(ctx, first))

	claimed, err = m.ClaimPendingOutbox(ctx, now, 10)
	require.NoError(t, err)
	ids := []int64{}
	for _, c := range claimed {
		ids = append(ids, c.ID)
	}
	assert.Contains(t, ids, int64(2))
}

func TestOutbox_BackoffDelaysClaim(t *testing.T) {
	m := New()
	ctx := context.Background()

	msg := &domain.OutboxMessage{TenantID: "t1", Topic: "x", AggregateType: "run", AggregateID: "r1"}
	require.NoError(t, m.EnqueueOutbox(ctx, msg))
	msg.NextAttemptAt = domain.ISO(time.Now().Add(time.Hour))
	require.NoError(t, m.PutOutbox(ctx, msg))

	claimed, err := m.ClaimPendingOutbox(ctx, domain.ISO(time.Now()), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestGetGrantByHash_Ambiguity(t *testing.T) {
	m := New()
	ctx := context.Background()

	require.NoError(t, m.PutGrant(ctx, &domain.AuthorityGrant{TenantID: "t1", GrantID: "g1", GrantHash: "h"}))
	require.NoError(t, m.PutGrant(ctx, &domain.AuthorityGrant{TenantID: "t1", GrantID: "g2", GrantHash: "h"}))

	_, err := m.GetGrantByHash(ctx, "t1", "h")
	require.Error(t, err)
	assert.Equal(t, "GRANT_AMBIGUOUS", derr.As(err).Code)
}

func TestSweepIdempotency(t *testing.T) {
	m := New()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.PutIdempotency(ctx, &domain.IdempotencyRecord{
		TenantID: "t1", Key: "expired", ExpiresAt: domain.ISO(now.Add(-time.Hour)),
	}))
	require.NoError(t, m.PutIdempotency(ctx, &domain.IdempotencyRecord{
		TenantID: "t1", Key: "live", ExpiresAt: domain.ISO(now.Add(time.Hour)),
	}))

	removed, err := m.SweepIdempotency(ctx, domain.ISO(now))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = m.GetIdempotency(ctx, "t1", "expired")
	require.Error(t, err)
	_, err = m.GetIdempotency(ctx, "t1", "live")
	require.NoError(t, err)
}
