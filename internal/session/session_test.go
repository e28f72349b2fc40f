package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-core/internal/chain"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/store/memstore"
)

const tenant = "t1"

func newEngine(t *testing.T) *Engine {
	t.Helper()
	st := memstore.New()
	now := time.Now()
	require.NoError(t, st.PutIdentity(context.Background(), &domain.AgentIdentity{
		SchemaVersion: "AgentIdentity.v1", TenantID: tenant, AgentID: "agent-1",
		DisplayName: "agent-1", Status: domain.AgentActive,
		CreatedAt: domain.ISO(now), UpdatedAt: domain.ISO(now),
	}))
	return NewEngine(st, nil)
}

func TestCreateMintsGenesisEvent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	s, err := e.Create(ctx, tenant, CreateInput{AgentID: "agent-1", Title: "triage"})
	require.NoError(t, err)
	assert.Equal(t, "private", s.Visibility)
	assert.NotEmpty(t, s.LastChainHash)

	events, err := e.Events(ctx, tenant, s.SessionID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventSessionCreated, events[0].Type)
	assert.Equal(t, "null", events[0].PrevChainHash)
	assert.Equal(t, s.LastChainHash, events[0].ChainHash)
}

func TestAppendAdvancesChain(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, err := e.Create(ctx, tenant, CreateInput{AgentID: "agent-1"})
	require.NoError(t, err)

	ev, err := e.AppendEvent(ctx, tenant, s.SessionID, AppendInput{
		Type: "MESSAGE_ADDED", Actor: "agent-1",
		Payload:               map[string]interface{}{"text": "hello"},
		ExpectedPrevChainHash: s.LastChainHash,
	})
	require.NoError(t, err)
	assert.Equal(t, s.LastChainHash, ev.PrevChainHash)

	// stale head loses
	_, err = e.AppendEvent(ctx, tenant, s.SessionID, AppendInput{
		Type: "MESSAGE_ADDED", Actor: "agent-1",
		ExpectedPrevChainHash: s.LastChainHash,
	})
	assert.Equal(t, "CHAIN_HASH_MISMATCH", derr.As(err).Code)

	// genesis type is reserved
	_, err = e.AppendEvent(ctx, tenant, s.SessionID, AppendInput{
		Type: EventSessionCreated, Actor: "agent-1",
		ExpectedPrevChainHash: ev.ChainHash,
	})
	assert.Equal(t, "EVENT_TYPE_INVALID", derr.As(err).Code)
}

func TestEventsAfterResume(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, err := e.Create(ctx, tenant, CreateInput{AgentID: "agent-1"})
	require.NoError(t, err)

	head := s.LastChainHash
	for _, text := range []string{"one", "two", "three"} {
		ev, err := e.AppendEvent(ctx, tenant, s.SessionID, AppendInput{
			Type: "MESSAGE_ADDED", Actor: "agent-1",
			Payload:               map[string]interface{}{"text": text},
			ExpectedPrevChainHash: head,
		})
		require.NoError(t, err)
		head = ev.ChainHash
	}

	all, err := e.Events(ctx, tenant, s.SessionID)
	require.NoError(t, err)
	require.Len(t, all, 4)

	tail, err := e.EventsAfter(ctx, tenant, s.SessionID, all[1].Seq)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "two", tail[0].Payload["text"])
	assert.Equal(t, "three", tail[1].Payload["text"])
}

func TestReplayPackVerifiesChain(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, err := e.Create(ctx, tenant, CreateInput{AgentID: "agent-1"})
	require.NoError(t, err)
	_, err = e.AppendEvent(ctx, tenant, s.SessionID, AppendInput{
		Type: "MESSAGE_ADDED", Actor: "agent-1",
		Payload:               map[string]interface{}{"text": "hi"},
		ExpectedPrevChainHash: s.LastChainHash,
	})
	require.NoError(t, err)

	pack, err := e.BuildReplayPack(ctx, tenant, s.SessionID)
	require.NoError(t, err)
	assert.True(t, pack.ChainValid)
	require.Len(t, pack.Events, 2)

	// a receiver re-verifying a mutated pack must catch the tamper
	pack.Events[1].Payload["text"] = "tampered"
	err = chain.Verify(pack.Events[1], pack.Events[0])
	require.Error(t, err)
}

func TestTranscript(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, err := e.Create(ctx, tenant, CreateInput{AgentID: "agent-1", Title: "notes"})
	require.NoError(t, err)
	_, err = e.AppendEvent(ctx, tenant, s.SessionID, AppendInput{
		Type: "MESSAGE_ADDED", Actor: "agent-1",
		Payload:               map[string]interface{}{"text": "first line"},
		ExpectedPrevChainHash: s.LastChainHash,
	})
	require.NoError(t, err)

	lines, err := e.Transcript(ctx, tenant, s.SessionID)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, EventSessionCreated, lines[0].Type)
	assert.Equal(t, "first line", lines[1].Text)
}

func TestCrossTenantFailsClosed(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	s, err := e.Create(ctx, tenant, CreateInput{AgentID: "agent-1"})
	require.NoError(t, err)

	_, err = e.Get(ctx, "t2", s.SessionID)
	require.Error(t, err)
	assert.Equal(t, 404, derr.As(err).HTTPStatus)
}
