// Package memstore is the in-memory Store backend. State lives in per-table
// byte maps guarded by a single mutex; transactions clone the state, apply
// writes to the clone, and swap it in on success, which gives the same
// all-or-nothing semantics the SQL backend gets from a database transaction.
// It is stateless across processes and needs no migrations.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/store"
)

const (
	tblIdentities   = "identities"
	tblAgentCards   = "agent_cards"
	tblWallets      = "wallets"
	tblGrants       = "grants"
	tblRuns         = "runs"
	tblEvents       = "events"
	tblSettlements  = "settlements"
	tblAdjustments  = "adjustments"
	tblAgreements   = "agreements"
	tblToolEvidence = "tool_evidence"
	tblHolds        = "holds"
	tblEnvelopes    = "envelopes"
	tblCases        = "arbitration_cases"
	tblDisputes     = "disputes"
	tblIdempotency  = "idempotency"
	tblOutbox       = "outbox"
	tblDeliveries   = "deliveries"
	tblDestinations = "destinations"
	tblWorkOrders   = "work_orders"
	tblMeterEntries = "meter_entries"
	tblReceipts     = "receipts"
	tblSessions     = "sessions"
	tblGates        = "gates"
	tblAPIKeys      = "api_keys"
	tblKeysets      = "keysets"
)

const sep = "\x00"

type state struct {
	tables    map[string]map[string][]byte
	outboxSeq int64
	eventSeq  map[string]int64 // tenant\0stream -> last seq
}

func newState() *state {
	return &state{
		tables:   make(map[string]map[string][]byte),
		eventSeq: make(map[string]int64),
	}
}

func (s *state) clone() *state {
	cp := &state{
		tables:    make(map[string]map[string][]byte, len(s.tables)),
		outboxSeq: s.outboxSeq,
		eventSeq:  make(map[string]int64, len(s.eventSeq)),
	}
	for name, tbl := range s.tables {
		inner := make(map[string][]byte, len(tbl))
		for k, v := range tbl {
			inner[k] = v // values are replaced wholesale, sharing is safe
		}
		cp.tables[name] = inner
	}
	for k, v := range s.eventSeq {
		cp.eventSeq[k] = v
	}
	return cp
}

// Mem is the in-memory Store.
type Mem struct {
	mu   *sync.Mutex
	st   *state
	root *Mem // non-nil on tx views; writes go to st without locking
}

// New creates an empty in-memory store.
func New() *Mem {
	return &Mem{mu: &sync.Mutex{}, st: newState()}
}

func (m *Mem) Close() error { return nil }

// Tx clones the state, runs fn against the clone, and commits by swapping
// the pointer. The mutex is held for the whole transaction: writes are
// strictly serialized, matching the single-logical-writer model.
func (m *Mem) Tx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if m.root != nil {
		// nested Tx joins the enclosing transaction
		return fn(ctx, m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	view := &Mem{mu: m.mu, st: work, root: m}
	if err := fn(ctx, view); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (m *Mem) withRead(fn func(s *state)) {
	if m.root != nil {
		fn(m.st)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.st)
}

func (m *Mem) withWrite(fn func(s *state) error) error {
	if m.root != nil {
		return fn(m.st)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.st)
}

func key(parts ...string) string { return strings.Join(parts, sep) }

func put(s *state, table, k string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("memstore marshal %s: %w", table, err)
	}
	tbl := s.tables[table]
	if tbl == nil {
		tbl = make(map[string][]byte)
		s.tables[table] = tbl
	}
	tbl[k] = raw
	return nil
}

func get[T any](s *state, table, k string) (*T, bool) {
	raw, ok := s.tables[table][k]
	if !ok {
		return nil, false
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return &out, true
}

func listPrefix[T any](s *state, table, prefix string) []*T {
	tbl := s.tables[table]
	keys := make([]string, 0, len(tbl))
	for k := range tbl {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]*T, 0, len(keys))
	for _, k := range keys {
		if v, ok := get[T](s, table, k); ok {
			out = append(out, v)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Identities
// ---------------------------------------------------------------------------

func (m *Mem) PutIdentity(ctx context.Context, identity *domain.AgentIdentity) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblIdentities, key(identity.TenantID, identity.AgentID), identity)
	})
}

func (m *Mem) GetIdentity(ctx context.Context, tenantID, agentID string) (*domain.AgentIdentity, error) {
	var out *domain.AgentIdentity
	m.withRead(func(s *state) {
		out, _ = get[domain.AgentIdentity](s, tblIdentities, key(tenantID, agentID))
	})
	if out == nil {
		return nil, store.ErrNotFound("AGENT", agentID)
	}
	return out, nil
}

func (m *Mem) ListIdentities(ctx context.Context, tenantID string, limit int) ([]*domain.AgentIdentity, error) {
	var out []*domain.AgentIdentity
	m.withRead(func(s *state) {
		out = listPrefix[domain.AgentIdentity](s, tblIdentities, tenantID+sep)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mem) ListTenants(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	m.withRead(func(s *state) {
		for _, id := range listPrefix[domain.AgentIdentity](s, tblIdentities, "") {
			if !seen[id.TenantID] {
				seen[id.TenantID] = true
				out = append(out, id.TenantID)
			}
		}
	})
	sort.Strings(out)
	return out, nil
}

func (m *Mem) PutAgentCard(ctx context.Context, card *domain.AgentCard) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblAgentCards, key(card.TenantID, card.AgentID), card)
	})
}

func (m *Mem) ListPublicAgentCards(ctx context.Context) ([]*domain.AgentCard, error) {
	var out []*domain.AgentCard
	m.withRead(func(s *state) {
		for _, card := range listPrefix[domain.AgentCard](s, tblAgentCards, "") {
			if card.Visibility == "public" {
				out = append(out, card)
			}
		}
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// Wallets
// ---------------------------------------------------------------------------

func (m *Mem) PutWallet(ctx context.Context, w *domain.AgentWallet) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblWallets, key(w.TenantID, w.AgentID), w)
	})
}

func (m *Mem) GetWallet(ctx context.Context, tenantID, agentID string) (*domain.AgentWallet, error) {
	var out *domain.AgentWallet
	m.withRead(func(s *state) {
		out, _ = get[domain.AgentWallet](s, tblWallets, key(tenantID, agentID))
	})
	if out == nil {
		return nil, store.ErrNotFound("WALLET", agentID)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Grants
// ---------------------------------------------------------------------------

func (m *Mem) PutGrant(ctx context.Context, g *domain.AuthorityGrant) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblGrants, key(g.TenantID, g.GrantID), g)
	})
}

func (m *Mem) GetGrant(ctx context.Context, tenantID, grantID string) (*domain.AuthorityGrant, error) {
	var out *domain.AuthorityGrant
	m.withRead(func(s *state) {
		out, _ = get[domain.AuthorityGrant](s, tblGrants, key(tenantID, grantID))
	})
	if out == nil {
		return nil, store.ErrNotFound("GRANT", grantID)
	}
	return out, nil
}

func (m *Mem) GetGrantByHash(ctx context.Context, tenantID, grantHash string) (*domain.AuthorityGrant, error) {
	var matches []*domain.AuthorityGrant
	m.withRead(func(s *state) {
		for _, g := range listPrefix[domain.AuthorityGrant](s, tblGrants, tenantID+sep) {
			if g.GrantHash == grantHash {
				matches = append(matches, g)
			}
		}
	})
	switch len(matches) {
	case 0:
		return nil, store.ErrNotFound("GRANT", grantHash)
	case 1:
		return matches[0], nil
	default:
		return nil, store.ErrAmbiguous("GRANT", "grantHash")
	}
}

func (m *Mem) ListGrants(ctx context.Context, tenantID string, delegation bool) ([]*domain.AuthorityGrant, error) {
	var out []*domain.AuthorityGrant
	m.withRead(func(s *state) {
		for _, g := range listPrefix[domain.AuthorityGrant](s, tblGrants, tenantID+sep) {
			if g.IsDelegation() == delegation {
				out = append(out, g)
			}
		}
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// Runs and chained events
// ---------------------------------------------------------------------------

func (m *Mem) PutRun(ctx context.Context, r *domain.Run) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblRuns, key(r.TenantID, r.RunID), r)
	})
}

func (m *Mem) GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	var out *domain.Run
	m.withRead(func(s *state) {
		out, _ = get[domain.Run](s, tblRuns, key(tenantID, runID))
	})
	if out == nil {
		return nil, store.ErrNotFound("RUN", runID)
	}
	return out, nil
}

func (m *Mem) ListRunsByAgent(ctx context.Context, tenantID, agentID string, limit int) ([]*domain.Run, error) {
	var out []*domain.Run
	m.withRead(func(s *state) {
		for _, r := range listPrefix[domain.Run](s, tblRuns, tenantID+sep) {
			if r.AgentID == agentID {
				out = append(out, r)
			}
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mem) AppendEvent(ctx context.Context, ev *domain.ChainedEvent) error {
	return m.withWrite(func(s *state) error {
		sk := key(ev.TenantID, ev.StreamID)
		s.eventSeq[sk]++
		ev.Seq = s.eventSeq[sk]
		return put(s, tblEvents, key(ev.TenantID, ev.StreamID, fmt.Sprintf("%012d", ev.Seq)), ev)
	})
}

func (m *Mem) ListEvents(ctx context.Context, tenantID, streamID string) ([]*domain.ChainedEvent, error) {
	var out []*domain.ChainedEvent
	m.withRead(func(s *state) {
		out = listPrefix[domain.ChainedEvent](s, tblEvents, key(tenantID, streamID)+sep)
	})
	return out, nil
}

func (m *Mem) ListEventsAfter(ctx context.Context, tenantID, streamID string, afterSeq int64) ([]*domain.ChainedEvent, error) {
	all, err := m.ListEvents(ctx, tenantID, streamID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.ChainedEvent, 0, len(all))
	for _, ev := range all {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Settlements
// ---------------------------------------------------------------------------

func (m *Mem) PutSettlement(ctx context.Context, st *domain.Settlement) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblSettlements, key(st.TenantID, st.SettlementID), st)
	})
}

func (m *Mem) GetSettlement(ctx context.Context, tenantID, settlementID string) (*domain.Settlement, error) {
	var out *domain.Settlement
	m.withRead(func(s *state) {
		out, _ = get[domain.Settlement](s, tblSettlements, key(tenantID, settlementID))
	})
	if out == nil {
		return nil, store.ErrNotFound("SETTLEMENT", settlementID)
	}
	return out, nil
}

func (m *Mem) GetSettlementByRun(ctx context.Context, tenantID, runID string) (*domain.Settlement, error) {
	var out *domain.Settlement
	m.withRead(func(s *state) {
		for _, st := range listPrefix[domain.Settlement](s, tblSettlements, tenantID+sep) {
			if st.RunID == runID {
				out = st
				return
			}
		}
	})
	if out == nil {
		return nil, store.ErrNotFound("SETTLEMENT", runID)
	}
	return out, nil
}

func (m *Mem) ListSettlementsInDisputeWindow(ctx context.Context, tenantID string) ([]*domain.Settlement, error) {
	var out []*domain.Settlement
	m.withRead(func(s *state) {
		for _, st := range listPrefix[domain.Settlement](s, tblSettlements, tenantID+sep) {
			if st.DisputeWindowEndsAt != "" {
				out = append(out, st)
			}
		}
	})
	return out, nil
}

func (m *Mem) PutAdjustment(ctx context.Context, a *domain.SettlementAdjustment) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblAdjustments, key(a.TenantID, a.AdjustmentID), a)
	})
}

func (m *Mem) ListAdjustmentsBySettlement(ctx context.Context, tenantID, settlementID string) ([]*domain.SettlementAdjustment, error) {
	var out []*domain.SettlementAdjustment
	m.withRead(func(s *state) {
		for _, a := range listPrefix[domain.SettlementAdjustment](s, tblAdjustments, tenantID+sep) {
			if a.SettlementID == settlementID {
				out = append(out, a)
			}
		}
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// Tool-call kernel
// ---------------------------------------------------------------------------

func (m *Mem) PutAgreement(ctx context.Context, a *domain.ToolCallAgreement) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblAgreements, key(a.TenantID, a.AgreementHash), a)
	})
}

func (m *Mem) GetAgreementByHash(ctx context.Context, tenantID, agreementHash string) (*domain.ToolCallAgreement, error) {
	var out *domain.ToolCallAgreement
	m.withRead(func(s *state) {
		out, _ = get[domain.ToolCallAgreement](s, tblAgreements, key(tenantID, agreementHash))
	})
	if out == nil {
		return nil, store.ErrNotFound("AGREEMENT", agreementHash)
	}
	return out, nil
}

func (m *Mem) PutToolEvidence(ctx context.Context, e *domain.ToolCallEvidence) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblToolEvidence, key(e.TenantID, e.EvidenceHash), e)
	})
}

func (m *Mem) ListToolEvidenceByAgreement(ctx context.Context, tenantID, agreementHash string) ([]*domain.ToolCallEvidence, error) {
	var out []*domain.ToolCallEvidence
	m.withRead(func(s *state) {
		for _, e := range listPrefix[domain.ToolCallEvidence](s, tblToolEvidence, tenantID+sep) {
			if e.AgreementHash == agreementHash {
				out = append(out, e)
			}
		}
	})
	return out, nil
}

func (m *Mem) PutHold(ctx context.Context, h *domain.FundingHold) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblHolds, key(h.TenantID, h.HoldHash), h)
	})
}

func (m *Mem) GetHold(ctx context.Context, tenantID, holdHash string) (*domain.FundingHold, error) {
	var out *domain.FundingHold
	m.withRead(func(s *state) {
		out, _ = get[domain.FundingHold](s, tblHolds, key(tenantID, holdHash))
	})
	if out == nil {
		return nil, store.ErrNotFound("HOLD", holdHash)
	}
	return out, nil
}

func (m *Mem) ListHoldsByStatus(ctx context.Context, tenantID string, status domain.HoldStatus) ([]*domain.FundingHold, error) {
	var out []*domain.FundingHold
	m.withRead(func(s *state) {
		for _, h := range listPrefix[domain.FundingHold](s, tblHolds, tenantID+sep) {
			if h.Status == status {
				out = append(out, h)
			}
		}
	})
	return out, nil
}

func (m *Mem) ListAllHolds(ctx context.Context, tenantID string) ([]*domain.FundingHold, error) {
	var out []*domain.FundingHold
	m.withRead(func(s *state) {
		out = listPrefix[domain.FundingHold](s, tblHolds, tenantID+sep)
	})
	return out, nil
}

func (m *Mem) PutEnvelope(ctx context.Context, e *domain.DisputeOpenEnvelope) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblEnvelopes, key(e.TenantID, e.EnvelopeHash), e)
	})
}

func (m *Mem) GetEnvelopeByHash(ctx context.Context, tenantID, envelopeHash string) (*domain.DisputeOpenEnvelope, error) {
	var out *domain.DisputeOpenEnvelope
	m.withRead(func(s *state) {
		out, _ = get[domain.DisputeOpenEnvelope](s, tblEnvelopes, key(tenantID, envelopeHash))
	})
	if out == nil {
		return nil, store.ErrNotFound("ENVELOPE", envelopeHash)
	}
	return out, nil
}

func (m *Mem) PutArbitrationCase(ctx context.Context, c *domain.ArbitrationCase) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblCases, key(c.TenantID, c.CaseID), c)
	})
}

func (m *Mem) GetArbitrationCase(ctx context.Context, tenantID, caseID string) (*domain.ArbitrationCase, error) {
	var out *domain.ArbitrationCase
	m.withRead(func(s *state) {
		out, _ = get[domain.ArbitrationCase](s, tblCases, key(tenantID, caseID))
	})
	if out == nil {
		return nil, store.ErrNotFound("ARBITRATION_CASE", caseID)
	}
	return out, nil
}

func (m *Mem) GetArbitrationCaseByHold(ctx context.Context, tenantID, holdHash string) (*domain.ArbitrationCase, error) {
	var out *domain.ArbitrationCase
	m.withRead(func(s *state) {
		for _, c := range listPrefix[domain.ArbitrationCase](s, tblCases, tenantID+sep) {
			if c.HoldHash == holdHash {
				out = c
				return
			}
		}
	})
	if out == nil {
		return nil, store.ErrNotFound("ARBITRATION_CASE", holdHash)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Disputes
// ---------------------------------------------------------------------------

func (m *Mem) PutDispute(ctx context.Context, d *domain.Dispute) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblDisputes, key(d.TenantID, d.DisputeID), d)
	})
}

func (m *Mem) GetDispute(ctx context.Context, tenantID, disputeID string) (*domain.Dispute, error) {
	var out *domain.Dispute
	m.withRead(func(s *state) {
		out, _ = get[domain.Dispute](s, tblDisputes, key(tenantID, disputeID))
	})
	if out == nil {
		return nil, store.ErrNotFound("DISPUTE", disputeID)
	}
	return out, nil
}

func (m *Mem) ListOpenDisputes(ctx context.Context, tenantID string) ([]*domain.Dispute, error) {
	var out []*domain.Dispute
	m.withRead(func(s *state) {
		for _, d := range listPrefix[domain.Dispute](s, tblDisputes, tenantID+sep) {
			if d.Status != domain.DisputeClosed {
				out = append(out, d)
			}
		}
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// Idempotency
// ---------------------------------------------------------------------------

func (m *Mem) GetIdempotency(ctx context.Context, tenantID, idemKey string) (*domain.IdempotencyRecord, error) {
	var out *domain.IdempotencyRecord
	m.withRead(func(s *state) {
		out, _ = get[domain.IdempotencyRecord](s, tblIdempotency, key(tenantID, idemKey))
	})
	if out == nil {
		return nil, store.ErrNotFound("IDEMPOTENCY_RECORD", idemKey)
	}
	return out, nil
}

func (m *Mem) PutIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblIdempotency, key(rec.TenantID, rec.Key), rec)
	})
}

func (m *Mem) DeleteIdempotency(ctx context.Context, tenantID, idemKey string) error {
	return m.withWrite(func(s *state) error {
		delete(s.tables[tblIdempotency], key(tenantID, idemKey))
		return nil
	})
}

func (m *Mem) SweepIdempotency(ctx context.Context, nowISO string) (int, error) {
	removed := 0
	err := m.withWrite(func(s *state) error {
		tbl := s.tables[tblIdempotency]
		for k := range tbl {
			var rec domain.IdempotencyRecord
			if json.Unmarshal(tbl[k], &rec) == nil && rec.ExpiresAt != "" && rec.ExpiresAt <= nowISO {
				delete(tbl, k)
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// ---------------------------------------------------------------------------
// Outbox, deliveries, destinations
// ---------------------------------------------------------------------------

func (m *Mem) EnqueueOutbox(ctx context.Context, msg *domain.OutboxMessage) error {
	return m.withWrite(func(s *state) error {
		s.outboxSeq++
		msg.ID = s.outboxSeq
		if msg.State == "" {
			msg.State = domain.OutboxPending
		}
		return put(s, tblOutbox, fmt.Sprintf("%020d", msg.ID), msg)
	})
}

func (m *Mem) PutOutbox(ctx context.Context, msg *domain.OutboxMessage) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblOutbox, fmt.Sprintf("%020d", msg.ID), msg)
	})
}

func (m *Mem) ClaimPendingOutbox(ctx context.Context, nowISO string, limit int) ([]*domain.OutboxMessage, error) {
	var out []*domain.OutboxMessage
	m.withRead(func(s *state) {
		all := listPrefix[domain.OutboxMessage](s, tblOutbox, "")
		// earliest pending id per aggregate; later messages wait for FIFO
		firstPending := make(map[string]int64)
		aggKey := func(msg *domain.OutboxMessage) string {
			return key(msg.TenantID, msg.AggregateType, msg.AggregateID)
		}
		for _, msg := range all {
			if msg.State != domain.OutboxPending {
				continue
			}
			k := aggKey(msg)
			if cur, ok := firstPending[k]; !ok || msg.ID < cur {
				firstPending[k] = msg.ID
			}
		}
		for _, msg := range all {
			if msg.State != domain.OutboxPending {
				continue
			}
			if msg.NextAttemptAt != "" && msg.NextAttemptAt > nowISO {
				continue
			}
			if firstPending[aggKey(msg)] != msg.ID {
				continue
			}
			out = append(out, msg)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	})
	return out, nil
}

func (m *Mem) ListOutbox(ctx context.Context, tenantID string, stateFilter domain.OutboxState, limit int) ([]*domain.OutboxMessage, error) {
	var out []*domain.OutboxMessage
	m.withRead(func(s *state) {
		for _, msg := range listPrefix[domain.OutboxMessage](s, tblOutbox, "") {
			if msg.TenantID != tenantID {
				continue
			}
			if stateFilter != "" && msg.State != stateFilter {
				continue
			}
			out = append(out, msg)
			if limit > 0 && len(out) >= limit {
				return
			}
		}
	})
	return out, nil
}

func (m *Mem) PutDelivery(ctx context.Context, d *domain.DeliveryRecord) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblDeliveries, key(d.TenantID, d.DeliveryID), d)
	})
}

func (m *Mem) GetDelivery(ctx context.Context, tenantID, deliveryID string) (*domain.DeliveryRecord, error) {
	var out *domain.DeliveryRecord
	m.withRead(func(s *state) {
		out, _ = get[domain.DeliveryRecord](s, tblDeliveries, key(tenantID, deliveryID))
	})
	if out == nil {
		return nil, store.ErrNotFound("DELIVERY", deliveryID)
	}
	return out, nil
}

func (m *Mem) ListDeliveries(ctx context.Context, tenantID string, stateFilter domain.DeliveryState, limit int) ([]*domain.DeliveryRecord, error) {
	var out []*domain.DeliveryRecord
	m.withRead(func(s *state) {
		for _, d := range listPrefix[domain.DeliveryRecord](s, tblDeliveries, tenantID+sep) {
			if stateFilter != "" && d.State != stateFilter {
				continue
			}
			out = append(out, d)
			if limit > 0 && len(out) >= limit {
				return
			}
		}
	})
	return out, nil
}

func (m *Mem) PutDestination(ctx context.Context, d *domain.Destination) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblDestinations, key(d.TenantID, d.DestinationID), d)
	})
}

func (m *Mem) ListDestinations(ctx context.Context, tenantID string) ([]*domain.Destination, error) {
	var out []*domain.Destination
	m.withRead(func(s *state) {
		out = listPrefix[domain.Destination](s, tblDestinations, tenantID+sep)
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// Work orders
// ---------------------------------------------------------------------------

func (m *Mem) PutWorkOrder(ctx context.Context, wo *domain.WorkOrder) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblWorkOrders, key(wo.TenantID, wo.WorkOrderID), wo)
	})
}

func (m *Mem) GetWorkOrder(ctx context.Context, tenantID, workOrderID string) (*domain.WorkOrder, error) {
	var out *domain.WorkOrder
	m.withRead(func(s *state) {
		out, _ = get[domain.WorkOrder](s, tblWorkOrders, key(tenantID, workOrderID))
	})
	if out == nil {
		return nil, store.ErrNotFound("WORK_ORDER", workOrderID)
	}
	return out, nil
}

func (m *Mem) ListWorkOrders(ctx context.Context, tenantID string, limit int) ([]*domain.WorkOrder, error) {
	var out []*domain.WorkOrder
	m.withRead(func(s *state) {
		out = listPrefix[domain.WorkOrder](s, tblWorkOrders, tenantID+sep)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Mem) PutMeterEntry(ctx context.Context, e *domain.MeterEntry) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblMeterEntries, key(e.TenantID, e.WorkOrderID, e.EntryID), e)
	})
}

func (m *Mem) ListMeterEntries(ctx context.Context, tenantID, workOrderID string) ([]*domain.MeterEntry, error) {
	var out []*domain.MeterEntry
	m.withRead(func(s *state) {
		out = listPrefix[domain.MeterEntry](s, tblMeterEntries, key(tenantID, workOrderID)+sep)
	})
	return out, nil
}

func (m *Mem) PutReceipt(ctx context.Context, r *domain.CompletionReceipt) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblReceipts, key(r.TenantID, r.WorkOrderID, r.ReceiptID), r)
	})
}

func (m *Mem) ListReceiptsByWorkOrder(ctx context.Context, tenantID, workOrderID string) ([]*domain.CompletionReceipt, error) {
	var out []*domain.CompletionReceipt
	m.withRead(func(s *state) {
		out = listPrefix[domain.CompletionReceipt](s, tblReceipts, key(tenantID, workOrderID)+sep)
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// Sessions and gates
// ---------------------------------------------------------------------------

func (m *Mem) PutSession(ctx context.Context, sess *domain.Session) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblSessions, key(sess.TenantID, sess.SessionID), sess)
	})
}

func (m *Mem) GetSession(ctx context.Context, tenantID, sessionID string) (*domain.Session, error) {
	var out *domain.Session
	m.withRead(func(s *state) {
		out, _ = get[domain.Session](s, tblSessions, key(tenantID, sessionID))
	})
	if out == nil {
		return nil, store.ErrNotFound("SESSION", sessionID)
	}
	return out, nil
}

func (m *Mem) PutGate(ctx context.Context, g *domain.PaymentGate) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblGates, key(g.TenantID, g.GateID), g)
	})
}

func (m *Mem) GetGate(ctx context.Context, tenantID, gateID string) (*domain.PaymentGate, error) {
	var out *domain.PaymentGate
	m.withRead(func(s *state) {
		out, _ = get[domain.PaymentGate](s, tblGates, key(tenantID, gateID))
	})
	if out == nil {
		return nil, store.ErrNotFound("GATE", gateID)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// API keys and keyset
// ---------------------------------------------------------------------------

func (m *Mem) PutAPIKey(ctx context.Context, k *domain.APIKey) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblAPIKeys, k.KeyID, k)
	})
}

func (m *Mem) GetAPIKey(ctx context.Context, keyID string) (*domain.APIKey, error) {
	var out *domain.APIKey
	m.withRead(func(s *state) {
		out, _ = get[domain.APIKey](s, tblAPIKeys, keyID)
	})
	if out == nil {
		return nil, store.ErrNotFound("API_KEY", keyID)
	}
	return out, nil
}

func (m *Mem) GetKeyset(ctx context.Context) (*domain.Keyset, error) {
	var out *domain.Keyset
	m.withRead(func(s *state) {
		out, _ = get[domain.Keyset](s, tblKeysets, "current")
	})
	if out == nil {
		return nil, store.ErrNotFound("KEYSET", "current")
	}
	return out, nil
}

func (m *Mem) PutKeyset(ctx context.Context, ks *domain.Keyset) error {
	return m.withWrite(func(s *state) error {
		return put(s, tblKeysets, "current", ks)
	})
}

var _ store.Store = (*Mem)(nil)
