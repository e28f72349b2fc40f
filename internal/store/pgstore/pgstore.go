// Package pgstore is the Postgres Store backend. Aggregates live in
// per-entity document tables keyed (tenant_id, id) with a JSONB doc column;
// hot filters (grant hash, outbox state, delivery state) go through indexed
// JSONB expressions. Transactions map directly onto database transactions,
// and wallet reads inside a transaction take a row lock so credits, locks
// and releases on one wallet are serialized.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/store"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PG is the Postgres-backed Store.
type PG struct {
	db     *sql.DB
	q      querier
	schema string
	inTx   bool
}

// Options configure the Postgres backend.
type Options struct {
	DatabaseURL      string
	Schema           string // defaults to "settld"
	MigrateOnStartup bool
}

// Open connects, optionally migrates, and returns the store.
func Open(ctx context.Context, opts Options) (*PG, error) {
	if opts.Schema == "" {
		opts.Schema = "settld"
	}
	db, err := sql.Open("postgres", opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore ping: %w", err)
	}
	p := &PG{db: db, q: db, schema: opts.Schema}
	if opts.MigrateOnStartup {
		if err := Migrate(ctx, db, opts.Schema); err != nil {
			db.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *PG) Close() error {
	if p.inTx {
		return nil
	}
	return p.db.Close()
}

func (p *PG) t(table string) string {
	return fmt.Sprintf("%q.%q", p.schema, table)
}

// Tx opens a database transaction and runs fn against a tx-bound view.
func (p *PG) Tx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if p.inTx {
		return fn(ctx, p)
	}
	dbtx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore begin: %w", err)
	}
	view := &PG{db: p.db, q: dbtx, schema: p.schema, inTx: true}
	if err := fn(ctx, view); err != nil {
		if rbErr := dbtx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("pgstore commit: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// generic doc helpers
// ---------------------------------------------------------------------------

func (p *PG) putDoc(ctx context.Context, table, tenantID, id string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pgstore marshal %s: %w", table, err)
	}
	_, err = p.q.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (tenant_id, id, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET doc = EXCLUDED.doc`, p.t(table)),
		tenantID, id, raw)
	if err != nil {
		return fmt.Errorf("pgstore put %s: %w", table, err)
	}
	return nil
}

func getDoc[T any](ctx context.Context, p *PG, table, tenantID, id, kind string, lock bool) (*T, error) {
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE tenant_id = $1 AND id = $2`, p.t(table))
	if lock && p.inTx {
		q += " FOR UPDATE"
	}
	var raw []byte
	err := p.q.QueryRowContext(ctx, q, tenantID, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound(kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore get %s: %w", table, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("pgstore decode %s: %w", table, err)
	}
	return &out, nil
}

func queryDocs[T any](ctx context.Context, p *PG, query string, args ...interface{}) ([]*T, error) {
	rows, err := p.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore query: %w", err)
	}
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func limitClause(limit int) string {
	if limit > 0 {
		return fmt.Sprintf(" LIMIT %d", limit)
	}
	return ""
}

// ---------------------------------------------------------------------------
// Identities
// ---------------------------------------------------------------------------

func (p *PG) PutIdentity(ctx context.Context, identity *domain.AgentIdentity) error {
	return p.putDoc(ctx, "identities", identity.TenantID, identity.AgentID, identity)
}

func (p *PG) GetIdentity(ctx context.Context, tenantID, agentID string) (*domain.AgentIdentity, error) {
	return getDoc[domain.AgentIdentity](ctx, p, "identities", tenantID, agentID, "AGENT", false)
}

func (p *PG) ListIdentities(ctx context.Context, tenantID string, limit int) ([]*domain.AgentIdentity, error) {
	return queryDocs[domain.AgentIdentity](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 ORDER BY id%s`, p.t("identities"), limitClause(limit)), tenantID)
}

func (p *PG) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := p.q.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT tenant_id FROM %s ORDER BY tenant_id`, p.t("identities")))
	if err != nil {
		return nil, fmt.Errorf("pgstore: list tenants: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PG) PutAgentCard(ctx context.Context, card *domain.AgentCard) error {
	return p.putDoc(ctx, "agent_cards", card.TenantID, card.AgentID, card)
}

func (p *PG) ListPublicAgentCards(ctx context.Context) ([]*domain.AgentCard, error) {
	return queryDocs[domain.AgentCard](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE doc->>'visibility' = 'public' ORDER BY tenant_id, id`, p.t("agent_cards")))
}

// ---------------------------------------------------------------------------
// Wallets
// ---------------------------------------------------------------------------

func (p *PG) PutWallet(ctx context.Context, w *domain.AgentWallet) error {
	return p.putDoc(ctx, "wallets", w.TenantID, w.AgentID, w)
}

func (p *PG) GetWallet(ctx context.Context, tenantID, agentID string) (*domain.AgentWallet, error) {
	// row lock inside Tx serializes concurrent wallet mutations
	return getDoc[domain.AgentWallet](ctx, p, "wallets", tenantID, agentID, "WALLET", true)
}

// ---------------------------------------------------------------------------
// Grants
// ---------------------------------------------------------------------------

func (p *PG) PutGrant(ctx context.Context, g *domain.AuthorityGrant) error {
	return p.putDoc(ctx, "grants", g.TenantID, g.GrantID, g)
}

func (p *PG) GetGrant(ctx context.Context, tenantID, grantID string) (*domain.AuthorityGrant, error) {
	return getDoc[domain.AuthorityGrant](ctx, p, "grants", tenantID, grantID, "GRANT", false)
}

func (p *PG) GetGrantByHash(ctx context.Context, tenantID, grantHash string) (*domain.AuthorityGrant, error) {
	matches, err := queryDocs[domain.AuthorityGrant](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND doc->>'grantHash' = $2 LIMIT 2`, p.t("grants")),
		tenantID, grantHash)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, store.ErrNotFound("GRANT", grantHash)
	case 1:
		return matches[0], nil
	default:
		return nil, store.ErrAmbiguous("GRANT", "grantHash")
	}
}

func (p *PG) ListGrants(ctx context.Context, tenantID string, delegation bool) ([]*domain.AuthorityGrant, error) {
	schema := "AuthorityGrant.v1"
	if delegation {
		schema = "DelegationGrant.v1"
	}
	return queryDocs[domain.AuthorityGrant](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND doc->>'schemaVersion' = $2 ORDER BY id`, p.t("grants")),
		tenantID, schema)
}

// ---------------------------------------------------------------------------
// Runs and chained events
// ---------------------------------------------------------------------------

func (p *PG) PutRun(ctx context.Context, r *domain.Run) error {
	return p.putDoc(ctx, "runs", r.TenantID, r.RunID, r)
}

func (p *PG) GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	return getDoc[domain.Run](ctx, p, "runs", tenantID, runID, "RUN", true)
}

func (p *PG) ListRunsByAgent(ctx context.Context, tenantID, agentID string, limit int) ([]*domain.Run, error) {
	return queryDocs[domain.Run](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND doc->>'agentId' = $2 ORDER BY id%s`,
		p.t("runs"), limitClause(limit)), tenantID, agentID)
}

func (p *PG) AppendEvent(ctx context.Context, ev *domain.ChainedEvent) error {
	// seq assignment and insert in one statement; the unique (tenant,stream,seq)
	// key turns a rare race into a constraint error and a rolled-back Tx
	row := p.q.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM %s WHERE tenant_id = $1 AND stream_id = $2`, p.t("events")),
		ev.TenantID, ev.StreamID)
	if err := row.Scan(&ev.Seq); err != nil {
		return fmt.Errorf("pgstore event seq: %w", err)
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (tenant_id, stream_id, seq, id, doc) VALUES ($1, $2, $3, $4, $5)`, p.t("events")),
		ev.TenantID, ev.StreamID, ev.Seq, ev.ID, raw)
	if err != nil {
		return fmt.Errorf("pgstore append event: %w", err)
	}
	return nil
}

func (p *PG) ListEvents(ctx context.Context, tenantID, streamID string) ([]*domain.ChainedEvent, error) {
	return queryDocs[domain.ChainedEvent](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND stream_id = $2 ORDER BY seq`, p.t("events")),
		tenantID, streamID)
}

func (p *PG) ListEventsAfter(ctx context.Context, tenantID, streamID string, afterSeq int64) ([]*domain.ChainedEvent, error) {
	return queryDocs[domain.ChainedEvent](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND stream_id = $2 AND seq > $3 ORDER BY seq`, p.t("events")),
		tenantID, streamID, afterSeq)
}

// ---------------------------------------------------------------------------
// Settlements
// ---------------------------------------------------------------------------

func (p *PG) PutSettlement(ctx context.Context, s *domain.Settlement) error {
	return p.putDoc(ctx, "settlements", s.TenantID, s.SettlementID, s)
}

func (p *PG) GetSettlement(ctx context.Context, tenantID, settlementID string) (*domain.Settlement, error) {
	return getDoc[domain.Settlement](ctx, p, "settlements", tenantID, settlementID, "SETTLEMENT", true)
}

func (p *PG) GetSettlementByRun(ctx context.Context, tenantID, runID string) (*domain.Settlement, error) {
	matches, err := queryDocs[domain.Settlement](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND doc->>'runId' = $2 LIMIT 1`, p.t("settlements")),
		tenantID, runID)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, store.ErrNotFound("SETTLEMENT", runID)
	}
	return matches[0], nil
}

func (p *PG) ListSettlementsInDisputeWindow(ctx context.Context, tenantID string) ([]*domain.Settlement, error) {
	return queryDocs[domain.Settlement](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1
		 AND COALESCE(doc->>'disputeWindowEndsAt', '') <> ''`, p.t("settlements")),
		tenantID)
}

func (p *PG) PutAdjustment(ctx context.Context, a *domain.SettlementAdjustment) error {
	return p.putDoc(ctx, "adjustments", a.TenantID, a.AdjustmentID, a)
}

func (p *PG) ListAdjustmentsBySettlement(ctx context.Context, tenantID, settlementID string) ([]*domain.SettlementAdjustment, error) {
	return queryDocs[domain.SettlementAdjustment](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND doc->>'settlementId' = $2 ORDER BY id`, p.t("adjustments")),
		tenantID, settlementID)
}

// ---------------------------------------------------------------------------
// Tool-call kernel
// ---------------------------------------------------------------------------

func (p *PG) PutAgreement(ctx context.Context, a *domain.ToolCallAgreement) error {
	return p.putDoc(ctx, "agreements", a.TenantID, a.AgreementHash, a)
}

func (p *PG) GetAgreementByHash(ctx context.Context, tenantID, agreementHash string) (*domain.ToolCallAgreement, error) {
	return getDoc[domain.ToolCallAgreement](ctx, p, "agreements", tenantID, agreementHash, "AGREEMENT", false)
}

func (p *PG) PutToolEvidence(ctx context.Context, e *domain.ToolCallEvidence) error {
	return p.putDoc(ctx, "tool_evidence", e.TenantID, e.EvidenceHash, e)
}

func (p *PG) ListToolEvidenceByAgreement(ctx context.Context, tenantID, agreementHash string) ([]*domain.ToolCallEvidence, error) {
	return queryDocs[domain.ToolCallEvidence](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND doc->>'agreementHash' = $2 ORDER BY id`, p.t("tool_evidence")),
		tenantID, agreementHash)
}

func (p *PG) PutHold(ctx context.Context, h *domain.FundingHold) error {
	return p.putDoc(ctx, "holds", h.TenantID, h.HoldHash, h)
}

func (p *PG) GetHold(ctx context.Context, tenantID, holdHash string) (*domain.FundingHold, error) {
	return getDoc[domain.FundingHold](ctx, p, "holds", tenantID, holdHash, "HOLD", true)
}

func (p *PG) ListHoldsByStatus(ctx context.Context, tenantID string, status domain.HoldStatus) ([]*domain.FundingHold, error) {
	return queryDocs[domain.FundingHold](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND doc->>'status' = $2 ORDER BY id`, p.t("holds")),
		tenantID, string(status))
}

func (p *PG) ListAllHolds(ctx context.Context, tenantID string) ([]*domain.FundingHold, error) {
	return queryDocs[domain.FundingHold](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 ORDER BY id`, p.t("holds")), tenantID)
}

func (p *PG) PutEnvelope(ctx context.Context, e *domain.DisputeOpenEnvelope) error {
	return p.putDoc(ctx, "envelopes", e.TenantID, e.EnvelopeHash, e)
}

func (p *PG) GetEnvelopeByHash(ctx context.Context, tenantID, envelopeHash string) (*domain.DisputeOpenEnvelope, error) {
	return getDoc[domain.DisputeOpenEnvelope](ctx, p, "envelopes", tenantID, envelopeHash, "ENVELOPE", false)
}

func (p *PG) PutArbitrationCase(ctx context.Context, c *domain.ArbitrationCase) error {
	return p.putDoc(ctx, "arbitration_cases", c.TenantID, c.CaseID, c)
}

func (p *PG) GetArbitrationCase(ctx context.Context, tenantID, caseID string) (*domain.ArbitrationCase, error) {
	return getDoc[domain.ArbitrationCase](ctx, p, "arbitration_cases", tenantID, caseID, "ARBITRATION_CASE", true)
}

func (p *PG) GetArbitrationCaseByHold(ctx context.Context, tenantID, holdHash string) (*domain.ArbitrationCase, error) {
	matches, err := queryDocs[domain.ArbitrationCase](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND doc->>'holdHash' = $2 LIMIT 1`, p.t("arbitration_cases")),
		tenantID, holdHash)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, store.ErrNotFound("ARBITRATION_CASE", holdHash)
	}
	return matches[0], nil
}

// ---------------------------------------------------------------------------
// Disputes
// ---------------------------------------------------------------------------

func (p *PG) PutDispute(ctx context.Context, d *domain.Dispute) error {
	return p.putDoc(ctx, "disputes", d.TenantID, d.DisputeID, d)
}

func (p *PG) GetDispute(ctx context.Context, tenantID, disputeID string) (*domain.Dispute, error) {
	return getDoc[domain.Dispute](ctx, p, "disputes", tenantID, disputeID, "DISPUTE", true)
}

func (p *PG) ListOpenDisputes(ctx context.Context, tenantID string) ([]*domain.Dispute, error) {
	return queryDocs[domain.Dispute](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND doc->>'status' <> 'closed' ORDER BY id`, p.t("disputes")),
		tenantID)
}

// ---------------------------------------------------------------------------
// Idempotency
// ---------------------------------------------------------------------------

func (p *PG) GetIdempotency(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error) {
	return getDoc[domain.IdempotencyRecord](ctx, p, "idempotency", tenantID, key, "IDEMPOTENCY_RECORD", false)
}

func (p *PG) PutIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (tenant_id, id, expires_at, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, id) DO UPDATE SET expires_at = EXCLUDED.expires_at, doc = EXCLUDED.doc`,
		p.t("idempotency")),
		rec.TenantID, rec.Key, rec.ExpiresAt, raw)
	return err
}

func (p *PG) DeleteIdempotency(ctx context.Context, tenantID, key string) error {
	_, err := p.q.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE tenant_id = $1 AND id = $2`, p.t("idempotency")), tenantID, key)
	return err
}

func (p *PG) SweepIdempotency(ctx context.Context, nowISO string) (int, error) {
	res, err := p.q.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE expires_at <= $1`, p.t("idempotency")), nowISO)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ---------------------------------------------------------------------------
// Outbox, deliveries, destinations
// ---------------------------------------------------------------------------

func (p *PG) EnqueueOutbox(ctx context.Context, msg *domain.OutboxMessage) error {
	if msg.State == "" {
		msg.State = domain.OutboxPending
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	row := p.q.QueryRowContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (tenant_id, aggregate_type, aggregate_id, state, next_attempt_at, doc)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6) RETURNING id`, p.t("outbox")),
		msg.TenantID, msg.AggregateType, msg.AggregateID, string(msg.State), msg.NextAttemptAt, raw)
	if err := row.Scan(&msg.ID); err != nil {
		return fmt.Errorf("pgstore enqueue outbox: %w", err)
	}
	// doc carries its own id for readers that only see the JSON
	return p.PutOutbox(ctx, msg)
}

func (p *PG) PutOutbox(ctx context.Context, msg *domain.OutboxMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET state = $2, next_attempt_at = NULLIF($3, ''), doc = $4 WHERE id = $1`, p.t("outbox")),
		msg.ID, string(msg.State), msg.NextAttemptAt, raw)
	return err
}

func (p *PG) ClaimPendingOutbox(ctx context.Context, nowISO string, limit int) ([]*domain.OutboxMessage, error) {
	q := fmt.Sprintf(
		`SELECT doc FROM %s o
		 WHERE o.state = 'pending'
		   AND (o.next_attempt_at IS NULL OR o.next_attempt_at <= $1)
		   AND NOT EXISTS (
		     SELECT 1 FROM %s e
		      WHERE e.state = 'pending'
		        AND e.tenant_id = o.tenant_id
		        AND e.aggregate_type = o.aggregate_type
		        AND e.aggregate_id = o.aggregate_id
		        AND e.id < o.id)
		 ORDER BY o.id%s`, p.t("outbox"), p.t("outbox"), limitClause(limit))
	if p.inTx {
		q += " FOR UPDATE SKIP LOCKED"
	}
	return queryDocs[domain.OutboxMessage](ctx, p, q, nowISO)
}

func (p *PG) ListOutbox(ctx context.Context, tenantID string, state domain.OutboxState, limit int) ([]*domain.OutboxMessage, error) {
	if state == "" {
		return queryDocs[domain.OutboxMessage](ctx, p, fmt.Sprintf(
			`SELECT doc FROM %s WHERE tenant_id = $1 ORDER BY id%s`, p.t("outbox"), limitClause(limit)), tenantID)
	}
	return queryDocs[domain.OutboxMessage](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND state = $2 ORDER BY id%s`,
		p.t("outbox"), limitClause(limit)), tenantID, string(state))
}

func (p *PG) PutDelivery(ctx context.Context, d *domain.DeliveryRecord) error {
	return p.putDoc(ctx, "deliveries", d.TenantID, d.DeliveryID, d)
}

func (p *PG) GetDelivery(ctx context.Context, tenantID, deliveryID string) (*domain.DeliveryRecord, error) {
	return getDoc[domain.DeliveryRecord](ctx, p, "deliveries", tenantID, deliveryID, "DELIVERY", true)
}

func (p *PG) ListDeliveries(ctx context.Context, tenantID string, state domain.DeliveryState, limit int) ([]*domain.DeliveryRecord, error) {
	if state == "" {
		return queryDocs[domain.DeliveryRecord](ctx, p, fmt.Sprintf(
			`SELECT doc FROM %s WHERE tenant_id = $1 ORDER BY id%s`, p.t("deliveries"), limitClause(limit)), tenantID)
	}
	return queryDocs[domain.DeliveryRecord](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND doc->>'state' = $2 ORDER BY id%s`,
		p.t("deliveries"), limitClause(limit)), tenantID, string(state))
}

func (p *PG) PutDestination(ctx context.Context, d *domain.Destination) error {
	return p.putDoc(ctx, "destinations", d.TenantID, d.DestinationID, d)
}

func (p *PG) ListDestinations(ctx context.Context, tenantID string) ([]*domain.Destination, error) {
	return queryDocs[domain.Destination](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 ORDER BY id`, p.t("destinations")), tenantID)
}

// ---------------------------------------------------------------------------
// Work orders
// ---------------------------------------------------------------------------

func (p *PG) PutWorkOrder(ctx context.Context, wo *domain.WorkOrder) error {
	return p.putDoc(ctx, "work_orders", wo.TenantID, wo.WorkOrderID, wo)
}

func (p *PG) GetWorkOrder(ctx context.Context, tenantID, workOrderID string) (*domain.WorkOrder, error) {
	return getDoc[domain.WorkOrder](ctx, p, "work_orders", tenantID, workOrderID, "WORK_ORDER", true)
}

func (p *PG) ListWorkOrders(ctx context.Context, tenantID string, limit int) ([]*domain.WorkOrder, error) {
	return queryDocs[domain.WorkOrder](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 ORDER BY id%s`, p.t("work_orders"), limitClause(limit)), tenantID)
}

func (p *PG) PutMeterEntry(ctx context.Context, e *domain.MeterEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (tenant_id, work_order_id, id, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, work_order_id, id) DO UPDATE SET doc = EXCLUDED.doc`, p.t("meter_entries")),
		e.TenantID, e.WorkOrderID, e.EntryID, raw)
	return err
}

func (p *PG) ListMeterEntries(ctx context.Context, tenantID, workOrderID string) ([]*domain.MeterEntry, error) {
	return queryDocs[domain.MeterEntry](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND work_order_id = $2 ORDER BY id`, p.t("meter_entries")),
		tenantID, workOrderID)
}

func (p *PG) PutReceipt(ctx context.Context, r *domain.CompletionReceipt) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (tenant_id, work_order_id, id, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, work_order_id, id) DO UPDATE SET doc = EXCLUDED.doc`, p.t("receipts")),
		r.TenantID, r.WorkOrderID, r.ReceiptID, raw)
	return err
}

func (p *PG) ListReceiptsByWorkOrder(ctx context.Context, tenantID, workOrderID string) ([]*domain.CompletionReceipt, error) {
	return queryDocs[domain.CompletionReceipt](ctx, p, fmt.Sprintf(
		`SELECT doc FROM %s WHERE tenant_id = $1 AND work_order_id = $2 ORDER BY id`, p.t("receipts")),
		tenantID, workOrderID)
}

// ---------------------------------------------------------------------------
// Sessions and gates
// ---------------------------------------------------------------------------

func (p *PG) PutSession(ctx context.Context, s *domain.Session) error {
	return p.putDoc(ctx, "sessions", s.TenantID, s.SessionID, s)
}

func (p *PG) GetSession(ctx context.Context, tenantID, sessionID string) (*domain.Session, error) {
	return getDoc[domain.Session](ctx, p, "sessions", tenantID, sessionID, "SESSION", true)
}

func (p *PG) PutGate(ctx context.Context, g *domain.PaymentGate) error {
	return p.putDoc(ctx, "gates", g.TenantID, g.GateID, g)
}

func (p *PG) GetGate(ctx context.Context, tenantID, gateID string) (*domain.PaymentGate, error) {
	return getDoc[domain.PaymentGate](ctx, p, "gates", tenantID, gateID, "GATE", true)
}

// ---------------------------------------------------------------------------
// API keys and keyset
// ---------------------------------------------------------------------------

func (p *PG) PutAPIKey(ctx context.Context, k *domain.APIKey) error {
	raw, err := json.Marshal(k)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, doc) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		p.t("api_keys")), k.KeyID, raw)
	return err
}

func (p *PG) GetAPIKey(ctx context.Context, keyID string) (*domain.APIKey, error) {
	var raw []byte
	err := p.q.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT doc FROM %s WHERE id = $1`, p.t("api_keys")), keyID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound("API_KEY", keyID)
	}
	if err != nil {
		return nil, err
	}
	var out domain.APIKey
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *PG) GetKeyset(ctx context.Context) (*domain.Keyset, error) {
	var raw []byte
	err := p.q.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT doc FROM %s WHERE id = 'current'`, p.t("keysets"))).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound("KEYSET", "current")
	}
	if err != nil {
		return nil, err
	}
	var out domain.Keyset
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *PG) PutKeyset(ctx context.Context, ks *domain.Keyset) error {
	raw, err := json.Marshal(ks)
	if err != nil {
		return err
	}
	_, err = p.q.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, doc) VALUES ('current', $1) ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		p.t("keysets")), raw)
	return err
}

var _ store.Store = (*PG)(nil)
