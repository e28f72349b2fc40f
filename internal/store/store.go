// Package store defines the persistence contract of the settlement core.
// Every read and write is scoped by tenant; cross-tenant lookups fail closed
// with not-found. The store is the only writer of persisted state: engines
// receive snapshots, compute the next state, and hand it back inside Tx.
package store

import (
	"context"

	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
)

// ErrNotFound builds the canonical not-found error for an aggregate kind.
func ErrNotFound(kind, id string) *derr.Error {
	return derr.NotFound(kind+"_NOT_FOUND", "%s %s not found", kind, id)
}

// ErrAmbiguous reports more than one match for a lookup that must be unique.
func ErrAmbiguous(kind, key string) *derr.Error {
	return derr.Conflict(kind+"_AMBIGUOUS", "%s lookup by %s matched more than one record", kind, key)
}

// Store is the typed persistence surface. Both back-ends (memory, Postgres)
// implement it; the value returned to a Tx callback is a transactional view
// of the same interface.
type Store interface {
	// Tx runs fn atomically. All writes issued through the tx view commit
	// together or not at all; returning an error rolls back.
	Tx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	IdentityStore
	WalletStore
	GrantStore
	RunStore
	SettlementStore
	ToolCallStore
	DisputeStore
	IdempotencyStore
	OutboxStore
	WorkOrderStore
	SessionStore
	AuthStore
	KeysetStore

	// Close releases backend resources.
	Close() error
}

// IdentityStore persists agent identities and public agent cards.
type IdentityStore interface {
	PutIdentity(ctx context.Context, identity *domain.AgentIdentity) error
	GetIdentity(ctx context.Context, tenantID, agentID string) (*domain.AgentIdentity, error)
	ListIdentities(ctx context.Context, tenantID string, limit int) ([]*domain.AgentIdentity, error)

	PutAgentCard(ctx context.Context, card *domain.AgentCard) error
	ListPublicAgentCards(ctx context.Context) ([]*domain.AgentCard, error)

	// ListTenants enumerates tenants with at least one registered identity;
	// background sweeps iterate it.
	ListTenants(ctx context.Context) ([]string, error)
}

// WalletStore persists per-agent wallets.
type WalletStore interface {
	PutWallet(ctx context.Context, w *domain.AgentWallet) error
	GetWallet(ctx context.Context, tenantID, agentID string) (*domain.AgentWallet, error)
}

// GrantStore persists authority and delegation grants. Grants are resolved
// by id and, for chain walking, by grant hash; a hash matching more than one
// stored grant is an ambiguity error the verifier surfaces as such.
type GrantStore interface {
	PutGrant(ctx context.Context, g *domain.AuthorityGrant) error
	GetGrant(ctx context.Context, tenantID, grantID string) (*domain.AuthorityGrant, error)
	GetGrantByHash(ctx context.Context, tenantID, grantHash string) (*domain.AuthorityGrant, error)
	ListGrants(ctx context.Context, tenantID string, delegation bool) ([]*domain.AuthorityGrant, error)
}

// RunStore persists runs and their chained event streams. AppendEvent
// assigns the next sequence number within the stream; it does not check the
// chain precondition (the engine does that inside Tx).
type RunStore interface {
	PutRun(ctx context.Context, r *domain.Run) error
	GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error)
	ListRunsByAgent(ctx context.Context, tenantID, agentID string, limit int) ([]*domain.Run, error)

	AppendEvent(ctx context.Context, ev *domain.ChainedEvent) error
	ListEvents(ctx context.Context, tenantID, streamID string) ([]*domain.ChainedEvent, error)
	ListEventsAfter(ctx context.Context, tenantID, streamID string, afterSeq int64) ([]*domain.ChainedEvent, error)
}

// SettlementStore persists settlements and adjustments.
type SettlementStore interface {
	PutSettlement(ctx context.Context, s *domain.Settlement) error
	GetSettlement(ctx context.Context, tenantID, settlementID string) (*domain.Settlement, error)
	GetSettlementByRun(ctx context.Context, tenantID, runID string) (*domain.Settlement, error)
	ListSettlementsInDisputeWindow(ctx context.Context, tenantID string) ([]*domain.Settlement, error)

	PutAdjustment(ctx context.Context, a *domain.SettlementAdjustment) error
	ListAdjustmentsBySettlement(ctx context.Context, tenantID, settlementID string) ([]*domain.SettlementAdjustment, error)
}

// ToolCallStore persists the tool-call kernel artifacts.
type ToolCallStore interface {
	PutAgreement(ctx context.Context, a *domain.ToolCallAgreement) error
	GetAgreementByHash(ctx context.Context, tenantID, agreementHash string) (*domain.ToolCallAgreement, error)

	PutToolEvidence(ctx context.Context, e *domain.ToolCallEvidence) error
	ListToolEvidenceByAgreement(ctx context.Context, tenantID, agreementHash string) ([]*domain.ToolCallEvidence, error)

	PutHold(ctx context.Context, h *domain.FundingHold) error
	GetHold(ctx context.Context, tenantID, holdHash string) (*domain.FundingHold, error)
	ListHoldsByStatus(ctx context.Context, tenantID string, status domain.HoldStatus) ([]*domain.FundingHold, error)
	ListAllHolds(ctx context.Context, tenantID string) ([]*domain.FundingHold, error)

	PutEnvelope(ctx context.Context, e *domain.DisputeOpenEnvelope) error
	GetEnvelopeByHash(ctx context.Context, tenantID, envelopeHash string) (*domain.DisputeOpenEnvelope, error)

	PutArbitrationCase(ctx context.Context, c *domain.ArbitrationCase) error
	GetArbitrationCase(ctx context.Context, tenantID, caseID string) (*domain.ArbitrationCase, error)
	GetArbitrationCaseByHold(ctx context.Context, tenantID, holdHash string) (*domain.ArbitrationCase, error)
}

// DisputeStore persists run-settlement disputes.
type DisputeStore interface {
	PutDispute(ctx context.Context, d *domain.Dispute) error
	GetDispute(ctx context.Context, tenantID, disputeID string) (*domain.Dispute, error)
	ListOpenDisputes(ctx context.Context, tenantID string) ([]*domain.Dispute, error)
}

// IdempotencyStore persists request idempotency records.
type IdempotencyStore interface {
	GetIdempotency(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error
	DeleteIdempotency(ctx context.Context, tenantID, key string) error
	SweepIdempotency(ctx context.Context, nowISO string) (int, error)
}

// OutboxStore persists outbox messages, deliveries and destinations.
type OutboxStore interface {
	// EnqueueOutbox assigns the next monotonic id and stores the message as
	// pending. Must be called inside the same Tx as the domain mutation.
	EnqueueOutbox(ctx context.Context, msg *domain.OutboxMessage) error
	PutOutbox(ctx context.Context, msg *domain.OutboxMessage) error
	// ClaimPendingOutbox returns up to limit pending messages due at or
	// before nowISO, oldest first, skipping aggregates that already have an
	// earlier unprocessed message (per-aggregate FIFO).
	ClaimPendingOutbox(ctx context.Context, nowISO string, limit int) ([]*domain.OutboxMessage, error)
	ListOutbox(ctx context.Context, tenantID string, state domain.OutboxState, limit int) ([]*domain.OutboxMessage, error)

	PutDelivery(ctx context.Context, d *domain.DeliveryRecord) error
	GetDelivery(ctx context.Context, tenantID, deliveryID string) (*domain.DeliveryRecord, error)
	ListDeliveries(ctx context.Context, tenantID string, state domain.DeliveryState, limit int) ([]*domain.DeliveryRecord, error)

	PutDestination(ctx context.Context, d *domain.Destination) error
	ListDestinations(ctx context.Context, tenantID string) ([]*domain.Destination, error)
}

// WorkOrderStore persists work orders, metering and receipts.
type WorkOrderStore interface {
	PutWorkOrder(ctx context.Context, wo *domain.WorkOrder) error
	GetWorkOrder(ctx context.Context, tenantID, workOrderID string) (*domain.WorkOrder, error)
	ListWorkOrders(ctx context.Context, tenantID string, limit int) ([]*domain.WorkOrder, error)

	PutMeterEntry(ctx context.Context, e *domain.MeterEntry) error
	ListMeterEntries(ctx context.Context, tenantID, workOrderID string) ([]*domain.MeterEntry, error)

	PutReceipt(ctx context.Context, r *domain.CompletionReceipt) error
	ListReceiptsByWorkOrder(ctx context.Context, tenantID, workOrderID string) ([]*domain.CompletionReceipt, error)
}

// SessionStore persists sessions and x402 payment gates. Session events ride
// on the shared chained-event stream storage.
type SessionStore interface {
	PutSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, tenantID, sessionID string) (*domain.Session, error)

	PutGate(ctx context.Context, g *domain.PaymentGate) error
	GetGate(ctx context.Context, tenantID, gateID string) (*domain.PaymentGate, error)
}

// AuthStore persists API keys.
type AuthStore interface {
	PutAPIKey(ctx context.Context, k *domain.APIKey) error
	GetAPIKey(ctx context.Context, keyID string) (*domain.APIKey, error)
}

// KeysetStore persists the process-wide signing keyset.
type KeysetStore interface {
	GetKeyset(ctx context.Context) (*domain.Keyset, error)
	PutKeyset(ctx context.Context, ks *domain.Keyset) error
}
