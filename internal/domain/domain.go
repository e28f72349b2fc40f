// Package domain holds the persisted aggregate types of the settlement core.
// Every entity carries a schemaVersion tag, its tenant, and ISO-8601 UTC
// timestamps. Hash fields are lowercase hex SHA-256 over the canonical form
// of the entity with the hash field itself omitted.
package domain

import "time"

// TimeFormat is the canonical timestamp layout used in signed artifacts.
const TimeFormat = time.RFC3339Nano

// ISO formats t as the canonical UTC timestamp string.
func ISO(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// AgentStatus is the lifecycle state of an agent identity.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentThrottled AgentStatus = "throttled"
	AgentSuspended AgentStatus = "suspended"
	AgentRetired   AgentStatus = "retired"
)

// AgentKey is a registered public key of an agent.
type AgentKey struct {
	KeyID        string `json:"keyId"`
	PublicKeyPem string `json:"publicKeyPem"`
	Status       string `json:"status"` // active | revoked | rotated
}

// AgentOwner identifies the principal that owns an agent.
type AgentOwner struct {
	Type string `json:"type"` // org | user | service
	ID   string `json:"id"`
}

// AgentIdentity is the registration record of an autonomous agent.
type AgentIdentity struct {
	SchemaVersion string      `json:"schemaVersion"` // AgentIdentity.v1
	TenantID      string      `json:"tenantId"`
	AgentID       string      `json:"agentId"`
	DisplayName   string      `json:"displayName"`
	Owner         AgentOwner  `json:"owner"`
	Capabilities  []string    `json:"capabilities"`
	Keys          []AgentKey  `json:"keys"`
	Status        AgentStatus `json:"status"`
	CreatedAt     string      `json:"createdAt"`
	UpdatedAt     string      `json:"updatedAt"`
}

// AgentWallet is the double-entry balance record for one agent.
// Invariant: all fields >= 0 and
// AvailableCents + EscrowLockedCents == TotalCreditedCents - TotalDebitedCents.
type AgentWallet struct {
	SchemaVersion     string `json:"schemaVersion"` // AgentWallet.v1
	TenantID          string `json:"tenantId"`
	AgentID           string `json:"agentId"`
	AvailableCents    int64  `json:"availableCents"`
	EscrowLockedCents int64  `json:"escrowLockedCents"`
	TotalCreditedCents int64 `json:"totalCreditedCents"`
	TotalDebitedCents int64  `json:"totalDebitedCents"`
	Currency          string `json:"currency"`
	UpdatedAt         string `json:"updatedAt"`
}

// GrantScope bounds what a grantee may do under a grant.
type GrantScope struct {
	SideEffectingAllowed bool     `json:"sideEffectingAllowed"`
	AllowedRiskClasses   []string `json:"allowedRiskClasses"`
	AllowedProviderIds   []string `json:"allowedProviderIds,omitempty"`
	AllowedToolIds       []string `json:"allowedToolIds,omitempty"`
}

// SpendEnvelope bounds spend under a grant.
type SpendEnvelope struct {
	Currency        string `json:"currency"`
	MaxPerCallCents int64  `json:"maxPerCallCents"`
	MaxTotalCents   int64  `json:"maxTotalCents"`
}

// ChainBinding links a grant into the delegation DAG.
type ChainBinding struct {
	RootGrantHash      string `json:"rootGrantHash,omitempty"`
	ParentGrantHash    string `json:"parentGrantHash,omitempty"`
	Depth              int    `json:"depth"`
	MaxDelegationDepth int    `json:"maxDelegationDepth"`
}

// GrantValidity is the time window a grant is usable in.
type GrantValidity struct {
	IssuedAt  string `json:"issuedAt"`
	NotBefore string `json:"notBefore"`
	ExpiresAt string `json:"expiresAt"`
}

// GrantRevocation records revocability and the revocation event.
type GrantRevocation struct {
	Revocable            bool   `json:"revocable"`
	RevokedAt            string `json:"revokedAt,omitempty"`
	RevocationReasonCode string `json:"revocationReasonCode,omitempty"`
}

// AuthorityGrant is issued by a principal to a grantee agent. A
// DelegationGrant shares the same shape but is issued agent-to-agent and
// always carries parent and root hashes.
type AuthorityGrant struct {
	SchemaVersion string          `json:"schemaVersion"` // AuthorityGrant.v1 | DelegationGrant.v1
	TenantID      string          `json:"tenantId"`
	GrantID       string          `json:"grantId"`
	PrincipalID   string          `json:"principalId"`
	GranteeID     string          `json:"granteeAgentId"`
	Scope         GrantScope      `json:"scope"`
	SpendEnvelope SpendEnvelope   `json:"spendEnvelope"`
	ChainBinding  ChainBinding    `json:"chainBinding"`
	Validity      GrantValidity   `json:"validity"`
	Revocation    GrantRevocation `json:"revocation"`
	GrantHash     string          `json:"grantHash"`
	CreatedAt     string          `json:"createdAt"`
}

// IsDelegation reports whether the grant is an agent-to-agent delegation.
func (g *AuthorityGrant) IsDelegation() bool {
	return g.SchemaVersion == "DelegationGrant.v1"
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunStarted   RunStatus = "started"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is an auditable unit of paid work executed by an agent.
type Run struct {
	SchemaVersion string    `json:"schemaVersion"` // AgentRun.v1
	TenantID      string    `json:"tenantId"`
	RunID         string    `json:"runId"`
	AgentID       string    `json:"agentId"` // payee
	Status        RunStatus `json:"status"`
	LastChainHash string    `json:"lastChainHash"`
	SettlementID  string    `json:"settlementId,omitempty"`
	PolicyVersion string    `json:"policyVersion,omitempty"`
	CreatedAt     string    `json:"createdAt"`
	UpdatedAt     string    `json:"updatedAt"`
}

// ChainedEvent is one link of a per-aggregate hash chain. Used for run
// events and session events alike; StreamID is the owning aggregate id.
type ChainedEvent struct {
	ID            string                 `json:"id"`
	TenantID      string                 `json:"tenantId"`
	StreamID      string                 `json:"streamId"`
	Seq           int64                  `json:"seq"`
	Type          string                 `json:"type"`
	Actor         string                 `json:"actor"`
	Payload       map[string]interface{} `json:"payload"`
	At            string                 `json:"at"`
	PrevChainHash string                 `json:"prevChainHash"`
	PayloadHash   string                 `json:"payloadHash"`
	ChainHash     string                 `json:"chainHash"`
	Signature     string                 `json:"signature,omitempty"`
}

// SettlementStatus enumerates settlement states.
type SettlementStatus string

const (
	SettlementLocked               SettlementStatus = "locked"
	SettlementReleased             SettlementStatus = "released"
	SettlementRefunded             SettlementStatus = "refunded"
	SettlementSplit                SettlementStatus = "split"
	SettlementManualReviewRequired SettlementStatus = "manual_review_required"
	SettlementManualResolved       SettlementStatus = "manual_resolved"
	SettlementDisputed             SettlementStatus = "disputed"
)

// DisputeStatus enumerates the dispute lifecycle attached to a settlement.
type DisputeStatus string

const (
	DisputeOpen      DisputeStatus = "open"
	DisputeEscalated DisputeStatus = "escalated"
	DisputeClosed    DisputeStatus = "closed"
)

// Settlement is the escrow-backed resolution record of a run.
// Invariant after terminal resolution:
// ReleasedAmountCents + RefundedAmountCents == AmountCents.
type Settlement struct {
	SchemaVersion       string           `json:"schemaVersion"` // AgentRunSettlement.v1
	TenantID            string           `json:"tenantId"`
	SettlementID        string           `json:"settlementId"`
	RunID               string           `json:"runId"`
	PayerAgentID        string           `json:"payerAgentId"`
	PayeeAgentID        string           `json:"payeeAgentId"`
	AmountCents         int64            `json:"amountCents"`
	Currency            string           `json:"currency"`
	Status              SettlementStatus `json:"status"`
	ReleasedAmountCents int64            `json:"releasedAmountCents"`
	RefundedAmountCents int64            `json:"refundedAmountCents"`
	DisputeWindowDays   int              `json:"disputeWindowDays,omitempty"`
	DisputeWindowEndsAt string           `json:"disputeWindowEndsAt,omitempty"`
	DisputeStatus       DisputeStatus    `json:"disputeStatus,omitempty"`
	DisputeID           string           `json:"disputeId,omitempty"`
	DecisionStatus      string           `json:"decisionStatus"` // pending | auto_resolved | manual_review_required | manual_resolved
	DecisionReason      string           `json:"decisionReason,omitempty"`
	VerdictHash         string           `json:"verdictHash,omitempty"`
	CreatedAt           string           `json:"createdAt"`
	UpdatedAt           string           `json:"updatedAt"`
}

// Terminal reports whether the settlement has reached a final state.
func (s *Settlement) Terminal() bool {
	switch s.Status {
	case SettlementReleased, SettlementRefunded, SettlementSplit, SettlementManualResolved:
		return true
	}
	return false
}

// ToolCallAgreement binds a tool invocation to its terms before execution.
type ToolCallAgreement struct {
	SchemaVersion string                 `json:"schemaVersion"` // ToolCallAgreement.v1
	TenantID      string                 `json:"tenantId"`
	ToolID        string                 `json:"toolId"`
	ManifestHash  string                 `json:"manifestHash"`
	CallID        string                 `json:"callId"`
	InputHash     string                 `json:"inputHash"`
	Terms         map[string]interface{} `json:"terms"`
	AgreementHash string                 `json:"agreementHash"`
	CreatedAt     string                 `json:"createdAt"`
}

// ToolCallEvidence is the signed record of a tool call's output.
type ToolCallEvidence struct {
	SchemaVersion string                 `json:"schemaVersion"` // ToolCallEvidence.v1
	TenantID      string                 `json:"tenantId"`
	AgreementHash string                 `json:"agreementHash"`
	OutputHash    string                 `json:"outputHash"`
	Metrics       map[string]interface{} `json:"metrics,omitempty"`
	SignerKeyID   string                 `json:"signerKeyId"`
	Signature     string                 `json:"signature"`
	EvidenceHash  string                 `json:"evidenceHash"`
	CreatedAt     string                 `json:"createdAt"`
}

// HoldStatus enumerates funding-hold states.
type HoldStatus string

const (
	HoldLocked   HoldStatus = "locked"
	HoldReleased HoldStatus = "released"
	HoldRefunded HoldStatus = "refunded"
	HoldFrozen   HoldStatus = "frozen" // dispute opened inside the window
	HoldResolved HoldStatus = "resolved"
)

// FundingHold pins funds under a tool-call agreement for a challenge window.
type FundingHold struct {
	SchemaVersion     string     `json:"schemaVersion"` // FundingHold.v1
	TenantID          string     `json:"tenantId"`
	HoldHash          string     `json:"holdHash"`
	AgreementHash     string     `json:"agreementHash"`
	ReceiptHash       string     `json:"receiptHash"`
	PayerAgentID      string     `json:"payerAgentId"`
	PayeeAgentID      string     `json:"payeeAgentId"`
	AmountCents       int64      `json:"amountCents"`
	HoldbackBps       int        `json:"holdbackBps"`
	HeldAmountCents   int64      `json:"heldAmountCents"`
	ChallengeWindowMs int64      `json:"challengeWindowMs"`
	WindowEndsAt      string     `json:"windowEndsAt"`
	Status            HoldStatus `json:"status"`
	DisputeID         string     `json:"disputeId,omitempty"`
	CreatedAt         string     `json:"createdAt"`
	UpdatedAt         string     `json:"updatedAt"`
}

// DisputeOpenEnvelope is the signed artifact that opens a hold dispute.
type DisputeOpenEnvelope struct {
	SchemaVersion string                 `json:"schemaVersion"` // DisputeOpenEnvelope.v1
	TenantID      string                 `json:"tenantId"`
	DisputeID     string                 `json:"disputeId"`
	HoldHash      string                 `json:"holdHash"`
	OpenedBy      string                 `json:"openedBy"`
	ReasonCode    string                 `json:"reasonCode"`
	Claims        map[string]interface{} `json:"claims,omitempty"`
	Signature     string                 `json:"signature,omitempty"`
	EnvelopeHash  string                 `json:"envelopeHash"`
	OpenedAt      string                 `json:"openedAt"`
}

// ArbitrationCase tracks an escalated hold dispute awaiting a verdict.
type ArbitrationCase struct {
	SchemaVersion string `json:"schemaVersion"` // ArbitrationCase.v1
	TenantID      string `json:"tenantId"`
	CaseID        string `json:"caseId"`
	HoldHash      string `json:"holdHash"`
	EnvelopeHash  string `json:"envelopeHash"`
	ArbiterID     string `json:"arbiterId,omitempty"`
	Status        string `json:"status"` // open | decided
	VerdictHash   string `json:"verdictHash,omitempty"`
	OpenedAt      string `json:"openedAt"`
	DecidedAt     string `json:"decidedAt,omitempty"`
}

// Dispute is a run-settlement dispute with escalation levels.
type Dispute struct {
	SchemaVersion string        `json:"schemaVersion"` // Dispute.v1
	TenantID      string        `json:"tenantId"`
	DisputeID     string        `json:"disputeId"`
	SettlementID  string        `json:"settlementId"`
	RunID         string        `json:"runId"`
	OpenedBy      string        `json:"openedBy"`
	Status        DisputeStatus `json:"status"`
	Level         string        `json:"level"` // l1_counterparty | l2_arbiter | l3_platform
	Evidence      []DisputeEvidence `json:"evidence"`
	Outcome       string        `json:"outcome,omitempty"` // accepted | rejected | partial
	ReleaseRatePct int          `json:"releaseRatePct,omitempty"`
	VerdictHash   string        `json:"verdictHash,omitempty"`
	OpenedAt      string        `json:"openedAt"`
	ClosedAt      string        `json:"closedAt,omitempty"`
}

// DisputeEvidence is one evidence submission on a dispute.
type DisputeEvidence struct {
	EvidenceID  string                 `json:"evidenceId"`
	SubmittedBy string                 `json:"submittedBy"`
	Payload     map[string]interface{} `json:"payload"`
	PayloadHash string                 `json:"payloadHash"`
	SubmittedAt string                 `json:"submittedAt"`
}

// SettlementAdjustment records the wallet deltas a verdict produced.
type SettlementAdjustment struct {
	SchemaVersion       string `json:"schemaVersion"` // AgentRunSettlementAdjustment.v1
	TenantID            string `json:"tenantId"`
	AdjustmentID        string `json:"adjustmentId"`
	SettlementID        string `json:"settlementId"`
	DisputeID           string `json:"disputeId"`
	ReleasedDeltaCents  int64  `json:"releasedDeltaCents"`
	RefundedDeltaCents  int64  `json:"refundedDeltaCents"`
	ReleaseRatePct      int    `json:"releaseRatePct"`
	AdjustmentHash      string `json:"adjustmentHash"`
	CreatedAt           string `json:"createdAt"`
}

// IdempotencyRecord snapshots a completed mutating request.
type IdempotencyRecord struct {
	TenantID           string `json:"tenantId"`
	Key                string `json:"key"`
	RequestFingerprint string `json:"requestFingerprint"`
	ResponseStatus     int    `json:"responseStatus"`
	ResponseBody       []byte `json:"responseBody"`
	CreatedAt          string `json:"createdAt"`
	ExpiresAt          string `json:"expiresAt"`
}

// OutboxState enumerates outbox message states.
type OutboxState string

const (
	OutboxPending   OutboxState = "pending"
	OutboxProcessed OutboxState = "processed"
	OutboxDLQ       OutboxState = "dlq"
)

// OutboxMessage is a domain event awaiting webhook delivery. ID is monotonic
// per store so per-aggregate FIFO ordering can be enforced by the worker.
type OutboxMessage struct {
	ID            int64                  `json:"id"`
	TenantID      string                 `json:"tenantId"`
	Topic         string                 `json:"topic"`
	AggregateType string                 `json:"aggregateType"`
	AggregateID   string                 `json:"aggregateId"`
	DedupeKey     string                 `json:"dedupeKey"`
	Payload       map[string]interface{} `json:"payload"`
	State         OutboxState            `json:"state"`
	Attempt       int                    `json:"attempt"`
	NextAttemptAt string                 `json:"nextAttemptAt"`
	ProcessedAt   string                 `json:"processedAt,omitempty"`
	LastError     string                 `json:"lastError,omitempty"`
	CreatedAt     string                 `json:"createdAt"`
}

// DeliveryState enumerates per-destination delivery states.
type DeliveryState string

const (
	DeliveryQueued    DeliveryState = "queued"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryAcked     DeliveryState = "acked"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryDLQ       DeliveryState = "dlq"
)

// DeliveryRecord tracks one webhook delivery to one destination.
type DeliveryRecord struct {
	DeliveryID    string        `json:"deliveryId"`
	TenantID      string        `json:"tenantId"`
	OutboxID      int64         `json:"outboxId"`
	DestinationID string        `json:"destinationId"`
	State         DeliveryState `json:"state"`
	Attempts      int           `json:"attempts"`
	LastStatus    int           `json:"lastStatus,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
	AckedAt       string        `json:"ackedAt,omitempty"`
	CreatedAt     string        `json:"createdAt"`
	UpdatedAt     string        `json:"updatedAt"`
}

// Destination is a registered webhook receiver for a tenant.
type Destination struct {
	DestinationID string   `json:"destinationId"`
	TenantID      string   `json:"tenantId"`
	URL           string   `json:"url"`
	Secret        string   `json:"secret"`
	Topics        []string `json:"topics"` // empty means all topics
	Active        bool     `json:"active"`
}

// APIKey is a hashed credential for the Bearer keyId.secret scheme.
type APIKey struct {
	TenantID   string   `json:"tenantId"`
	KeyID      string   `json:"keyId"`
	SecretHash string   `json:"secretHash"` // bcrypt
	Scopes     []string `json:"scopes"`
	Active     bool     `json:"active"`
	CreatedAt  string   `json:"createdAt"`
}

// WorkOrderStatus enumerates work-order states.
type WorkOrderStatus string

const (
	WorkOrderOpen      WorkOrderStatus = "open"
	WorkOrderAccepted  WorkOrderStatus = "accepted"
	WorkOrderCompleted WorkOrderStatus = "completed"
	WorkOrderSettled   WorkOrderStatus = "settled"
)

// WorkOrder is a buyer/seller engagement with metered progress and escrow.
type WorkOrder struct {
	SchemaVersion   string          `json:"schemaVersion"` // WorkOrder.v1
	TenantID        string          `json:"tenantId"`
	WorkOrderID     string          `json:"workOrderId"`
	BuyerAgentID    string          `json:"buyerAgentId"`
	SellerAgentID   string          `json:"sellerAgentId"`
	Description     string          `json:"description,omitempty"`
	BudgetCents     int64           `json:"budgetCents"`
	LockedCents     int64           `json:"lockedCents"`
	MeteredCents    int64           `json:"meteredCents"`
	Currency        string          `json:"currency"`
	Status          WorkOrderStatus `json:"status"`
	SettlementID    string          `json:"settlementId,omitempty"`
	CreatedAt       string          `json:"createdAt"`
	UpdatedAt       string          `json:"updatedAt"`
}

// MeterEntry is one progress/metering tick on a work order.
type MeterEntry struct {
	EntryID     string `json:"entryId"`
	WorkOrderID string `json:"workOrderId"`
	TenantID    string `json:"tenantId"`
	AmountCents int64  `json:"amountCents"`
	Note        string `json:"note,omitempty"`
	At          string `json:"at"`
}

// CompletionReceipt is the hash-bound receipt issued on work-order completion.
type CompletionReceipt struct {
	SchemaVersion string `json:"schemaVersion"` // CompletionReceipt.v1
	TenantID      string `json:"tenantId"`
	ReceiptID     string `json:"receiptId"`
	WorkOrderID   string `json:"workOrderId"`
	SellerAgentID string `json:"sellerAgentId"`
	MeteredCents  int64  `json:"meteredCents"`
	ReceiptHash   string `json:"receiptHash"`
	IssuedAt      string `json:"issuedAt"`
}

// Session is a conversational aggregate with its own chained event stream.
type Session struct {
	SchemaVersion string `json:"schemaVersion"` // Session.v1
	TenantID      string `json:"tenantId"`
	SessionID     string `json:"sessionId"`
	AgentID       string `json:"agentId"`
	Title         string `json:"title,omitempty"`
	Visibility    string `json:"visibility"` // private | public
	LastChainHash string `json:"lastChainHash"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

// AgentCard is the public descriptor of an agent, streamable over SSE.
type AgentCard struct {
	SchemaVersion string   `json:"schemaVersion"` // AgentCard.v1
	TenantID      string   `json:"tenantId"`
	AgentID       string   `json:"agentId"`
	DisplayName   string   `json:"displayName"`
	Capabilities  []string `json:"capabilities"`
	Visibility    string   `json:"visibility"` // public | private
	UpdatedAt     string   `json:"updatedAt"`
}

// PaymentGate is an x402 payment gate created ahead of an authorized call.
type PaymentGate struct {
	SchemaVersion string `json:"schemaVersion"` // PaymentGate.v1
	TenantID      string `json:"tenantId"`
	GateID        string `json:"gateId"`
	PayerAgentID  string `json:"payerAgentId"`
	PayeeAgentID  string `json:"payeeAgentId"`
	GrantID       string `json:"grantId,omitempty"`
	AmountCents   int64  `json:"amountCents"`
	Currency      string `json:"currency"`
	Status        string `json:"status"` // created | authorized | consumed
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

// KeysetEntry is one published verification key.
type KeysetEntry struct {
	Kid          string `json:"kid"`
	PublicKeyPem string `json:"publicKeyPem"`
	Algorithm    string `json:"algorithm"` // ed25519
	Status       string `json:"status"`    // active | previous
}

// Keyset is the persisted key ring served at the well-known endpoint.
type Keyset struct {
	SchemaVersion string        `json:"schemaVersion"` // KeysetStore.v1
	Keys          []KeysetEntry `json:"keys"`
	RotatedAt     string        `json:"rotatedAt"`
}
