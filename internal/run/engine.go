// Package run drives the run lifecycle and its escrow-backed settlement.
// Runs only move by appending typed chained events; settlements lock funds on
// creation and resolve exactly once, either automatically from the policy
// replay decision or by an operator.
package run

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld-core/internal/chain"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/metrics"
	"github.com/settld-labs/settld-core/internal/outbox"
	"github.com/settld-labs/settld-core/internal/store"
	"github.com/settld-labs/settld-core/internal/wallet"
)

// Event types accepted on a run stream. RUN_CREATED is written by the engine
// itself as the genesis event and cannot be appended by callers.
const (
	EventRunCreated    = "RUN_CREATED"
	EventRunStarted    = "RUN_STARTED"
	EventEvidenceAdded = "EVIDENCE_ADDED"
	EventRunCompleted  = "RUN_COMPLETED"
	EventRunFailed     = "RUN_FAILED"
	EventRunCancelled  = "RUN_CANCELLED"
)

// Verification statuses produced by policy replay.
const (
	VerificationGreen = "green"
	VerificationAmber = "amber"
	VerificationRed   = "red"
)

// Engine executes run and settlement operations against the store.
type Engine struct {
	Store  store.Store
	Signer chain.Signer
	Now    func() time.Time
}

func NewEngine(st store.Store, signer chain.Signer) *Engine {
	return &Engine{Store: st, Signer: signer, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// SettlementSpec is the optional escrow block on run creation.
type SettlementSpec struct {
	PayerAgentID      string `json:"payerAgentId"`
	AmountCents       int64  `json:"amountCents"`
	Currency          string `json:"currency"`
	DisputeWindowDays int    `json:"disputeWindowDays,omitempty"`
}

// CreateRunInput describes a new run.
type CreateRunInput struct {
	RunID         string          `json:"runId,omitempty"`
	AgentID       string          `json:"agentId"` // payee
	PolicyVersion string          `json:"policyVersion,omitempty"`
	Settlement    *SettlementSpec `json:"settlement,omitempty"`
}

// CreateRun registers a run and, when a settlement block is present, locks
// the amount on the payer wallet and opens a locked settlement. The wallet
// lock, the settlement row and the run row commit in one transaction.
func (e *Engine) CreateRun(ctx context.Context, tenantID string, in CreateRunInput) (*domain.Run, *domain.Settlement, error) {
	if in.AgentID == "" {
		return nil, nil, derr.Validation("AGENT_ID_REQUIRED", "agentId is required")
	}
	now := e.now()
	r := &domain.Run{
		SchemaVersion: "AgentRun.v1",
		TenantID:      tenantID,
		RunID:         in.RunID,
		AgentID:       in.AgentID,
		Status:        domain.RunCreated,
		PolicyVersion: in.PolicyVersion,
		CreatedAt:     domain.ISO(now),
		UpdatedAt:     domain.ISO(now),
	}
	if r.RunID == "" {
		r.RunID = "run_" + uuid.NewString()
	}

	var stl *domain.Settlement
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.GetIdentity(ctx, tenantID, in.AgentID); err != nil {
			return err
		}
		if _, err := tx.GetRun(ctx, tenantID, r.RunID); err == nil {
			return derr.Conflict("RUN_ALREADY_EXISTS", "run %s already exists", r.RunID)
		}

		if in.Settlement != nil {
			spec := in.Settlement
			if spec.PayerAgentID == "" {
				return derr.Validation("PAYER_AGENT_ID_REQUIRED", "settlement.payerAgentId is required")
			}
			if spec.AmountCents <= 0 {
				return derr.Validation("AMOUNT_INVALID", "settlement.amountCents must be positive")
			}
			payerW, err := tx.GetWallet(ctx, tenantID, spec.PayerAgentID)
			if err != nil {
				return err
			}
			locked, err := wallet.Lock(*payerW, spec.AmountCents, now)
			if err != nil {
				return err
			}
			if err := tx.PutWallet(ctx, &locked); err != nil {
				return err
			}
			stl = &domain.Settlement{
				SchemaVersion:     "AgentRunSettlement.v1",
				TenantID:          tenantID,
				SettlementID:      "stl_" + uuid.NewString(),
				RunID:             r.RunID,
				PayerAgentID:      spec.PayerAgentID,
				PayeeAgentID:      in.AgentID,
				AmountCents:       spec.AmountCents,
				Currency:          currencyOr(spec.Currency, payerW.Currency),
				Status:            domain.SettlementLocked,
				DisputeWindowDays: spec.DisputeWindowDays,
				DecisionStatus:    "pending",
				CreatedAt:         domain.ISO(now),
				UpdatedAt:         domain.ISO(now),
			}
			if err := tx.PutSettlement(ctx, stl); err != nil {
				return err
			}
			r.SettlementID = stl.SettlementID
			if err := outbox.Enqueue(ctx, tx, tenantID, "settlement.locked", "settlement", stl.SettlementID, stl.SettlementID+":locked",
				map[string]interface{}{"settlementId": stl.SettlementID, "runId": r.RunID, "amountCents": spec.AmountCents}); err != nil {
				return err
			}
		}
		genesis, err := chain.NewEvent(tenantID, r.RunID, EventRunCreated, in.AgentID,
			map[string]interface{}{"agentId": in.AgentID, "settlementId": r.SettlementID}, now)
		if err != nil {
			return err
		}
		if err := chain.Finalize(genesis, chain.GenesisPrevHash, e.Signer); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, genesis); err != nil {
			return err
		}
		r.LastChainHash = genesis.ChainHash
		return tx.PutRun(ctx, r)
	})
	if err != nil {
		return nil, nil, err
	}
	return r, stl, nil
}

// GetRun returns a run by id.
func (e *Engine) GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	return e.Store.GetRun(ctx, tenantID, runID)
}

// AppendEventInput is one typed event append.
type AppendEventInput struct {
	Type                  string                 `json:"type"`
	Actor                 string                 `json:"actor"`
	Payload               map[string]interface{} `json:"payload,omitempty"`
	ExpectedPrevChainHash string                 `json:"expectedPrevChainHash"`
}

// transitions maps event type to the statuses it may fire from and the
// status it lands on ("" keeps the current status).
var transitions = map[string]struct {
	from []domain.RunStatus
	to   domain.RunStatus
}{
	EventRunStarted:    {from: []domain.RunStatus{domain.RunCreated}, to: domain.RunStarted},
	EventEvidenceAdded: {from: []domain.RunStatus{domain.RunStarted}, to: ""},
	EventRunCompleted:  {from: []domain.RunStatus{domain.RunStarted}, to: domain.RunCompleted},
	EventRunFailed:     {from: []domain.RunStatus{domain.RunCreated, domain.RunStarted}, to: domain.RunFailed},
	EventRunCancelled:  {from: []domain.RunStatus{domain.RunCreated, domain.RunStarted}, to: domain.RunCancelled},
}

// AppendEvent appends one typed event to the run's chain, advancing the run
// status. A terminal event triggers policy replay and, when the decision
// allows, automatic settlement resolution inside the same transaction.
func (e *Engine) AppendEvent(ctx context.Context, tenantID, runID string, in AppendEventInput) (*domain.ChainedEvent, error) {
	rule, ok := transitions[in.Type]
	if !ok {
		return nil, derr.Validation("EVENT_TYPE_INVALID", "unknown run event type %q", in.Type)
	}
	now := e.now()

	var out *domain.ChainedEvent
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		r, err := tx.GetRun(ctx, tenantID, runID)
		if err != nil {
			return err
		}
		if err := chain.CheckAppend(in.ExpectedPrevChainHash, r.LastChainHash); err != nil {
			return err
		}
		if !statusIn(r.Status, rule.from) {
			return derr.Conflict("RUN_INVALID_TRANSITION", "event %s not allowed while run is %s", in.Type, r.Status)
		}

		ev, err := chain.NewEvent(tenantID, runID, in.Type, in.Actor, in.Payload, now)
		if err != nil {
			return err
		}
		if err := chain.Finalize(ev, r.LastChainHash, e.Signer); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		if rule.to != "" {
			r.Status = rule.to
		}
		r.LastChainHash = ev.ChainHash
		r.UpdatedAt = domain.ISO(now)
		if err := tx.PutRun(ctx, r); err != nil {
			return err
		}

		if terminalEvent(in.Type) && r.SettlementID != "" {
			if err := e.settleOnTerminal(ctx, tx, r, now); err != nil {
				return err
			}
		}
		out = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListEvents returns the run's chained events in sequence order.
func (e *Engine) ListEvents(ctx context.Context, tenantID, runID string) ([]*domain.ChainedEvent, error) {
	if _, err := e.Store.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	return e.Store.ListEvents(ctx, tenantID, runID)
}

// Decision is the deterministic policy replay outcome for a terminal run.
type Decision struct {
	ShouldAutoResolve     bool   `json:"shouldAutoResolve"`
	ReleaseRatePct        int    `json:"releaseRatePct"`
	VerificationStatus    string `json:"verificationStatus"`
	ReasonCode            string `json:"reasonCode"`
	MatchesStoredDecision bool   `json:"matchesStoredDecision"`
}

// Replay recomputes the decision from the persisted event stream. It is a
// pure function of the events, so replaying after the fact must match the
// stored decision.
func (e *Engine) Replay(ctx context.Context, tenantID, runID string) (*Decision, error) {
	r, err := e.Store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	events, err := e.Store.ListEvents(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	d := decide(r, events)
	if r.SettlementID != "" {
		stl, err := e.Store.GetSettlement(ctx, tenantID, r.SettlementID)
		if err != nil {
			return nil, err
		}
		d.MatchesStoredDecision = stl.DecisionReason == "" || stl.DecisionReason == d.ReasonCode
	} else {
		d.MatchesStoredDecision = true
	}
	return d, nil
}

// decide derives the decision from the terminal status and the worst
// verification status carried by evidence events.
func decide(r *domain.Run, events []*domain.ChainedEvent) *Decision {
	switch r.Status {
	case domain.RunFailed, domain.RunCancelled:
		return &Decision{
			ShouldAutoResolve:  true,
			ReleaseRatePct:     0,
			VerificationStatus: VerificationRed,
			ReasonCode:         "RUN_" + string(r.Status),
		}
	case domain.RunCompleted:
	default:
		return &Decision{VerificationStatus: VerificationAmber, ReasonCode: "RUN_NOT_TERMINAL"}
	}

	worst := ""
	evidenceSeen := false
	for _, ev := range events {
		if ev.Type != EventEvidenceAdded {
			continue
		}
		evidenceSeen = true
		status := VerificationGreen
		if s, ok := ev.Payload["verificationStatus"].(string); ok && s != "" {
			status = s
		}
		if rank(status) > rank(worst) {
			worst = status
		}
	}
	if !evidenceSeen {
		return &Decision{
			ShouldAutoResolve:  false,
			VerificationStatus: VerificationAmber,
			ReasonCode:         "NO_EVIDENCE",
		}
	}
	switch worst {
	case VerificationGreen:
		return &Decision{ShouldAutoResolve: true, ReleaseRatePct: 100, VerificationStatus: VerificationGreen, ReasonCode: "VERIFIED_GREEN"}
	case VerificationRed:
		return &Decision{ShouldAutoResolve: true, ReleaseRatePct: 0, VerificationStatus: VerificationRed, ReasonCode: "VERIFIED_RED"}
	default:
		return &Decision{ShouldAutoResolve: false, VerificationStatus: VerificationAmber, ReasonCode: "VERIFICATION_AMBER"}
	}
}

func rank(status string) int {
	switch status {
	case VerificationRed:
		return 3
	case VerificationAmber:
		return 2
	case VerificationGreen:
		return 1
	}
	return 0
}

// settleOnTerminal runs policy replay for a just-terminated run and either
// resolves the settlement or parks it for manual review.
func (e *Engine) settleOnTerminal(ctx context.Context, tx store.Store, r *domain.Run, now time.Time) error {
	stl, err := tx.GetSettlement(ctx, r.TenantID, r.SettlementID)
	if err != nil {
		return err
	}
	if stl.Terminal() {
		return nil // already resolved, e.g. operator raced the event
	}
	if stl.Status == domain.SettlementDisputed {
		return nil // the dispute engine owns the resolution now
	}
	events, err := tx.ListEvents(ctx, r.TenantID, r.RunID)
	if err != nil {
		return err
	}
	d := decide(r, events)
	stl.DecisionReason = d.ReasonCode

	if !d.ShouldAutoResolve {
		stl.DecisionStatus = "manual_review_required"
		stl.UpdatedAt = domain.ISO(now)
		metrics.SettlementsResolved.WithLabelValues("manual_review").Inc()
		return tx.PutSettlement(ctx, stl)
	}
	return e.applyResolution(ctx, tx, stl, d.ReleaseRatePct, "auto_resolved", now)
}

// ResolveInput is the operator resolution request.
type ResolveInput struct {
	Status         string `json:"status"` // released | refunded | split
	ReleaseRatePct int    `json:"releaseRatePct"`
}

// ResolveRunSettlement applies an operator decision to a settlement parked in
// manual review. Terminal settlements reject with SETTLEMENT_ALREADY_RESOLVED.
func (e *Engine) ResolveRunSettlement(ctx context.Context, tenantID, runID string, in ResolveInput) (*domain.Settlement, error) {
	pct, err := resolvePct(in)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var out *domain.Settlement
	err = e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		stl, err := tx.GetSettlementByRun(ctx, tenantID, runID)
		if err != nil {
			return err
		}
		if stl.Terminal() {
			return derr.Conflict("SETTLEMENT_ALREADY_RESOLVED", "settlement %s is already %s", stl.SettlementID, stl.Status)
		}
		if stl.Status == domain.SettlementDisputed {
			return derr.Conflict("SETTLEMENT_DISPUTED", "settlement %s is under dispute %s", stl.SettlementID, stl.DisputeID)
		}
		if err := e.applyResolution(ctx, tx, stl, pct, "manual_resolved", now); err != nil {
			return err
		}
		out = stl
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// applyResolution moves escrow according to the release rate and finalizes
// the settlement. pct 100 releases, 0 refunds, anything between splits.
func (e *Engine) applyResolution(ctx context.Context, tx store.Store, stl *domain.Settlement, pct int, decisionStatus string, now time.Time) error {
	releaseCents := stl.AmountCents * int64(pct) / 100
	refundCents := stl.AmountCents - releaseCents

	payerW, err := tx.GetWallet(ctx, stl.TenantID, stl.PayerAgentID)
	if err != nil {
		return err
	}
	payeeW, err := tx.GetWallet(ctx, stl.TenantID, stl.PayeeAgentID)
	if err != nil {
		return err
	}

	var status domain.SettlementStatus
	var outcome string
	switch {
	case refundCents == 0:
		res, err := wallet.Release(*payerW, *payeeW, releaseCents, now)
		if err != nil {
			return err
		}
		payerW, payeeW = &res.PayerWallet, &res.PayeeWallet
		status, outcome = domain.SettlementReleased, "released"
	case releaseCents == 0:
		refunded, err := wallet.Refund(*payerW, refundCents, now)
		if err != nil {
			return err
		}
		payerW = &refunded
		status, outcome = domain.SettlementRefunded, "refunded"
	default:
		res, err := wallet.SplitRelease(*payerW, *payeeW, releaseCents, refundCents, now)
		if err != nil {
			return err
		}
		payerW, payeeW = &res.PayerWallet, &res.PayeeWallet
		status, outcome = domain.SettlementSplit, "split"
	}
	if err := tx.PutWallet(ctx, payerW); err != nil {
		return err
	}
	if payeeW != nil && releaseCents > 0 {
		if err := tx.PutWallet(ctx, payeeW); err != nil {
			return err
		}
	}

	if decisionStatus == "manual_resolved" {
		// the operator's requested status wins the label; the split is the same
		stl.Status = manualStatus(pct)
	} else {
		stl.Status = status
	}
	stl.ReleasedAmountCents = releaseCents
	stl.RefundedAmountCents = refundCents
	stl.DecisionStatus = decisionStatus
	stl.UpdatedAt = domain.ISO(now)
	if stl.DisputeWindowDays > 0 {
		stl.DisputeWindowEndsAt = domain.ISO(now.Add(time.Duration(stl.DisputeWindowDays) * 24 * time.Hour))
	}
	if err := tx.PutSettlement(ctx, stl); err != nil {
		return err
	}
	metrics.SettlementsResolved.WithLabelValues(outcome).Inc()
	return outbox.Enqueue(ctx, tx, stl.TenantID, "settlement."+outcome, "settlement", stl.SettlementID,
		fmt.Sprintf("%s:%s", stl.SettlementID, outcome),
		map[string]interface{}{
			"settlementId":        stl.SettlementID,
			"runId":               stl.RunID,
			"status":              string(stl.Status),
			"releasedAmountCents": releaseCents,
			"refundedAmountCents": refundCents,
		})
}

func manualStatus(pct int) domain.SettlementStatus {
	switch pct {
	case 100:
		return domain.SettlementReleased
	case 0:
		return domain.SettlementRefunded
	default:
		return domain.SettlementSplit
	}
}

func resolvePct(in ResolveInput) (int, error) {
	switch in.Status {
	case "released":
		return 100, nil
	case "refunded":
		return 0, nil
	case "split":
		if in.ReleaseRatePct < 0 || in.ReleaseRatePct > 100 {
			return 0, derr.Validation("RELEASE_RATE_INVALID", "releaseRatePct must be in [0,100]")
		}
		return in.ReleaseRatePct, nil
	default:
		return 0, derr.Validation("RESOLVE_STATUS_INVALID", "status must be released, refunded or split")
	}
}

func currencyOr(a, b string) string {
	if a != "" {
		return a
	}
	if b != "" {
		return b
	}
	return "USD"
}

func statusIn(s domain.RunStatus, set []domain.RunStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

func terminalEvent(t string) bool {
	switch t {
	case EventRunCompleted, EventRunFailed, EventRunCancelled:
		return true
	}
	return false
}

// GetSettlementByRun exposes the settlement lookup for the dispatcher.
func (e *Engine) GetSettlementByRun(ctx context.Context, tenantID, runID string) (*domain.Settlement, error) {
	return e.Store.GetSettlementByRun(ctx, tenantID, runID)
}

// CloseExpiredDisputeWindows clears dispute windows that elapsed without an
// open dispute, making the settlement immune to late disputes. Returns the
// number of windows closed.
func (e *Engine) CloseExpiredDisputeWindows(ctx context.Context, tenantID string) (int, error) {
	now := domain.ISO(e.now())
	closed := 0
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		stls, err := tx.ListSettlementsInDisputeWindow(ctx, tenantID)
		if err != nil {
			return err
		}
		for _, stl := range stls {
			if stl.DisputeWindowEndsAt > now {
				continue
			}
			if stl.DisputeStatus == domain.DisputeOpen || stl.DisputeStatus == domain.DisputeEscalated {
				continue // the dispute engine owns this settlement now
			}
			stl.DisputeWindowEndsAt = ""
			stl.UpdatedAt = now
			if err := tx.PutSettlement(ctx, stl); err != nil {
				return err
			}
			closed++
		}
		return nil
	})
	return closed, err
}
