// Package dispute runs the settlement dispute lifecycle:
// open -> evidence* -> escalated(level) -> closed(outcome). A dispute takes
// ownership of a non-terminal settlement; closing it drives the final
// release/refund split out of escrow and stamps the verdict hash on the
// settlement.
package dispute

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld-core/internal/canonical"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/metrics"
	"github.com/settld-labs/settld-core/internal/outbox"
	"github.com/settld-labs/settld-core/internal/store"
	"github.com/settld-labs/settld-core/internal/wallet"
)

// Escalation levels, in order.
const (
	LevelCounterparty = "l1_counterparty"
	LevelArbiter      = "l2_arbiter"
	LevelPlatform     = "l3_platform"
)

// DefaultEscalationTimeout is how long a dispute may sit unresolved at one
// level before the scheduler escalates it.
const DefaultEscalationTimeout = 7 * 24 * time.Hour

var levelRank = map[string]int{
	LevelCounterparty: 1,
	LevelArbiter:      2,
	LevelPlatform:     3,
}

// Engine executes dispute operations against the store.
type Engine struct {
	Store             store.Store
	Now               func() time.Time
	EscalationTimeout time.Duration
}

func NewEngine(st store.Store) *Engine {
	return &Engine{Store: st, Now: time.Now, EscalationTimeout: DefaultEscalationTimeout}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// OpenInput opens a dispute on a run's settlement.
type OpenInput struct {
	OpenedBy   string `json:"openedBy"`
	ReasonCode string `json:"reasonCode,omitempty"`
}

// Open attaches a dispute to the run's settlement. Only a non-terminal
// settlement can be disputed; its status moves to disputed so neither the
// policy engine nor an operator can resolve it underneath the dispute.
func (e *Engine) Open(ctx context.Context, tenantID, runID string, in OpenInput) (*domain.Dispute, error) {
	if in.OpenedBy == "" {
		return nil, derr.Validation("OPENED_BY_REQUIRED", "openedBy is required")
	}
	now := e.now()
	d := &domain.Dispute{
		SchemaVersion: "Dispute.v1",
		TenantID:      tenantID,
		DisputeID:     "dsp_" + uuid.NewString(),
		RunID:         runID,
		OpenedBy:      in.OpenedBy,
		Status:        domain.DisputeOpen,
		Level:         LevelCounterparty,
		Evidence:      []domain.DisputeEvidence{},
		OpenedAt:      domain.ISO(now),
	}
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		stl, err := tx.GetSettlementByRun(ctx, tenantID, runID)
		if err != nil {
			return err
		}
		if stl.Terminal() {
			return derr.Conflict("SETTLEMENT_ALREADY_RESOLVED", "settlement %s is already %s", stl.SettlementID, stl.Status)
		}
		if stl.DisputeStatus == domain.DisputeOpen || stl.DisputeStatus == domain.DisputeEscalated {
			return derr.Conflict("DISPUTE_ALREADY_OPEN", "settlement %s already has dispute %s", stl.SettlementID, stl.DisputeID)
		}
		d.SettlementID = stl.SettlementID
		stl.Status = domain.SettlementDisputed
		stl.DisputeStatus = domain.DisputeOpen
		stl.DisputeID = d.DisputeID
		stl.UpdatedAt = domain.ISO(now)
		if err := tx.PutSettlement(ctx, stl); err != nil {
			return err
		}
		if err := tx.PutDispute(ctx, d); err != nil {
			return err
		}
		metrics.DisputesOpen.WithLabelValues("open").Inc()
		return outbox.Enqueue(ctx, tx, tenantID, "dispute.opened", "settlement", stl.SettlementID, d.DisputeID+":opened",
			map[string]interface{}{"disputeId": d.DisputeID, "settlementId": stl.SettlementID, "runId": runID})
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// EvidenceInput is one evidence submission.
type EvidenceInput struct {
	DisputeID   string                 `json:"disputeId"`
	SubmittedBy string                 `json:"submittedBy"`
	Payload     map[string]interface{} `json:"payload"`
}

// SubmitEvidence appends hashed evidence to an open or escalated dispute.
func (e *Engine) SubmitEvidence(ctx context.Context, tenantID, runID string, in EvidenceInput) (*domain.Dispute, error) {
	now := e.now()
	payloadHash, err := canonical.HashValue(in.Payload)
	if err != nil {
		return nil, derr.Validation("UNSUPPORTED_CANONICAL_VALUE", "evidence payload is not canonicalizable: %v", err)
	}
	var out *domain.Dispute
	err = e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		d, err := e.load(ctx, tx, tenantID, runID, in.DisputeID)
		if err != nil {
			return err
		}
		if d.Status == domain.DisputeClosed {
			return derr.Conflict("DISPUTE_CLOSED", "dispute %s is closed", d.DisputeID)
		}
		d.Evidence = append(d.Evidence, domain.DisputeEvidence{
			EvidenceID:  "dev_" + uuid.NewString(),
			SubmittedBy: in.SubmittedBy,
			Payload:     in.Payload,
			PayloadHash: payloadHash,
			SubmittedAt: domain.ISO(now),
		})
		out = d
		return tx.PutDispute(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EscalateInput raises the dispute to a higher level.
type EscalateInput struct {
	DisputeID string `json:"disputeId"`
	Level     string `json:"level"`
}

// Escalate moves the dispute to a strictly higher escalation level.
func (e *Engine) Escalate(ctx context.Context, tenantID, runID string, in EscalateInput) (*domain.Dispute, error) {
	if levelRank[in.Level] == 0 {
		return nil, derr.Validation("ESCALATION_LEVEL_INVALID", "level must be one of l1_counterparty, l2_arbiter, l3_platform")
	}
	now := e.now()
	var out *domain.Dispute
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		d, err := e.load(ctx, tx, tenantID, runID, in.DisputeID)
		if err != nil {
			return err
		}
		if d.Status == domain.DisputeClosed {
			return derr.Conflict("DISPUTE_CLOSED", "dispute %s is closed", d.DisputeID)
		}
		if levelRank[in.Level] <= levelRank[d.Level] {
			return derr.Conflict("ESCALATION_NOT_MONOTONIC", "dispute %s is already at %s", d.DisputeID, d.Level)
		}
		d.Status = domain.DisputeEscalated
		d.Level = in.Level
		if err := tx.PutDispute(ctx, d); err != nil {
			return err
		}
		stl, err := tx.GetSettlement(ctx, tenantID, d.SettlementID)
		if err != nil {
			return err
		}
		stl.DisputeStatus = domain.DisputeEscalated
		stl.UpdatedAt = domain.ISO(now)
		if err := tx.PutSettlement(ctx, stl); err != nil {
			return err
		}
		out = d
		metrics.DisputesOpen.WithLabelValues("escalated").Inc()
		return outbox.Enqueue(ctx, tx, tenantID, "dispute.escalated", "settlement", d.SettlementID, d.DisputeID+":"+in.Level,
			map[string]interface{}{"disputeId": d.DisputeID, "level": in.Level})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CloseInput carries the verdict.
type CloseInput struct {
	DisputeID      string `json:"disputeId"`
	DecidedBy      string `json:"decidedBy"`
	Outcome        string `json:"outcome"` // accepted | rejected | partial
	ReleaseRatePct int    `json:"releaseRatePct,omitempty"`
}

// Close issues the verdict: the escrowed amount splits by releaseRatePct
// (accepted refunds the payer, rejected pays the payee out), the verdict
// artifact hash lands on the settlement, and an adjustment artifact records
// the deltas.
func (e *Engine) Close(ctx context.Context, tenantID, runID string, in CloseInput) (*domain.Dispute, *domain.SettlementAdjustment, error) {
	pct, err := closePct(in)
	if err != nil {
		return nil, nil, err
	}
	now := e.now()

	var outD *domain.Dispute
	var adj *domain.SettlementAdjustment
	err = e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		d, err := e.load(ctx, tx, tenantID, runID, in.DisputeID)
		if err != nil {
			return err
		}
		if d.Status == domain.DisputeClosed {
			return derr.Conflict("DISPUTE_CLOSED", "dispute %s is closed", d.DisputeID)
		}
		stl, err := tx.GetSettlement(ctx, tenantID, d.SettlementID)
		if err != nil {
			return err
		}

		releaseCents := stl.AmountCents * int64(pct) / 100
		refundCents := stl.AmountCents - releaseCents
		if err := moveEscrow(ctx, tx, stl, releaseCents, refundCents, now); err != nil {
			return err
		}

		verdictHash, err := canonical.HashValue(map[string]interface{}{
			"schemaVersion":  "DisputeVerdict.v1",
			"disputeId":      d.DisputeID,
			"settlementId":   stl.SettlementID,
			"decidedBy":      in.DecidedBy,
			"outcome":        in.Outcome,
			"releaseRatePct": pct,
			"decidedAt":      domain.ISO(now),
		})
		if err != nil {
			return err
		}

		d.Status = domain.DisputeClosed
		d.Outcome = in.Outcome
		d.ReleaseRatePct = pct
		d.VerdictHash = verdictHash
		d.ClosedAt = domain.ISO(now)
		if err := tx.PutDispute(ctx, d); err != nil {
			return err
		}

		stl.Status = splitStatus(releaseCents, refundCents)
		stl.ReleasedAmountCents = releaseCents
		stl.RefundedAmountCents = refundCents
		stl.DisputeStatus = domain.DisputeClosed
		stl.DecisionStatus = "manual_resolved"
		stl.VerdictHash = verdictHash
		stl.UpdatedAt = domain.ISO(now)
		if err := tx.PutSettlement(ctx, stl); err != nil {
			return err
		}

		adj = &domain.SettlementAdjustment{
			SchemaVersion:      "AgentRunSettlementAdjustment.v1",
			TenantID:           tenantID,
			AdjustmentID:       "adj_" + uuid.NewString(),
			SettlementID:       stl.SettlementID,
			DisputeID:          d.DisputeID,
			ReleasedDeltaCents: releaseCents,
			RefundedDeltaCents: refundCents,
			ReleaseRatePct:     pct,
			CreatedAt:          domain.ISO(now),
		}
		adjHash, err := canonical.HashArtifact(adj, "adjustmentHash")
		if err != nil {
			return err
		}
		adj.AdjustmentHash = adjHash
		if err := tx.PutAdjustment(ctx, adj); err != nil {
			return err
		}
		outD = d
		metrics.DisputesOpen.WithLabelValues("closed").Inc()
		return outbox.Enqueue(ctx, tx, tenantID, "dispute.closed", "settlement", stl.SettlementID, d.DisputeID+":closed",
			map[string]interface{}{
				"disputeId":           d.DisputeID,
				"outcome":             in.Outcome,
				"releasedAmountCents": releaseCents,
				"refundedAmountCents": refundCents,
				"verdictHash":         verdictHash,
			})
	})
	if err != nil {
		return nil, nil, err
	}
	return outD, adj, nil
}

// Get returns a dispute by id.
func (e *Engine) Get(ctx context.Context, tenantID, disputeID string) (*domain.Dispute, error) {
	return e.Store.GetDispute(ctx, tenantID, disputeID)
}

// EscalateTimeouts raises open disputes that sat at their level past the
// timeout. Used by the scheduler; returns disputes escalated.
func (e *Engine) EscalateTimeouts(ctx context.Context, tenantID string) (int, error) {
	now := e.now()
	timeout := e.EscalationTimeout
	if timeout <= 0 {
		timeout = DefaultEscalationTimeout
	}
	escalated := 0
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		open, err := tx.ListOpenDisputes(ctx, tenantID)
		if err != nil {
			return err
		}
		for _, d := range open {
			opened, perr := time.Parse(time.RFC3339Nano, d.OpenedAt)
			if perr != nil || now.Sub(opened) < timeout {
				continue
			}
			next := nextLevel(d.Level)
			if next == "" {
				continue // already at the platform level; a human closes it
			}
			d.Status = domain.DisputeEscalated
			d.Level = next
			if err := tx.PutDispute(ctx, d); err != nil {
				return err
			}
			stl, err := tx.GetSettlement(ctx, tenantID, d.SettlementID)
			if err != nil {
				return err
			}
			stl.DisputeStatus = domain.DisputeEscalated
			stl.UpdatedAt = domain.ISO(now)
			if err := tx.PutSettlement(ctx, stl); err != nil {
				return err
			}
			escalated++
		}
		return nil
	})
	return escalated, err
}

// load fetches the dispute and enforces the disputeId-matches-settlement rule.
func (e *Engine) load(ctx context.Context, tx store.Store, tenantID, runID, disputeID string) (*domain.Dispute, error) {
	d, err := tx.GetDispute(ctx, tenantID, disputeID)
	if err != nil {
		return nil, err
	}
	if d.RunID != runID {
		return nil, derr.Conflict("DISPUTE_ID_MISMATCH", "dispute %s does not belong to run %s", disputeID, runID)
	}
	stl, err := tx.GetSettlement(ctx, tenantID, d.SettlementID)
	if err != nil {
		return nil, err
	}
	if stl.DisputeID != disputeID {
		return nil, derr.Conflict("DISPUTE_ID_MISMATCH", "settlement %s is bound to dispute %s", stl.SettlementID, stl.DisputeID)
	}
	return d, nil
}

// moveEscrow settles the locked amount: release to payee, refund to payer.
func moveEscrow(ctx context.Context, tx store.Store, stl *domain.Settlement, releaseCents, refundCents int64, now time.Time) error {
	payerW, err := tx.GetWallet(ctx, stl.TenantID, stl.PayerAgentID)
	if err != nil {
		return err
	}
	switch {
	case refundCents == 0:
		payeeW, err := tx.GetWallet(ctx, stl.TenantID, stl.PayeeAgentID)
		if err != nil {
			return err
		}
		res, err := wallet.Release(*payerW, *payeeW, releaseCents, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, &res.PayerWallet); err != nil {
			return err
		}
		return tx.PutWallet(ctx, &res.PayeeWallet)
	case releaseCents == 0:
		refunded, err := wallet.Refund(*payerW, refundCents, now)
		if err != nil {
			return err
		}
		return tx.PutWallet(ctx, &refunded)
	default:
		payeeW, err := tx.GetWallet(ctx, stl.TenantID, stl.PayeeAgentID)
		if err != nil {
			return err
		}
		res, err := wallet.SplitRelease(*payerW, *payeeW, releaseCents, refundCents, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, &res.PayerWallet); err != nil {
			return err
		}
		return tx.PutWallet(ctx, &res.PayeeWallet)
	}
}

func splitStatus(releaseCents, refundCents int64) domain.SettlementStatus {
	switch {
	case refundCents == 0:
		return domain.SettlementReleased
	case releaseCents == 0:
		return domain.SettlementRefunded
	default:
		return domain.SettlementSplit
	}
}

func nextLevel(level string) string {
	switch level {
	case LevelCounterparty:
		return LevelArbiter
	case LevelArbiter:
		return LevelPlatform
	}
	return ""
}

// closePct maps the outcome to the payee's share of the escrow.
func closePct(in CloseInput) (int, error) {
	switch in.Outcome {
	case "accepted":
		return 0, nil
	case "rejected":
		return 100, nil
	case "partial":
		if in.ReleaseRatePct < 0 || in.ReleaseRatePct > 100 {
			return 0, derr.Validation("RELEASE_RATE_INVALID", "releaseRatePct must be in [0,100]")
		}
		return in.ReleaseRatePct, nil
	default:
		return 0, derr.Validation("VERDICT_OUTCOME_INVALID", "outcome must be accepted, rejected or partial")
	}
}
