// Package toolcall implements the tool-call settlement kernel: pre-execution
// agreements, signed output evidence, holdback funding holds with a challenge
// window, and the arbitration path for disputes opened inside that window.
package toolcall

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld-core/internal/canonical"
	"github.com/settld-labs/settld-core/internal/chain"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/outbox"
	"github.com/settld-labs/settld-core/internal/store"
	"github.com/settld-labs/settld-core/internal/wallet"
)

// Kernel executes tool-call operations against the store.
type Kernel struct {
	Store  store.Store
	Signer chain.Signer
	Now    func() time.Time
}

func NewKernel(st store.Store, signer chain.Signer) *Kernel {
	return &Kernel{Store: st, Signer: signer, Now: time.Now}
}

func (k *Kernel) now() time.Time {
	if k.Now != nil {
		return k.Now()
	}
	return time.Now()
}

// AgreementInput describes a tool invocation before it runs.
type AgreementInput struct {
	ToolID       string                 `json:"toolId"`
	ManifestHash string                 `json:"manifestHash"`
	CallID       string                 `json:"callId"`
	Input        map[string]interface{} `json:"input"`
	Terms        map[string]interface{} `json:"terms,omitempty"`
}

// CreateAgreement fingerprints the call input and persists the agreement.
// The agreement hash covers every field except itself.
func (k *Kernel) CreateAgreement(ctx context.Context, tenantID string, in AgreementInput) (*domain.ToolCallAgreement, error) {
	if in.ToolID == "" {
		return nil, derr.Validation("TOOL_ID_REQUIRED", "toolId is required")
	}
	if in.CallID == "" {
		return nil, derr.Validation("CALL_ID_REQUIRED", "callId is required")
	}
	inputHash, err := canonical.HashValue(in.Input)
	if err != nil {
		return nil, derr.Validation("UNSUPPORTED_CANONICAL_VALUE", "input is not canonicalizable: %v", err)
	}
	a := &domain.ToolCallAgreement{
		SchemaVersion: "ToolCallAgreement.v1",
		TenantID:      tenantID,
		ToolID:        in.ToolID,
		ManifestHash:  in.ManifestHash,
		CallID:        in.CallID,
		InputHash:     inputHash,
		Terms:         in.Terms,
		CreatedAt:     domain.ISO(k.now()),
	}
	hash, err := canonical.HashArtifact(a, "agreementHash")
	if err != nil {
		return nil, err
	}
	a.AgreementHash = hash
	if err := k.Store.PutAgreement(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// EvidenceInput carries the tool output to be attested.
type EvidenceInput struct {
	AgreementHash string                 `json:"agreementHash"`
	Output        map[string]interface{} `json:"output"`
	Metrics       map[string]interface{} `json:"metrics,omitempty"`
}

// SignEvidence hashes the output, fingerprints the evidence record with an
// empty signature slot, then signs that fingerprint with the active key.
// Verifiers zero the signature before recomputing the evidence hash.
func (k *Kernel) SignEvidence(ctx context.Context, tenantID string, in EvidenceInput) (*domain.ToolCallEvidence, error) {
	if k.Signer == nil {
		return nil, derr.New("SIGNER_UNAVAILABLE", 500, "no signing key configured")
	}
	if _, err := k.Store.GetAgreementByHash(ctx, tenantID, in.AgreementHash); err != nil {
		return nil, err
	}
	outputHash, err := canonical.HashValue(in.Output)
	if err != nil {
		return nil, derr.Validation("UNSUPPORTED_CANONICAL_VALUE", "output is not canonicalizable: %v", err)
	}
	ev := &domain.ToolCallEvidence{
		SchemaVersion: "ToolCallEvidence.v1",
		TenantID:      tenantID,
		AgreementHash: in.AgreementHash,
		OutputHash:    outputHash,
		Metrics:       in.Metrics,
		CreatedAt:     domain.ISO(k.now()),
	}
	hash, err := canonical.HashArtifact(ev, "evidenceHash")
	if err != nil {
		return nil, err
	}
	ev.EvidenceHash = hash
	sig, kid, err := k.Signer.SignHash(hash)
	if err != nil {
		return nil, fmt.Errorf("evidence signing failed: %w", err)
	}
	ev.Signature = sig
	ev.SignerKeyID = kid
	if err := k.Store.PutToolEvidence(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// HoldInput requests a holdback lock under an agreement.
type HoldInput struct {
	AgreementHash     string `json:"agreementHash"`
	ReceiptHash       string `json:"receiptHash"`
	PayerAgentID      string `json:"payerAgentId"`
	PayeeAgentID      string `json:"payeeAgentId"`
	AmountCents       int64  `json:"amountCents"`
	HoldbackBps       int    `json:"holdbackBps"`
	ChallengeWindowMs int64  `json:"challengeWindowMs"`
}

// CreateHold locks the holdback portion of the call amount on the payer
// wallet for the challenge window. heldAmount = amount * bps / 10000.
func (k *Kernel) CreateHold(ctx context.Context, tenantID string, in HoldInput) (*domain.FundingHold, error) {
	if in.HoldbackBps < 0 || in.HoldbackBps > 10000 {
		return nil, derr.Validation("HOLDBACK_BPS_INVALID", "holdbackBps must be in [0,10000]")
	}
	if in.ChallengeWindowMs < 0 {
		return nil, derr.Validation("CHALLENGE_WINDOW_INVALID", "challengeWindowMs must be >= 0")
	}
	if in.AmountCents <= 0 {
		return nil, derr.Validation("AMOUNT_INVALID", "amountCents must be positive")
	}
	now := k.now()
	held := in.AmountCents * int64(in.HoldbackBps) / 10000

	h := &domain.FundingHold{
		SchemaVersion:     "FundingHold.v1",
		TenantID:          tenantID,
		AgreementHash:     in.AgreementHash,
		ReceiptHash:       in.ReceiptHash,
		PayerAgentID:      in.PayerAgentID,
		PayeeAgentID:      in.PayeeAgentID,
		AmountCents:       in.AmountCents,
		HoldbackBps:       in.HoldbackBps,
		HeldAmountCents:   held,
		ChallengeWindowMs: in.ChallengeWindowMs,
		WindowEndsAt:      domain.ISO(now.Add(time.Duration(in.ChallengeWindowMs) * time.Millisecond)),
		Status:            domain.HoldLocked,
		CreatedAt:         domain.ISO(now),
		UpdatedAt:         domain.ISO(now),
	}
	hash, err := canonical.HashArtifact(h, "holdHash")
	if err != nil {
		return nil, err
	}
	h.HoldHash = hash

	err = k.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.GetAgreementByHash(ctx, tenantID, in.AgreementHash); err != nil {
			return err
		}
		if held > 0 {
			w, err := tx.GetWallet(ctx, tenantID, in.PayerAgentID)
			if err != nil {
				return err
			}
			locked, err := wallet.Lock(*w, held, now)
			if err != nil {
				return err
			}
			if err := tx.PutWallet(ctx, &locked); err != nil {
				return err
			}
		}
		if err := tx.PutHold(ctx, h); err != nil {
			return err
		}
		return outbox.Enqueue(ctx, tx, tenantID, "hold.locked", "hold", h.HoldHash, h.HoldHash+":locked",
			map[string]interface{}{"holdHash": h.HoldHash, "heldAmountCents": held})
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// GetHold returns a hold by hash.
func (k *Kernel) GetHold(ctx context.Context, tenantID, holdHash string) (*domain.FundingHold, error) {
	return k.Store.GetHold(ctx, tenantID, holdHash)
}

// ListHolds returns all holds for the tenant.
func (k *Kernel) ListHolds(ctx context.Context, tenantID string) ([]*domain.FundingHold, error) {
	return k.Store.ListAllHolds(ctx, tenantID)
}

// ExpireHolds releases locked holds whose challenge window elapsed without a
// dispute. The holdback moves to the payee. Returns holds released.
func (k *Kernel) ExpireHolds(ctx context.Context, tenantID string) (int, error) {
	now := k.now()
	nowISO := domain.ISO(now)
	released := 0
	err := k.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		holds, err := tx.ListHoldsByStatus(ctx, tenantID, domain.HoldLocked)
		if err != nil {
			return err
		}
		for _, h := range holds {
			if h.WindowEndsAt > nowISO {
				continue
			}
			if err := k.moveHeld(ctx, tx, h, 100, now); err != nil {
				return err
			}
			h.Status = domain.HoldReleased
			h.UpdatedAt = nowISO
			if err := tx.PutHold(ctx, h); err != nil {
				return err
			}
			if err := outbox.Enqueue(ctx, tx, tenantID, "hold.released", "hold", h.HoldHash, h.HoldHash+":released",
				map[string]interface{}{"holdHash": h.HoldHash, "heldAmountCents": h.HeldAmountCents}); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	return released, err
}

// DisputeInput opens a dispute against a locked hold inside its window.
type DisputeInput struct {
	HoldHash   string                 `json:"holdHash"`
	OpenedBy   string                 `json:"openedBy"`
	ReasonCode string                 `json:"reasonCode"`
	Claims     map[string]interface{} `json:"claims,omitempty"`
	Signature  string                 `json:"signature,omitempty"`
}

// OpenDispute freezes the hold, records the signed open envelope, and opens
// an arbitration case.
func (k *Kernel) OpenDispute(ctx context.Context, tenantID string, in DisputeInput) (*domain.DisputeOpenEnvelope, *domain.ArbitrationCase, error) {
	now := k.now()
	env := &domain.DisputeOpenEnvelope{
		SchemaVersion: "DisputeOpenEnvelope.v1",
		TenantID:      tenantID,
		DisputeID:     "dsp_" + uuid.NewString(),
		HoldHash:      in.HoldHash,
		OpenedBy:      in.OpenedBy,
		ReasonCode:    in.ReasonCode,
		Claims:        in.Claims,
		Signature:     in.Signature,
		OpenedAt:      domain.ISO(now),
	}
	hash, err := canonical.HashArtifact(env, "envelopeHash")
	if err != nil {
		return nil, nil, err
	}
	env.EnvelopeHash = hash

	arb := &domain.ArbitrationCase{
		SchemaVersion: "ArbitrationCase.v1",
		TenantID:      tenantID,
		CaseID:        "arb_" + uuid.NewString(),
		HoldHash:      in.HoldHash,
		EnvelopeHash:  env.EnvelopeHash,
		Status:        "open",
		OpenedAt:      domain.ISO(now),
	}

	err = k.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		h, err := tx.GetHold(ctx, tenantID, in.HoldHash)
		if err != nil {
			return err
		}
		if h.Status != domain.HoldLocked {
			return derr.Conflict("HOLD_NOT_LOCKED", "hold %s is %s", h.HoldHash, h.Status)
		}
		if h.WindowEndsAt <= domain.ISO(now) {
			return derr.Conflict("HOLD_WINDOW_CLOSED", "challenge window for hold %s has closed", h.HoldHash)
		}
		h.Status = domain.HoldFrozen
		h.DisputeID = env.DisputeID
		h.UpdatedAt = domain.ISO(now)
		if err := tx.PutHold(ctx, h); err != nil {
			return err
		}
		if err := tx.PutEnvelope(ctx, env); err != nil {
			return err
		}
		if err := tx.PutArbitrationCase(ctx, arb); err != nil {
			return err
		}
		return outbox.Enqueue(ctx, tx, tenantID, "arbitration.opened", "hold", h.HoldHash, env.DisputeID+":opened",
			map[string]interface{}{"holdHash": h.HoldHash, "disputeId": env.DisputeID, "caseId": arb.CaseID})
	})
	if err != nil {
		return nil, nil, err
	}
	return env, arb, nil
}

// VerdictInput is the arbiter's decision on an open case.
type VerdictInput struct {
	CaseID         string `json:"caseId"`
	ArbiterID      string `json:"arbiterId"`
	Outcome        string `json:"outcome"` // accepted | rejected | partial
	ReleaseRatePct int    `json:"releaseRatePct,omitempty"`
}

// Verdict resolves an arbitration case: an accepted dispute refunds the
// holdback to the payer, a rejected one releases it to the payee, partial
// splits by releaseRatePct. The wallet deltas are recorded as a settlement
// adjustment artifact.
func (k *Kernel) Verdict(ctx context.Context, tenantID string, in VerdictInput) (*domain.ArbitrationCase, *domain.SettlementAdjustment, error) {
	pct, err := verdictPct(in)
	if err != nil {
		return nil, nil, err
	}
	now := k.now()

	var outCase *domain.ArbitrationCase
	var adj *domain.SettlementAdjustment
	err = k.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		arb, err := tx.GetArbitrationCase(ctx, tenantID, in.CaseID)
		if err != nil {
			return err
		}
		if arb.Status != "open" {
			return derr.Conflict("ARBITRATION_ALREADY_DECIDED", "case %s is already decided", arb.CaseID)
		}
		h, err := tx.GetHold(ctx, tenantID, arb.HoldHash)
		if err != nil {
			return err
		}
		if h.Status != domain.HoldFrozen {
			return derr.Conflict("HOLD_NOT_FROZEN", "hold %s is %s", h.HoldHash, h.Status)
		}

		if err := k.moveHeld(ctx, tx, h, pct, now); err != nil {
			return err
		}
		releasedDelta := h.HeldAmountCents * int64(pct) / 100
		refundedDelta := h.HeldAmountCents - releasedDelta

		verdictHash, err := canonical.HashValue(map[string]interface{}{
			"schemaVersion":  "Verdict.v1",
			"caseId":         arb.CaseID,
			"holdHash":       h.HoldHash,
			"arbiterId":      in.ArbiterID,
			"outcome":        in.Outcome,
			"releaseRatePct": pct,
			"decidedAt":      domain.ISO(now),
		})
		if err != nil {
			return err
		}

		arb.Status = "decided"
		arb.ArbiterID = in.ArbiterID
		arb.VerdictHash = verdictHash
		arb.DecidedAt = domain.ISO(now)
		if err := tx.PutArbitrationCase(ctx, arb); err != nil {
			return err
		}

		h.Status = domain.HoldResolved
		h.UpdatedAt = domain.ISO(now)
		if err := tx.PutHold(ctx, h); err != nil {
			return err
		}

		adj = &domain.SettlementAdjustment{
			SchemaVersion:      "AgentRunSettlementAdjustment.v1",
			TenantID:           tenantID,
			AdjustmentID:       "adj_" + uuid.NewString(),
			SettlementID:       h.HoldHash,
			DisputeID:          h.DisputeID,
			ReleasedDeltaCents: releasedDelta,
			RefundedDeltaCents: refundedDelta,
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
		outCase = arb
		return outbox.Enqueue(ctx, tx, tenantID, "arbitration.decided", "hold", h.HoldHash, arb.CaseID+":decided",
			map[string]interface{}{
				"caseId":             arb.CaseID,
				"holdHash":           h.HoldHash,
				"outcome":            in.Outcome,
				"releasedDeltaCents": releasedDelta,
				"refundedDeltaCents": refundedDelta,
			})
	})
	if err != nil {
		return nil, nil, err
	}
	return outCase, adj, nil
}

// ReplayReport is the deterministic re-evaluation of an agreement's evidence.
type ReplayReport struct {
	AgreementHash string `json:"agreementHash"`
	EvidenceCount int    `json:"evidenceCount"`
	Consistent    bool   `json:"consistent"`
	Detail        string `json:"detail,omitempty"`
}

// ReplayEvaluate recomputes each evidence fingerprint (with the signature
// slot zeroed) and reports whether the stored hashes still match.
func (k *Kernel) ReplayEvaluate(ctx context.Context, tenantID, agreementHash string) (*ReplayReport, error) {
	if _, err := k.Store.GetAgreementByHash(ctx, tenantID, agreementHash); err != nil {
		return nil, err
	}
	evs, err := k.Store.ListToolEvidenceByAgreement(ctx, tenantID, agreementHash)
	if err != nil {
		return nil, err
	}
	rep := &ReplayReport{AgreementHash: agreementHash, EvidenceCount: len(evs), Consistent: true}
	for _, ev := range evs {
		bare := *ev
		bare.Signature = ""
		bare.SignerKeyID = ""
		want, err := canonical.HashArtifact(&bare, "evidenceHash")
		if err != nil {
			return nil, err
		}
		if want != ev.EvidenceHash {
			rep.Consistent = false
			rep.Detail = fmt.Sprintf("evidence %s hash mismatch", ev.EvidenceHash)
		}
	}
	return rep, nil
}

// moveHeld moves the held amount out of payer escrow: pct% released to the
// payee, the remainder refunded.
func (k *Kernel) moveHeld(ctx context.Context, tx store.Store, h *domain.FundingHold, pct int, now time.Time) error {
	if h.HeldAmountCents == 0 {
		return nil
	}
	releaseCents := h.HeldAmountCents * int64(pct) / 100
	refundCents := h.HeldAmountCents - releaseCents

	payerW, err := tx.GetWallet(ctx, h.TenantID, h.PayerAgentID)
	if err != nil {
		return err
	}
	switch {
	case refundCents == 0:
		payeeW, err := tx.GetWallet(ctx, h.TenantID, h.PayeeAgentID)
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
		payeeW, err := tx.GetWallet(ctx, h.TenantID, h.PayeeAgentID)
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

// verdictPct maps the outcome to the share released to the payee. An
// accepted dispute refunds the payer; a rejected one pays the payee out.
func verdictPct(in VerdictInput) (int, error) {
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
