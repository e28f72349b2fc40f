// Package x402 implements the payment gate: a gate is created ahead of a
// paid agent call, authorization pins the amount in escrow under an optional
// authority grant, and consumption releases it to the payee. Agent lifecycle
// transitions (throttle, suspend) live here too since the gate is the
// enforcement point for them.
package x402

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld-core/internal/authority"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/outbox"
	"github.com/settld-labs/settld-core/internal/store"
	"github.com/settld-labs/settld-core/internal/wallet"
)

// Gate states.
const (
	GateCreated    = "created"
	GateAuthorized = "authorized"
	GateConsumed   = "consumed"
)

// Engine drives the gate lifecycle.
type Engine struct {
	Store    store.Store
	Verifier *authority.Verifier
	Now      func() time.Time
}

func NewEngine(st store.Store, verifier *authority.Verifier) *Engine {
	return &Engine{Store: st, Verifier: verifier, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateGateInput opens a gate ahead of an authorized call.
type CreateGateInput struct {
	GateID       string `json:"gateId,omitempty"`
	PayerAgentID string `json:"payerAgentId"`
	PayeeAgentID string `json:"payeeAgentId"`
	GrantID      string `json:"grantId,omitempty"`
	AmountCents  int64  `json:"amountCents"`
	Currency     string `json:"currency,omitempty"`
}

// CreateGate registers the gate without moving funds.
func (e *Engine) CreateGate(ctx context.Context, tenantID string, in CreateGateInput) (*domain.PaymentGate, error) {
	if in.PayerAgentID == "" || in.PayeeAgentID == "" {
		return nil, derr.Validation("AGENT_ID_REQUIRED", "payerAgentId and payeeAgentId are required")
	}
	if in.AmountCents <= 0 {
		return nil, derr.Validation("AMOUNT_INVALID", "amountCents must be positive")
	}
	now := e.now()
	id := in.GateID
	if id == "" {
		id = "gate_" + uuid.NewString()
	}
	var out *domain.PaymentGate
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		for _, agent := range []string{in.PayerAgentID, in.PayeeAgentID} {
			if _, err := tx.GetIdentity(ctx, tenantID, agent); err != nil {
				return err
			}
		}
		if existing, err := tx.GetGate(ctx, tenantID, id); err == nil && existing != nil {
			return derr.Conflict("GATE_ALREADY_EXISTS", "gate %s already exists", id)
		}
		currency := in.Currency
		if currency == "" {
			currency = "USD"
		}
		g := &domain.PaymentGate{
			SchemaVersion: "PaymentGate.v1",
			TenantID:      tenantID,
			GateID:        id,
			PayerAgentID:  in.PayerAgentID,
			PayeeAgentID:  in.PayeeAgentID,
			GrantID:       in.GrantID,
			AmountCents:   in.AmountCents,
			Currency:      currency,
			Status:        GateCreated,
			CreatedAt:     domain.ISO(now),
			UpdatedAt:     domain.ISO(now),
		}
		if err := tx.PutGate(ctx, g); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AuthorizePayment checks the payer lifecycle and grant chain, then locks the
// gate amount in the payer's escrow. Single-shot per gate.
func (e *Engine) AuthorizePayment(ctx context.Context, tenantID, gateID string) (*domain.PaymentGate, error) {
	now := e.now()
	var out *domain.PaymentGate
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		g, err := tx.GetGate(ctx, tenantID, gateID)
		if err != nil {
			return err
		}
		if g.Status != GateCreated {
			return derr.Conflict("GATE_STATUS_INVALID", "gate %s is %s, expected created", gateID, g.Status)
		}
		if err := e.checkLifecycle(ctx, tx, tenantID, g.PayerAgentID); err != nil {
			return err
		}
		if g.GrantID != "" {
			leaf, err := tx.GetGrant(ctx, tenantID, g.GrantID)
			if err != nil {
				return err
			}
			if err := e.Verifier.VerifyGrant(ctx, tenantID, leaf, authority.Operation{
				Role:          "payer",
				Name:          "x402.payment",
				SideEffecting: true,
				AmountCents:   g.AmountCents,
			}); err != nil {
				return err
			}
		}
		payerW, err := tx.GetWallet(ctx, tenantID, g.PayerAgentID)
		if err != nil {
			return err
		}
		locked, err := wallet.Lock(*payerW, g.AmountCents, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, &locked); err != nil {
			return err
		}
		g.Status = GateAuthorized
		g.UpdatedAt = domain.ISO(now)
		if err := tx.PutGate(ctx, g); err != nil {
			return err
		}
		if err := outbox.Enqueue(ctx, tx, tenantID, "gate.authorized", "gate", gateID, gateID+":authorized",
			map[string]interface{}{"gateId": gateID, "amountCents": g.AmountCents}); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Consume releases an authorized gate's escrow to the payee.
func (e *Engine) Consume(ctx context.Context, tenantID, gateID string) (*domain.PaymentGate, error) {
	now := e.now()
	var out *domain.PaymentGate
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		g, err := tx.GetGate(ctx, tenantID, gateID)
		if err != nil {
			return err
		}
		if g.Status != GateAuthorized {
			return derr.Conflict("GATE_STATUS_INVALID", "gate %s is %s, expected authorized", gateID, g.Status)
		}
		payerW, err := tx.GetWallet(ctx, tenantID, g.PayerAgentID)
		if err != nil {
			return err
		}
		payeeW, err := tx.GetWallet(ctx, tenantID, g.PayeeAgentID)
		if err != nil {
			return err
		}
		res, err := wallet.Release(*payerW, *payeeW, g.AmountCents, now)
		if err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, &res.PayerWallet); err != nil {
			return err
		}
		if err := tx.PutWallet(ctx, &res.PayeeWallet); err != nil {
			return err
		}
		g.Status = GateConsumed
		g.UpdatedAt = domain.ISO(now)
		if err := tx.PutGate(ctx, g); err != nil {
			return err
		}
		if err := outbox.Enqueue(ctx, tx, tenantID, "gate.consumed", "gate", gateID, gateID+":consumed",
			map[string]interface{}{"gateId": gateID, "amountCents": g.AmountCents}); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetGate returns a gate.
func (e *Engine) GetGate(ctx context.Context, tenantID, gateID string) (*domain.PaymentGate, error) {
	return e.Store.GetGate(ctx, tenantID, gateID)
}

// SetLifecycle transitions an agent's lifecycle status.
func (e *Engine) SetLifecycle(ctx context.Context, tenantID, agentID string, status domain.AgentStatus) (*domain.AgentIdentity, error) {
	switch status {
	case domain.AgentActive, domain.AgentThrottled, domain.AgentSuspended, domain.AgentRetired:
	default:
		return nil, derr.Validation("LIFECYCLE_STATUS_INVALID", "unknown lifecycle status %q", status)
	}
	now := e.now()
	var out *domain.AgentIdentity
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		identity, err := tx.GetIdentity(ctx, tenantID, agentID)
		if err != nil {
			return err
		}
		identity.Status = status
		identity.UpdatedAt = domain.ISO(now)
		if err := tx.PutIdentity(ctx, identity); err != nil {
			return err
		}
		out = identity
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkLifecycle rejects gated operations for non-active payers with the
// x402 lifecycle codes.
func (e *Engine) checkLifecycle(ctx context.Context, st store.Store, tenantID, agentID string) error {
	identity, err := st.GetIdentity(ctx, tenantID, agentID)
	if err != nil {
		return err
	}
	switch identity.Status {
	case domain.AgentActive:
		return nil
	case domain.AgentThrottled:
		return derr.New(authority.CodeAgentThrottled, 429, "agent %s is throttled", agentID)
	default:
		return derr.New(authority.CodeAgentSuspended, 410, "agent %s is %s", agentID, identity.Status)
	}
}
