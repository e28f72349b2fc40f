// Package wallet implements the pure escrow state machine on AgentWallet
// records. Functions take wallet values, never pointers into the store, and
// return the next state; a rejected transition leaves the input untouched so
// the store can discard the attempt without compensation.
//
// Invariant on every returned wallet: all fields >= 0 and
// available + escrowLocked == totalCredited - totalDebited.
package wallet

import (
	"net/http"
	"time"

	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
)

// maxSafeCents guards against overflow on the int64 cent arithmetic.
const maxSafeCents = int64(1) << 53

// ErrInsufficientBalance is the code raised when a lock exceeds available
// funds.
const ErrInsufficientBalance = "INSUFFICIENT_WALLET_BALANCE"

// New initializes a zeroed wallet for an agent.
func New(tenantID, agentID, currency string, at time.Time) domain.AgentWallet {
	if currency == "" {
		currency = "USD"
	}
	return domain.AgentWallet{
		SchemaVersion: "AgentWallet.v1",
		TenantID:      tenantID,
		AgentID:       agentID,
		Currency:      currency,
		UpdatedAt:     domain.ISO(at),
	}
}

func validAmount(amount int64) error {
	if amount <= 0 {
		return derr.Validation("WALLET_AMOUNT_INVALID", "amount must be a positive integer, got %d", amount)
	}
	if amount >= maxSafeCents {
		return derr.Validation("WALLET_AMOUNT_INVALID", "amount %d exceeds the safe integer range", amount)
	}
	return nil
}

// Credit adds funds to the available balance.
func Credit(w domain.AgentWallet, amount int64, at time.Time) (domain.AgentWallet, error) {
	if err := validAmount(amount); err != nil {
		return w, err
	}
	w.AvailableCents += amount
	w.TotalCreditedCents += amount
	w.UpdatedAt = domain.ISO(at)
	return w, nil
}

// Lock moves funds from available into escrow. On insufficient balance the
// input wallet is returned unchanged.
func Lock(w domain.AgentWallet, amount int64, at time.Time) (domain.AgentWallet, error) {
	if err := validAmount(amount); err != nil {
		return w, err
	}
	if amount > w.AvailableCents {
		return w, derr.New(ErrInsufficientBalance, http.StatusConflict,
			"cannot lock %d cents: only %d available", amount, w.AvailableCents).
			WithDetails(map[string]interface{}{
				"requestedCents": amount,
				"availableCents": w.AvailableCents,
			})
	}
	w.AvailableCents -= amount
	w.EscrowLockedCents += amount
	w.UpdatedAt = domain.ISO(at)
	return w, nil
}

// Refund moves escrowed funds back to the payer's available balance.
func Refund(w domain.AgentWallet, amount int64, at time.Time) (domain.AgentWallet, error) {
	if err := validAmount(amount); err != nil {
		return w, err
	}
	if amount > w.EscrowLockedCents {
		return w, derr.Conflict("ESCROW_UNDERFLOW",
			"cannot refund %d cents: only %d locked", amount, w.EscrowLockedCents)
	}
	w.EscrowLockedCents -= amount
	w.AvailableCents += amount
	w.UpdatedAt = domain.ISO(at)
	return w, nil
}

// ReleaseResult carries both sides of a release.
type ReleaseResult struct {
	PayerWallet domain.AgentWallet
	PayeeWallet domain.AgentWallet
}

// Release settles escrowed funds from payer to payee: the payer's escrow is
// debited (and totalDebited incremented), the payee is credited.
func Release(payer, payee domain.AgentWallet, amount int64, at time.Time) (ReleaseResult, error) {
	if err := validAmount(amount); err != nil {
		return ReleaseResult{PayerWallet: payer, PayeeWallet: payee}, err
	}
	if amount > payer.EscrowLockedCents {
		return ReleaseResult{PayerWallet: payer, PayeeWallet: payee},
			derr.Conflict("ESCROW_UNDERFLOW",
				"cannot release %d cents: only %d locked", amount, payer.EscrowLockedCents)
	}
	payer.EscrowLockedCents -= amount
	payer.TotalDebitedCents += amount
	payee.AvailableCents += amount
	payee.TotalCreditedCents += amount
	now := domain.ISO(at)
	payer.UpdatedAt = now
	payee.UpdatedAt = now
	return ReleaseResult{PayerWallet: payer, PayeeWallet: payee}, nil
}

// SplitRelease resolves a locked amount as a release/refund pair:
// releaseCents to the payee, refundCents back to the payer. The two must sum
// to the locked amount being settled. Either side may be zero.
func SplitRelease(payer, payee domain.AgentWallet, releaseCents, refundCents int64, at time.Time) (ReleaseResult, error) {
	if releaseCents < 0 || refundCents < 0 {
		return ReleaseResult{PayerWallet: payer, PayeeWallet: payee},
			derr.Validation("WALLET_AMOUNT_INVALID", "split amounts must be non-negative")
	}
	total := releaseCents + refundCents
	if total <= 0 || total > payer.EscrowLockedCents {
		return ReleaseResult{PayerWallet: payer, PayeeWallet: payee},
			derr.Conflict("ESCROW_UNDERFLOW",
				"split of %d cents does not fit locked balance %d", total, payer.EscrowLockedCents)
	}
	var err error
	res := ReleaseResult{PayerWallet: payer, PayeeWallet: payee}
	if releaseCents > 0 {
		res, err = Release(res.PayerWallet, res.PayeeWallet, releaseCents, at)
		if err != nil {
			return ReleaseResult{PayerWallet: payer, PayeeWallet: payee}, err
		}
	}
	if refundCents > 0 {
		res.PayerWallet, err = Refund(res.PayerWallet, refundCents, at)
		if err != nil {
			return ReleaseResult{PayerWallet: payer, PayeeWallet: payee}, err
		}
	}
	return res, nil
}

// CheckInvariant verifies the double-entry identity of a wallet.
func CheckInvariant(w domain.AgentWallet) error {
	if w.AvailableCents < 0 || w.EscrowLockedCents < 0 || w.TotalCreditedCents < 0 || w.TotalDebitedCents < 0 {
		return derr.New("WALLET_INVARIANT_VIOLATED", http.StatusInternalServerError,
			"wallet %s has a negative field", w.AgentID)
	}
	if w.AvailableCents+w.EscrowLockedCents != w.TotalCreditedCents-w.TotalDebitedCents {
		return derr.New("WALLET_INVARIANT_VIOLATED", http.StatusInternalServerError,
			"wallet %s violates available+escrow == credited-debited", w.AgentID)
	}
	return nil
}
