package wallet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
)

var at = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func funded(t *testing.T, cents int64) domain.AgentWallet {
	t.Helper()
	w, err := Credit(New("t1", "agent-1", "USD", at), cents, at)
	require.NoError(t, err)
	return w
}

func TestCredit(t *testing.T) {
	w := funded(t, 5000)
	assert.Equal(t, int64(5000), w.AvailableCents)
	assert.Equal(t, int64(5000), w.TotalCreditedCents)
	require.NoError(t, CheckInvariant(w))
}

func TestCredit_RejectsNonPositive(t *testing.T) {
	for _, amt := range []int64{0, -1, maxSafeCents} {
		_, err := Credit(New("t1", "a", "USD", at), amt, at)
		require.Error(t, err, "amount %d", amt)
		assert.Equal(t, "WALLET_AMOUNT_INVALID", derr.As(err).Code)
	}
}

func TestLock_MovesToEscrow(t *testing.T) {
	w := funded(t, 5000)
	w, err := Lock(w, 1250, at)
	require.NoError(t, err)
	assert.Equal(t, int64(3750), w.AvailableCents)
	assert.Equal(t, int64(1250), w.EscrowLockedCents)
	require.NoError(t, CheckInvariant(w))
}

func TestLock_InsufficientBalanceLeavesWalletUntouched(t *testing.T) {
	w := funded(t, 100)
	before := w
	got, err := Lock(w, 200, at)
	require.Error(t, err)
	assert.Equal(t, ErrInsufficientBalance, derr.As(err).Code)
	assert.Equal(t, 409, derr.As(err).HTTPStatus)
	// lock-failure atomicity: byte-identical wallet
	assert.Equal(t, before, got)
}

func TestRefund(t *testing.T) {
	w := funded(t, 1000)
	w, err := Lock(w, 600, at)
	require.NoError(t, err)
	w, err = Refund(w, 600, at)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), w.AvailableCents)
	assert.Zero(t, w.EscrowLockedCents)
	require.NoError(t, CheckInvariant(w))
}

func TestRefund_Underflow(t *testing.T) {
	w := funded(t, 1000)
	_, err := Refund(w, 1, at)
	require.Error(t, err)
	assert.Equal(t, "ESCROW_UNDERFLOW", derr.As(err).Code)
}

func TestRelease_DebitsPayerCreditsPayee(t *testing.T) {
	payer := funded(t, 5000)
	payer, err := Lock(payer, 1250, at)
	require.NoError(t, err)
	payee := New("t1", "agent-2", "USD", at)

	res, err := Release(payer, payee, 1250, at)
	require.NoError(t, err)

	assert.Equal(t, int64(3750), res.PayerWallet.AvailableCents)
	assert.Zero(t, res.PayerWallet.EscrowLockedCents)
	assert.Equal(t, int64(1250), res.PayerWallet.TotalDebitedCents)
	assert.Equal(t, int64(1250), res.PayeeWallet.AvailableCents)
	assert.Equal(t, int64(1250), res.PayeeWallet.TotalCreditedCents)
	require.NoError(t, CheckInvariant(res.PayerWallet))
	require.NoError(t, CheckInvariant(res.PayeeWallet))
}

func TestSplitRelease_ConservesLockedAmount(t *testing.T) {
	payer := funded(t, 10000)
	payer, err := Lock(payer, 1000, at)
	require.NoError(t, err)
	payee := New("t1", "agent-2", "USD", at)

	// 40% release, 60% refund
	res, err := SplitRelease(payer, payee, 400, 600, at)
	require.NoError(t, err)

	assert.Equal(t, int64(400), res.PayeeWallet.AvailableCents)
	assert.Equal(t, int64(9600), res.PayerWallet.AvailableCents)
	assert.Zero(t, res.PayerWallet.EscrowLockedCents)
	require.NoError(t, CheckInvariant(res.PayerWallet))
	require.NoError(t, CheckInvariant(res.PayeeWallet))
}

func TestSplitRelease_DegenerateCases(t *testing.T) {
	mk := func() (domain.AgentWallet, domain.AgentWallet) {
		payer := funded(t, 1000)
		payer, err := Lock(payer, 500, at)
		require.NoError(t, err)
		return payer, New("t1", "agent-2", "USD", at)
	}

	payer, payee := mk()
	res, err := SplitRelease(payer, payee, 500, 0, at) // release-only
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.PayeeWallet.AvailableCents)

	payer, payee = mk()
	res, err = SplitRelease(payer, payee, 0, 500, at) // refund-only
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.PayerWallet.AvailableCents)
	assert.Zero(t, res.PayeeWallet.AvailableCents)
}

func TestSplitRelease_RejectsOverdraw(t *testing.T) {
	payer := funded(t, 1000)
	payer, err := Lock(payer, 500, at)
	require.NoError(t, err)
	payee := New("t1", "agent-2", "USD", at)

	_, err = SplitRelease(payer, payee, 400, 200, at)
	require.Error(t, err)
	assert.Equal(t, "ESCROW_UNDERFLOW", derr.As(err).Code)
}
