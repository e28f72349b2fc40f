package idempotency

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/store/memstore"
)

func TestFingerprintIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a, err := Fingerprint("POST", "/agents", []byte(`{"agentId":"agt_1","displayName":"A"}`))
	require.NoError(t, err)
	b, err := Fingerprint("POST", "/agents", []byte(` {"displayName":"A", "agentId":"agt_1"} `))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Fingerprint("POST", "/agents", []byte(`{"agentId":"agt_2","displayName":"A"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	d, err := Fingerprint("POST", "/wallets", []byte(`{"agentId":"agt_1","displayName":"A"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestGuardReplayAndConflict(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(memstore.New())

	fp, err := Fingerprint("POST", "/wallets/agt_1/credit", []byte(`{"amountCents":500}`))
	require.NoError(t, err)

	// first use: key unused
	rec, err := g.Check(ctx, "t1", "idem-1", fp)
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, g.Record(ctx, "t1", "idem-1", fp, http.StatusOK, []byte(`{"ok":true}`)))

	// replay with the same fingerprint returns the snapshot
	rec, err = g.Check(ctx, "t1", "idem-1", fp)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, http.StatusOK, rec.ResponseStatus)
	assert.JSONEq(t, `{"ok":true}`, string(rec.ResponseBody))

	// same key, different request
	otherFp, err := Fingerprint("POST", "/wallets/agt_1/credit", []byte(`{"amountCents":999}`))
	require.NoError(t, err)
	_, err = g.Check(ctx, "t1", "idem-1", otherFp)
	de := derr.As(err)
	require.NotNil(t, de)
	assert.Equal(t, "IDEMPOTENCY_KEY_CONFLICT", de.Code)
	assert.Equal(t, http.StatusConflict, de.HTTPStatus)
}

func TestGuardTenantScoped(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(memstore.New())

	fp, err := Fingerprint("POST", "/agents", []byte(`{"agentId":"agt_1"}`))
	require.NoError(t, err)
	require.NoError(t, g.Record(ctx, "t1", "k", fp, http.StatusCreated, []byte(`{}`)))

	rec, err := g.Check(ctx, "t2", "k", fp)
	require.NoError(t, err)
	assert.Nil(t, rec, "another tenant's key must look unused")
}

func TestGuardLazyExpiry(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	g := NewGuard(memstore.New())
	g.Now = func() time.Time { return clock }

	fp, err := Fingerprint("POST", "/agents", nil)
	require.NoError(t, err)
	require.NoError(t, g.Record(ctx, "t1", "k", fp, http.StatusOK, []byte(`{}`)))

	clock = clock.Add(DefaultTTL - time.Minute)
	rec, err := g.Check(ctx, "t1", "k", fp)
	require.NoError(t, err)
	assert.NotNil(t, rec, "snapshot should answer inside the TTL")

	clock = clock.Add(2 * time.Minute)
	rec, err = g.Check(ctx, "t1", "k", fp)
	require.NoError(t, err)
	assert.Nil(t, rec, "expired snapshot must be treated as unused")

	// after lazy expiry the key is free to record again
	require.NoError(t, g.Record(ctx, "t1", "k", fp, http.StatusOK, []byte(`{"again":true}`)))
}

func TestGuardSweep(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	g := NewGuard(memstore.New())
	g.Now = func() time.Time { return clock }

	fp, err := Fingerprint("DELETE", "/x", nil)
	require.NoError(t, err)
	require.NoError(t, g.Record(ctx, "t1", "a", fp, http.StatusOK, nil))
	require.NoError(t, g.Record(ctx, "t1", "b", fp, http.StatusOK, nil))

	clock = clock.Add(DefaultTTL + time.Second)
	n, err := g.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGuardEmptyKeyIsNoop(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(memstore.New())
	rec, err := g.Check(ctx, "t1", "", "fp")
	require.NoError(t, err)
	assert.Nil(t, rec)
	require.NoError(t, g.Record(ctx, "t1", "", "fp", http.StatusOK, nil))
}

func TestRecordFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	g := NewGuard(memstore.New())

	fp, err := Fingerprint("POST", "/x402/gate/create", []byte(`{"amountCents":700}`))
	require.NoError(t, err)

	// two racing requests both passed Check before either recorded
	require.NoError(t, g.Record(ctx, "t1", "idem-1", fp, http.StatusCreated, []byte(`{"gateId":"gate_a"}`)))
	require.NoError(t, g.Record(ctx, "t1", "idem-1", fp, http.StatusCreated, []byte(`{"gateId":"gate_b"}`)))

	rec, err := g.Check(ctx, "t1", "idem-1", fp)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"gateId":"gate_a"}`, string(rec.ResponseBody), "the loser's snapshot must not overwrite")
}

func TestRecordReplacesExpiredSnapshot(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	g := NewGuard(memstore.New())
	g.Now = func() time.Time { return now }

	fp, err := Fingerprint("POST", "/x402/gate/create", []byte(`{"amountCents":700}`))
	require.NoError(t, err)
	require.NoError(t, g.Record(ctx, "t1", "idem-1", fp, http.StatusCreated, []byte(`{"gateId":"gate_a"}`)))

	now = now.Add(DefaultTTL + time.Minute)
	require.NoError(t, g.Record(ctx, "t1", "idem-1", fp, http.StatusCreated, []byte(`{"gateId":"gate_b"}`)))

	rec, err := g.Check(ctx, "t1", "idem-1", fp)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.JSONEq(t, `{"gateId":"gate_b"}`, string(rec.ResponseBody))
}
