package keyring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-core/internal/store/memstore"
)

func TestNewMintsActiveKey(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, memstore.New())
	require.NoError(t, err)

	ks := r.Keyset()
	assert.Equal(t, "KeysetStore.v1", ks.SchemaVersion)
	require.Len(t, ks.Keys, 1)
	assert.Equal(t, "active", ks.Keys[0].Status)
	assert.Equal(t, "ed25519", ks.Keys[0].Algorithm)
	assert.Equal(t, ks.Keys[0].Kid, r.ActiveKid())
}

func TestSignVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, memstore.New())
	require.NoError(t, err)

	hash := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	sig, kid, err := r.SignHash(hash)
	require.NoError(t, err)
	assert.Equal(t, r.ActiveKid(), kid)

	ok, matchedKid := r.VerifyHash(hash, sig)
	assert.True(t, ok)
	assert.Equal(t, kid, matchedKid)

	ok, _ = r.VerifyHash(hash, "bm90LWEtc2lnbmF0dXJl")
	assert.False(t, ok)
}

func TestRotateKeepsPreviousKeysVerifying(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, memstore.New())
	require.NoError(t, err)

	hash := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	sig, oldKid, err := r.SignHash(hash)
	require.NoError(t, err)

	ks, err := r.Rotate(ctx)
	require.NoError(t, err)
	require.Len(t, ks.Keys, 2)
	assert.Equal(t, "active", ks.Keys[0].Status)
	assert.Equal(t, "previous", ks.Keys[1].Status)
	assert.NotEqual(t, oldKid, r.ActiveKid())

	ok, kid := r.VerifyHash(hash, sig)
	assert.True(t, ok)
	assert.Equal(t, oldKid, kid)
}

func TestRotateEvictsBeyondHistoryLimit(t *testing.T) {
	ctx := context.Background()
	r, err := New(ctx, memstore.New())
	require.NoError(t, err)

	hash := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	sig, oldKid, err := r.SignHash(hash)
	require.NoError(t, err)

	// rotate past the bounded history; the original key must fall out
	for i := 0; i < DefaultPreviousLimit+1; i++ {
		_, err := r.Rotate(ctx)
		require.NoError(t, err)
	}
	ks := r.Keyset()
	assert.Len(t, ks.Keys, 1+DefaultPreviousLimit)
	for _, e := range ks.Keys {
		assert.NotEqual(t, oldKid, e.Kid)
	}

	ok, _ := r.VerifyHash(hash, sig)
	assert.False(t, ok, "signature under an evicted key must fail closed")
}

func TestKeysetPersistedAcrossRestart(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	r1, err := New(ctx, st)
	require.NoError(t, err)
	_, err = r1.Rotate(ctx)
	require.NoError(t, err)
	firstGen := r1.Keyset()

	// a fresh process loads the stored keyset; it has no private material,
	// so it mints a new active key and keeps the old ones as previous
	r2, err := New(ctx, st)
	require.NoError(t, err)
	ks := r2.Keyset()
	assert.Equal(t, "active", ks.Keys[0].Status)
	kids := map[string]bool{}
	for _, e := range ks.Keys {
		kids[e.Kid] = true
	}
	assert.True(t, kids[firstGen.Keys[0].Kid])
}
