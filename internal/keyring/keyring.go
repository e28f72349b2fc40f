// Package keyring holds the process-scoped Ed25519 signing keys with
// copy-on-write rotation. The active key signs chain events and platform
// tokens; rotated keys stay published as "previous" (bounded history) so
// material signed under them keeps verifying until eviction, after which
// verification fails closed.
package keyring

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld-core/internal/canonical"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/store"
)

// DefaultPreviousLimit bounds the published previous-key history.
const DefaultPreviousLimit = 3

type keyEntry struct {
	kid    string
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey // nil for previous keys loaded from the store
	status string
}

// Ring is the in-process key ring. Readers always see a consistent
// snapshot; Rotate swaps the whole slice under the write lock.
type Ring struct {
	mu            sync.RWMutex
	keys          []keyEntry // index 0 is active
	previousLimit int
	st            store.KeysetStore
	logger        *log.Logger
	now           func() time.Time
}

// New loads the persisted keyset or mints a fresh active key.
func New(ctx context.Context, st store.KeysetStore) (*Ring, error) {
	r := &Ring{
		previousLimit: DefaultPreviousLimit,
		st:            st,
		logger:        log.New(log.Writer(), "[KEYRING] ", log.LstdFlags),
		now:           time.Now,
	}
	ks, err := st.GetKeyset(ctx)
	if err != nil {
		if de := derr.As(err); de == nil || de.HTTPStatus != http.StatusNotFound {
			return nil, err
		}
		if _, err := r.Rotate(ctx); err != nil {
			return nil, err
		}
		return r, nil
	}
	// verification-only entries; a restart mints a new active key on the
	// next rotation, previous public keys keep verifying
	for _, e := range ks.Keys {
		pub, err := canonical.DecodePublicKeyPEM(e.PublicKeyPem)
		if err != nil {
			return nil, fmt.Errorf("keyring: bad stored key %s: %w", e.Kid, err)
		}
		r.keys = append(r.keys, keyEntry{kid: e.Kid, pub: pub, status: e.Status})
	}
	if len(r.keys) == 0 || r.keys[0].status != "active" || r.keys[0].priv == nil {
		// no usable signing key material in-process; rotate to mint one
		if _, err := r.Rotate(ctx); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Rotate mints a new active key, demotes the current active key to
// previous, trims history to the limit, and persists the published keyset.
func (r *Ring) Rotate(ctx context.Context) (*domain.Keyset, error) {
	pub, priv, err := canonical.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	kid := "key_" + uuid.NewString()[:8]

	r.mu.Lock()
	next := make([]keyEntry, 0, len(r.keys)+1)
	next = append(next, keyEntry{kid: kid, pub: pub, priv: priv, status: "active"})
	for _, k := range r.keys {
		k.status = "previous"
		next = append(next, k)
	}
	if len(next) > 1+r.previousLimit {
		evicted := next[1+r.previousLimit:]
		for _, e := range evicted {
			r.logger.Printf("evicting previous key %s", e.kid)
		}
		next = next[:1+r.previousLimit]
	}
	r.keys = next
	ks := r.keysetLocked()
	r.mu.Unlock()

	if err := r.st.PutKeyset(ctx, ks); err != nil {
		return nil, err
	}
	r.logger.Printf("rotated signing key, active kid=%s previous=%d", kid, len(ks.Keys)-1)
	return ks, nil
}

func (r *Ring) keysetLocked() *domain.Keyset {
	ks := &domain.Keyset{
		SchemaVersion: "KeysetStore.v1",
		RotatedAt:     domain.ISO(r.now()),
	}
	for _, k := range r.keys {
		pem, err := canonical.EncodePublicKeyPEM(k.pub)
		if err != nil {
			continue
		}
		ks.Keys = append(ks.Keys, domain.KeysetEntry{
			Kid:          k.kid,
			PublicKeyPem: pem,
			Algorithm:    "ed25519",
			Status:       k.status,
		})
	}
	return ks
}

// Keyset returns the published key ring.
func (r *Ring) Keyset() *domain.Keyset {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keysetLocked()
}

// ActiveKid returns the id of the active signing key.
func (r *Ring) ActiveKid() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.keys) == 0 {
		return ""
	}
	return r.keys[0].kid
}

// SignHash signs a hex digest with the active key. Implements chain.Signer.
func (r *Ring) SignHash(hashHex string) (string, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.keys) == 0 || r.keys[0].priv == nil {
		return "", "", fmt.Errorf("keyring: no active signing key")
	}
	sig, err := canonical.SignHashHex(r.keys[0].priv, hashHex)
	if err != nil {
		return "", "", err
	}
	return sig, r.keys[0].kid, nil
}

// VerifyHash verifies a signature over a hex digest against every published
// key (active first, then previous). An evicted key is simply absent, so
// verification fails closed.
func (r *Ring) VerifyHash(hashHex, signature string) (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.keys {
		ok, err := canonical.VerifyHashHex(k.pub, hashHex, signature)
		if err == nil && ok {
			return true, k.kid
		}
	}
	return false, ""
}
