// Package chain builds and finalizes the hash-chained events that back every
// auditable aggregate (runs, sessions). The chain hash covers the canonical
// form of the event header, so any reordering or tampering breaks
// verification. Appending is guarded by the caller's expectedPrevChainHash:
// of two racing appends the first commits and the second fails with
// CHAIN_HASH_MISMATCH.
package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/settld-labs/settld-core/internal/canonical"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
)

// GenesisPrevHash is the literal prevChainHash of the first event of a stream.
const GenesisPrevHash = "null"

// ErrChainHashMismatch is returned when expectedPrevChainHash does not match
// the current stream head.
func ErrChainHashMismatch(expected, head string) *derr.Error {
	return derr.New("CHAIN_HASH_MISMATCH", http.StatusConflict,
		"expectedPrevChainHash %q does not match stream head %q", expected, head).
		WithDetails(map[string]interface{}{
			"expectedPrevChainHash": expected,
			"currentHead":           head,
		})
}

// Signer signs a chain hash and reports the key id used.
type Signer interface {
	SignHash(hashHex string) (signature string, keyID string, err error)
}

// KeySigner is a Signer over a raw ed25519 private key.
type KeySigner struct {
	KeyID string
	Priv  ed25519.PrivateKey
}

func (s *KeySigner) SignHash(hashHex string) (string, string, error) {
	sig, err := canonical.SignHashHex(s.Priv, hashHex)
	if err != nil {
		return "", "", err
	}
	return sig, s.KeyID, nil
}

// NewEvent builds a draft chained event: payload hash computed, id minted as
// "<type-shortcode>_<random>", prev/chain hashes left for Finalize.
func NewEvent(tenantID, streamID, eventType, actor string, payload map[string]interface{}, at time.Time) (*domain.ChainedEvent, error) {
	if streamID == "" {
		return nil, derr.Validation("STREAM_ID_REQUIRED", "streamId is required")
	}
	if eventType == "" {
		return nil, derr.Validation("EVENT_TYPE_REQUIRED", "event type is required")
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payloadHash, err := canonical.HashValue(payload)
	if err != nil {
		return nil, derr.Validation("UNSUPPORTED_CANONICAL_VALUE", "payload is not canonicalizable: %v", err)
	}
	return &domain.ChainedEvent{
		ID:          mintID(eventType),
		TenantID:    tenantID,
		StreamID:    streamID,
		Type:        eventType,
		Actor:       actor,
		Payload:     payload,
		At:          domain.ISO(at),
		PayloadHash: payloadHash,
	}, nil
}

// Finalize sets prevChainHash, computes the chain hash over the canonical
// event header, and optionally signs it. Pure: no store access.
func Finalize(ev *domain.ChainedEvent, prevChainHash string, signer Signer) error {
	if prevChainHash == "" {
		prevChainHash = GenesisPrevHash
	}
	ev.PrevChainHash = prevChainHash
	chainHash, err := canonical.HashValue(map[string]interface{}{
		"id":            ev.ID,
		"streamId":      ev.StreamID,
		"type":          ev.Type,
		"actor":         ev.Actor,
		"at":            ev.At,
		"prevChainHash": ev.PrevChainHash,
		"payloadHash":   ev.PayloadHash,
	})
	if err != nil {
		return err
	}
	ev.ChainHash = chainHash
	if signer != nil {
		sig, _, err := signer.SignHash(chainHash)
		if err != nil {
			return fmt.Errorf("chain event signing failed: %w", err)
		}
		ev.Signature = sig
	}
	return nil
}

// Verify recomputes the chain hash of ev and checks linkage to prev. prev is
// nil for the genesis event.
func Verify(ev *domain.ChainedEvent, prev *domain.ChainedEvent) error {
	want, err := canonical.HashValue(map[string]interface{}{
		"id":            ev.ID,
		"streamId":      ev.StreamID,
		"type":          ev.Type,
		"actor":         ev.Actor,
		"at":            ev.At,
		"prevChainHash": ev.PrevChainHash,
		"payloadHash":   ev.PayloadHash,
	})
	if err != nil {
		return err
	}
	if want != ev.ChainHash {
		return fmt.Errorf("chain hash mismatch on event %s: stored %s, computed %s", ev.ID, ev.ChainHash, want)
	}
	payloadHash, err := canonical.HashValue(ev.Payload)
	if err != nil {
		return err
	}
	if payloadHash != ev.PayloadHash {
		return fmt.Errorf("payload hash mismatch on event %s", ev.ID)
	}
	if prev == nil {
		if ev.PrevChainHash != GenesisPrevHash {
			return fmt.Errorf("genesis event %s must have prevChainHash %q", ev.ID, GenesisPrevHash)
		}
		return nil
	}
	if ev.PrevChainHash != prev.ChainHash {
		return fmt.Errorf("event %s does not link to predecessor %s", ev.ID, prev.ID)
	}
	return nil
}

// CheckAppend validates the optimistic-concurrency precondition against the
// current head. head is "" (or GenesisPrevHash) for an empty stream.
func CheckAppend(expectedPrevChainHash, head string) error {
	if head == "" {
		head = GenesisPrevHash
	}
	if expectedPrevChainHash == "" {
		expectedPrevChainHash = GenesisPrevHash
	}
	if expectedPrevChainHash != head {
		return ErrChainHashMismatch(expectedPrevChainHash, head)
	}
	return nil
}

// mintID builds "<shortcode>_<random>" ids like "runst_3f9a1c...".
func mintID(eventType string) string {
	short := shortcode(eventType)
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// math-free fallback keyed on the clock; collisions are guarded by
		// the store's unique event id constraint anyway
		return fmt.Sprintf("%s_%d", short, time.Now().UnixNano())
	}
	return short + "_" + hex.EncodeToString(buf[:])
}

func shortcode(eventType string) string {
	t := strings.ToLower(eventType)
	t = strings.NewReplacer("_", "", "-", "", ".", "").Replace(t)
	if len(t) > 5 {
		t = t[:5]
	}
	if t == "" {
		t = "evt"
	}
	return t
}
