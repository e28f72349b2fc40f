// Package idempotency de-duplicates mutating requests keyed by the
// x-idempotency-key header. A completed request's response snapshot is stored
// next to a fingerprint of the request; a replay with the same fingerprint
// returns the snapshot, a replay with a different fingerprint is rejected.
package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/settld-labs/settld-core/internal/canonical"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/store"
)

// DefaultTTL is how long a stored snapshot keeps answering replays. Expiry
// is enforced lazily on read; the scheduler sweep reclaims rows eventually.
const DefaultTTL = 24 * time.Hour

const codeConflict = "IDEMPOTENCY_KEY_CONFLICT"

// Fingerprint derives the request identity that must match on replay:
// method, path and the canonical form of the JSON body. Equivalent bodies
// with reordered keys or different whitespace fingerprint identically.
func Fingerprint(method, path string, body []byte) (string, error) {
	var bodyCanonical string
	if len(body) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			// non-JSON bodies are fingerprinted verbatim
			bodyCanonical = string(body)
		} else {
			c, err := canonical.MarshalCanonical(v)
			if err != nil {
				return "", err
			}
			bodyCanonical = string(c)
		}
	}
	return canonical.HashValue(map[string]interface{}{
		"method":        method,
		"path":          path,
		"bodyCanonical": bodyCanonical,
	})
}

// Guard wraps a tenant-scoped store with replay semantics.
type Guard struct {
	Store store.IdempotencyStore
	TTL   time.Duration
	Now   func() time.Time
}

func NewGuard(st store.IdempotencyStore) *Guard {
	return &Guard{Store: st, TTL: DefaultTTL, Now: time.Now}
}

func (g *Guard) ttl() time.Duration {
	if g.TTL > 0 {
		return g.TTL
	}
	return DefaultTTL
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Check looks up a prior completion for (tenant, key). Returns the stored
// record when the fingerprint matches, nil when the key is unused (or the
// stored row has expired), and IDEMPOTENCY_KEY_CONFLICT when the key was
// used with a different request.
func (g *Guard) Check(ctx context.Context, tenantID, key, fingerprint string) (*domain.IdempotencyRecord, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := g.Store.GetIdempotency(ctx, tenantID, key)
	if err != nil {
		if de := derr.As(err); de != nil && de.HTTPStatus == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	if exp, perr := time.Parse(time.RFC3339Nano, rec.ExpiresAt); perr == nil && !g.now().Before(exp) {
		// lazy expiry: treat as unused and drop the stale row
		if delErr := g.Store.DeleteIdempotency(ctx, tenantID, key); delErr != nil {
			return nil, delErr
		}
		return nil, nil
	}
	if rec.RequestFingerprint != fingerprint {
		return nil, derr.Conflict(codeConflict, "idempotency key %q was used with a different request", key)
	}
	return rec, nil
}

// Record stores the response snapshot for (tenant, key). The first writer
// wins: when two concurrent requests race the same key past Check, the
// snapshot stored first stays authoritative and the loser's is discarded.
func (g *Guard) Record(ctx context.Context, tenantID, key, fingerprint string, status int, body []byte) error {
	if key == "" {
		return nil
	}
	now := g.now()
	if existing, err := g.Store.GetIdempotency(ctx, tenantID, key); err == nil && existing != nil {
		exp, perr := time.Parse(time.RFC3339Nano, existing.ExpiresAt)
		if perr != nil || now.Before(exp) {
			return nil
		}
	}
	return g.Store.PutIdempotency(ctx, &domain.IdempotencyRecord{
		TenantID:           tenantID,
		Key:                key,
		RequestFingerprint: fingerprint,
		ResponseStatus:     status,
		ResponseBody:       body,
		CreatedAt:          domain.ISO(now),
		ExpiresAt:          domain.ISO(now.Add(g.ttl())),
	})
}

// Sweep deletes expired rows; the scheduler calls this periodically.
func (g *Guard) Sweep(ctx context.Context) (int, error) {
	return g.Store.SweepIdempotency(ctx, domain.ISO(g.now()))
}
