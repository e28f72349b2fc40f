// Package webhook verifies inbound delivery signatures for receivers of
// settld exports. Deliveries are signed with per-destination secrets over
// `timestamp + "." + rawBody`; receivers must verify against the raw request
// body before parsing it.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/settld-labs/settld-core/internal/derr"
)

// Header names. The nooterra aliases are accepted inbound for senders still
// on the old brand.
const (
	SignatureHeader = "x-settld-signature"
	TimestampHeader = "x-settld-timestamp"

	legacySignatureHeader = "x-nooterra-signature"
	legacyTimestampHeader = "x-nooterra-timestamp"
)

// DefaultTolerance is the maximum accepted clock skew between the sender's
// timestamp and the receiver's clock.
const DefaultTolerance = 300 * time.Second

// Sign computes the hex HMAC-SHA256 signature a sender attaches to a
// delivery. The signed string is the ISO-8601 timestamp exactly as it
// appears in the timestamp header, a dot, and the raw body bytes.
func Sign(secret, timestamp string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an inbound delivery against a shared secret.
// headers is a case-insensitive lookup (http.Header works). A zero tolerance
// means DefaultTolerance.
func VerifySignature(rawBody []byte, headers http.Header, secret string, tolerance time.Duration) error {
	return verifyAt(rawBody, headers, secret, tolerance, time.Now())
}

func verifyAt(rawBody []byte, headers http.Header, secret string, tolerance time.Duration, now time.Time) error {
	if rawBody == nil {
		return derr.New("WEBHOOK_RAW_BODY_REQUIRED", http.StatusBadRequest, "raw request body is required for signature verification")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	sigHeader := firstHeader(headers, SignatureHeader, legacySignatureHeader)
	tsHeader := firstHeader(headers, TimestampHeader, legacyTimestampHeader)
	if sigHeader == "" || tsHeader == "" {
		return derr.New("WEBHOOK_SIGNATURE_HEADER_INVALID", http.StatusBadRequest, "missing signature or timestamp header")
	}
	ts := strings.TrimSpace(tsHeader)
	sentAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return derr.New("WEBHOOK_SIGNATURE_HEADER_INVALID", http.StatusBadRequest, "timestamp header is not an ISO-8601 timestamp")
	}

	skew := now.Sub(sentAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return derr.New("WEBHOOK_TIMESTAMP_TOLERANCE", http.StatusBadRequest, "delivery timestamp outside accepted tolerance").
			WithDetails(map[string]interface{}{"toleranceSeconds": int64(tolerance / time.Second)})
	}

	expected := Sign(secret, ts, rawBody)
	for _, candidate := range strings.Split(sigHeader, ",") {
		candidate = strings.TrimSpace(candidate)
		// tolerate "v1=<hex>" style prefixes
		if i := strings.IndexByte(candidate, '='); i >= 0 {
			candidate = candidate[i+1:]
		}
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return nil
		}
	}
	return derr.New("WEBHOOK_SIGNATURE_NO_MATCH", http.StatusUnauthorized, "no candidate signature matched")
}

func firstHeader(h http.Header, names ...string) string {
	for _, n := range names {
		if v := h.Get(n); v != "" {
			return v
		}
	}
	return ""
}
