package webhook

import (
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-core/internal/derr"
)

const secret = "whsec_test"

func signedHeaders(t *testing.T, body []byte, at time.Time) http.Header {
	t.Helper()
	ts := at.UTC().Format(time.RFC3339Nano)
	h := http.Header{}
	h.Set(TimestampHeader, ts)
	h.Set(SignatureHeader, Sign(secret, ts, body))
	return h
}

func code(t *testing.T, err error) string {
	t.Helper()
	de := derr.As(err)
	require.NotNil(t, de, "expected a coded error, got %v", err)
	return de.Code
}

func TestVerifySignatureOK(t *testing.T) {
	now := time.Now()
	body := []byte(`{"artifactType":"settlement"}`)
	h := signedHeaders(t, body, now)
	assert.NoError(t, verifyAt(body, h, secret, 0, now))
}

func TestVerifySignatureLegacyHeaders(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)
	ts := now.UTC().Format(time.RFC3339Nano)
	h := http.Header{}
	h.Set(legacyTimestampHeader, ts)
	h.Set(legacySignatureHeader, Sign(secret, ts, body))
	assert.NoError(t, verifyAt(body, h, secret, 0, now))
}

func TestVerifySignatureCommaSeparatedCandidates(t *testing.T) {
	now := time.Now()
	body := []byte(`{"n":1}`)
	ts := now.UTC().Format(time.RFC3339Nano)
	good := Sign(secret, ts, body)
	h := http.Header{}
	h.Set(TimestampHeader, ts)
	h.Set(SignatureHeader, "deadbeef, v1="+good)
	assert.NoError(t, verifyAt(body, h, secret, 0, now))
}

func TestVerifySignatureMissingHeaders(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)

	h := http.Header{}
	err := verifyAt(body, h, secret, 0, now)
	assert.Equal(t, "WEBHOOK_SIGNATURE_HEADER_INVALID", code(t, err))

	h = signedHeaders(t, body, now)
	h.Del(TimestampHeader)
	err = verifyAt(body, h, secret, 0, now)
	assert.Equal(t, "WEBHOOK_SIGNATURE_HEADER_INVALID", code(t, err))

	h = signedHeaders(t, body, now)
	h.Set(TimestampHeader, "not-a-timestamp")
	err = verifyAt(body, h, secret, 0, now)
	assert.Equal(t, "WEBHOOK_SIGNATURE_HEADER_INVALID", code(t, err))

	// the timestamp is an ISO-8601 string, not unix epoch seconds
	h = signedHeaders(t, body, now)
	h.Set(TimestampHeader, strconv.FormatInt(now.Unix(), 10))
	err = verifyAt(body, h, secret, 0, now)
	assert.Equal(t, "WEBHOOK_SIGNATURE_HEADER_INVALID", code(t, err))
}

func TestVerifySignatureTimestampTolerance(t *testing.T) {
	now := time.Now()
	body := []byte(`{}`)

	stale := now.Add(-DefaultTolerance - time.Minute)
	err := verifyAt(body, signedHeaders(t, body, stale), secret, 0, now)
	de := derr.As(err)
	require.NotNil(t, de)
	assert.Equal(t, "WEBHOOK_TIMESTAMP_TOLERANCE", de.Code)
	assert.Equal(t, http.StatusBadRequest, de.HTTPStatus)

	// future skew is rejected symmetrically
	future := now.Add(DefaultTolerance + time.Minute)
	err = verifyAt(body, signedHeaders(t, body, future), secret, 0, now)
	assert.Equal(t, "WEBHOOK_TIMESTAMP_TOLERANCE", code(t, err))

	// just inside the window passes
	edge := now.Add(-DefaultTolerance + time.Second)
	assert.NoError(t, verifyAt(body, signedHeaders(t, body, edge), secret, 0, now))
}

func TestVerifySignatureNoMatch(t *testing.T) {
	now := time.Now()
	body := []byte(`{"n":1}`)
	h := signedHeaders(t, body, now)

	err := verifyAt(body, h, "a-different-secret", 0, now)
	de := derr.As(err)
	require.NotNil(t, de)
	assert.Equal(t, "WEBHOOK_SIGNATURE_NO_MATCH", de.Code)
	assert.Equal(t, http.StatusUnauthorized, de.HTTPStatus)

	// tampered body
	err = verifyAt([]byte(`{"n":2}`), h, secret, 0, now)
	assert.Equal(t, "WEBHOOK_SIGNATURE_NO_MATCH", code(t, err))
}

func TestVerifySignatureRawBodyRequired(t *testing.T) {
	now := time.Now()
	err := verifyAt(nil, signedHeaders(t, []byte(`{}`), now), secret, 0, now)
	assert.Equal(t, "WEBHOOK_RAW_BODY_REQUIRED", code(t, err))
}
