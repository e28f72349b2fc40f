package canonical

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_SortsKeysByteWise(t *testing.T) {
	b, err := MarshalCanonical(map[string]interface{}{
		"zeta":  1,
		"alpha": 2,
		"Beta":  3, // uppercase sorts before lowercase in byte order
	})
	require.NoError(t, err)
	assert.Equal(t, `{"Beta":3,"alpha":2,"zeta":1}`, string(b))
}

func TestMarshalCanonical_PreservesArrayOrder(t *testing.T) {
	b, err := MarshalCanonical([]interface{}{3, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, `[3,1,2]`, string(b))
}

func TestMarshalCanonical_NestedObjects(t *testing.T) {
	b, err := MarshalCanonical(map[string]interface{}{
		"outer": map[string]interface{}{"b": true, "a": nil},
		"list":  []interface{}{map[string]interface{}{"y": 1, "x": 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"list":[{"x":2,"y":1}],"outer":{"a":null,"b":true}}`, string(b))
}

func TestMarshalCanonical_RejectsNonFinite(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := MarshalCanonical(map[string]interface{}{"v": bad})
		require.Error(t, err)
		assert.Contains(t, err.Error(), ErrUnsupportedValue)
	}
}

func TestMarshalCanonical_NormalizesNegativeZero(t *testing.T) {
	b, err := MarshalCanonical(map[string]interface{}{"v": math.Copysign(0, -1)})
	require.NoError(t, err)
	assert.Equal(t, `{"v":0}`, string(b))
}

func TestMarshalCanonical_RejectsFunctionLike(t *testing.T) {
	_, err := MarshalCanonical(map[string]interface{}{"f": func() {}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrUnsupportedValue)
}

func TestHashValue_CanonicalRoundTrip(t *testing.T) {
	// sha256(canonical(o)) must equal sha256(canonical(parse(canonical(o)))).
	obj := map[string]interface{}{
		"amountCents": 1250,
		"currency":    "USD",
		"nested":      map[string]interface{}{"z": []interface{}{1, 2, 3}, "a": "x"},
	}
	first, err := HashValue(obj)
	require.NoError(t, err)

	raw, err := MarshalCanonical(obj)
	require.NoError(t, err)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var parsed interface{}
	require.NoError(t, dec.Decode(&parsed))

	second, err := HashValue(parsed)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestHashArtifact_OmitsHashField(t *testing.T) {
	type artifact struct {
		Name string `json:"name"`
		Hash string `json:"artifactHash,omitempty"`
	}
	empty, err := HashArtifact(artifact{Name: "x"}, "artifactHash")
	require.NoError(t, err)
	filled, err := HashArtifact(artifact{Name: "x", Hash: "deadbeef"}, "artifactHash")
	require.NoError(t, err)
	assert.Equal(t, empty, filled)
}

func TestSHA256Hex_LowercaseHex(t *testing.T) {
	h := SHA256Hex([]byte("settld"))
	assert.Len(t, h, 64)
	assert.Equal(t, h, string(bytes.ToLower([]byte(h))))
}

func TestSignVerify_OverDigestBytes(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	hash, err := HashValue(map[string]interface{}{"k": "v"})
	require.NoError(t, err)

	sig, err := SignHashHex(priv, hash)
	require.NoError(t, err)

	ok, err := VerifyHashHex(pub, hash, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	otherHash, err := HashValue(map[string]interface{}{"k": "w"})
	require.NoError(t, err)
	ok, err = VerifyHashHex(pub, otherHash, sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPEMRoundTrip(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	pubPEM, err := EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	back, err := DecodePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	assert.Equal(t, pub, back)

	privPEM, err := EncodePrivateKeyPEM(priv)
	require.NoError(t, err)
	backPriv, err := DecodePrivateKeyPEM(privPEM)
	require.NoError(t, err)
	assert.Equal(t, priv, backPriv)
}
