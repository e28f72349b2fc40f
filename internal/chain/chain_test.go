package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-core/internal/canonical"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
)

func draftEvent(t *testing.T, typ string, payload map[string]interface{}) *domain.ChainedEvent {
	t.Helper()
	ev, err := NewEvent("tenant-1", "run-1", typ, "agent:payee", payload, time.Now())
	require.NoError(t, err)
	return ev
}

func TestNewEvent_PayloadHashAndID(t *testing.T) {
	ev := draftEvent(t, "RUN_STARTED", map[string]interface{}{"note": "go"})

	wantHash, err := canonical.HashValue(map[string]interface{}{"note": "go"})
	require.NoError(t, err)
	assert.Equal(t, wantHash, ev.PayloadHash)
	assert.Regexp(t, `^runst_[0-9a-f]+$`, ev.ID)
	assert.Empty(t, ev.ChainHash)
}

func TestFinalize_GenesisUsesLiteralNull(t *testing.T) {
	ev := draftEvent(t, "RUN_STARTED", nil)
	require.NoError(t, Finalize(ev, "", nil))
	assert.Equal(t, GenesisPrevHash, ev.PrevChainHash)
	assert.Len(t, ev.ChainHash, 64)
	require.NoError(t, Verify(ev, nil))
}

func TestFinalize_ChainsAndVerifies(t *testing.T) {
	first := draftEvent(t, "RUN_STARTED", nil)
	require.NoError(t, Finalize(first, "", nil))

	second := draftEvent(t, "EVIDENCE_ADDED", map[string]interface{}{"artifact": "a1"})
	require.NoError(t, Finalize(second, first.ChainHash, nil))

	assert.Equal(t, first.ChainHash, second.PrevChainHash)
	require.NoError(t, Verify(second, first))
}

func TestVerify_DetectsTamperedPayload(t *testing.T) {
	ev := draftEvent(t, "RUN_COMPLETED", map[string]interface{}{"result": "ok"})
	require.NoError(t, Finalize(ev, "", nil))

	ev.Payload["result"] = "mutated"
	assert.Error(t, Verify(ev, nil))
}

func TestFinalize_SignsChainHash(t *testing.T) {
	pub, priv, err := canonical.GenerateKeyPair()
	require.NoError(t, err)

	ev := draftEvent(t, "RUN_COMPLETED", nil)
	require.NoError(t, Finalize(ev, "", &KeySigner{KeyID: "k1", Priv: priv}))
	require.NotEmpty(t, ev.Signature)

	ok, err := canonical.VerifyHashHex(pub, ev.ChainHash, ev.Signature)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckAppend(t *testing.T) {
	// empty stream accepts the genesis literal (or unset)
	require.NoError(t, CheckAppend("", ""))
	require.NoError(t, CheckAppend(GenesisPrevHash, ""))

	// stale expected head is a 409
	err := CheckAppend("deadbeef", "cafe")
	require.Error(t, err)
	de := derr.As(err)
	require.NotNil(t, de)
	assert.Equal(t, "CHAIN_HASH_MISMATCH", de.Code)
	assert.Equal(t, 409, de.HTTPStatus)

	require.NoError(t, CheckAppend("cafe", "cafe"))
}

func TestShortcode(t *testing.T) {
	assert.Equal(t, "runst", shortcode("RUN_STARTED"))
	assert.Equal(t, "evide", shortcode("EVIDENCE_ADDED"))
	assert.Equal(t, "evt", shortcode(""))
}
