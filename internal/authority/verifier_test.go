package authority

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/store/memstore"
)

var (
	now      = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	tenant   = "t1"
	ctx      = context.Background()
	validity = domain.GrantValidity{
		IssuedAt:  domain.ISO(now.Add(-24 * time.Hour)),
		NotBefore: domain.ISO(now.Add(-24 * time.Hour)),
		ExpiresAt: domain.ISO(now.Add(24 * time.Hour)),
	}
)

type fixture struct {
	v  *Verifier
	st *memstore.Mem
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st := memstore.New()
	v := NewVerifier(st)
	v.Now = func() time.Time { return now }
	require.NoError(t, st.PutIdentity(ctx, &domain.AgentIdentity{
		TenantID: tenant, AgentID: "agent-leaf", Status: domain.AgentActive,
		Keys: []domain.AgentKey{{KeyID: "k1", Status: "active"}},
	}))
	return &fixture{v: v, st: st}
}

func rootGrant(hash string) *domain.AuthorityGrant {
	return &domain.AuthorityGrant{
		SchemaVersion: "AuthorityGrant.v1",
		TenantID:      tenant,
		GrantID:       "root-" + hash,
		PrincipalID:   "org-1",
		GranteeID:     "agent-leaf",
		Scope: domain.GrantScope{
			SideEffectingAllowed: true,
			AllowedRiskClasses:   []string{"low", "medium"},
			AllowedToolIds:       []string{"search", "translate"},
		},
		SpendEnvelope: domain.SpendEnvelope{Currency: "USD", MaxPerCallCents: 5000, MaxTotalCents: 50000},
		ChainBinding:  domain.ChainBinding{Depth: 0, MaxDelegationDepth: 2},
		Validity:      validity,
		Revocation:    domain.GrantRevocation{Revocable: true},
		GrantHash:     hash,
	}
}

func childGrant(hash, parentHash, rootHash string, depth int) *domain.AuthorityGrant {
	g := rootGrant(hash)
	g.SchemaVersion = "DelegationGrant.v1"
	g.GrantID = "child-" + hash
	g.ChainBinding = domain.ChainBinding{
		RootGrantHash: rootHash, ParentGrantHash: parentHash,
		Depth: depth, MaxDelegationDepth: 2,
	}
	return g
}

func code(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	de := derr.As(err)
	require.NotNil(t, de, "expected a domain error, got %v", err)
	return de.Code
}

func TestVerify_RootGrantDirect(t *testing.T) {
	f := setup(t)
	root := rootGrant("rh1")
	require.NoError(t, f.st.PutGrant(ctx, root))

	err := f.v.VerifyGrant(ctx, tenant, root, Operation{
		Role: "grantee", Name: "tool.call", ToolID: "search", RiskClass: "low", AmountCents: 100,
	})
	require.NoError(t, err)
}

func TestVerify_RootNotFound(t *testing.T) {
	f := setup(t)
	leaf := childGrant("ch1", "missing-parent", "rh1", 1)
	assert.Equal(t, CodeRootNotFound, code(t, f.v.VerifyGrant(ctx, tenant, leaf, Operation{})))
}

func TestVerify_RootAmbiguous(t *testing.T) {
	f := setup(t)
	a, b := rootGrant("dup"), rootGrant("dup")
	b.GrantID = "root-dup-2"
	require.NoError(t, f.st.PutGrant(ctx, a))
	require.NoError(t, f.st.PutGrant(ctx, b))

	leaf := childGrant("ch1", "dup", "dup", 1)
	assert.Equal(t, CodeRootAmbiguous, code(t, f.v.VerifyGrant(ctx, tenant, leaf, Operation{})))
}

func TestVerify_RootRevoked(t *testing.T) {
	f := setup(t)
	root := rootGrant("rh1")
	root.Revocation.RevokedAt = domain.ISO(now.Add(-time.Hour))
	require.NoError(t, f.st.PutGrant(ctx, root))

	leaf := childGrant("ch1", "rh1", "rh1", 1)
	require.NoError(t, f.st.PutGrant(ctx, leaf))
	assert.Equal(t, CodeRootRevoked, code(t, f.v.VerifyGrant(ctx, tenant, leaf, Operation{})))
}

func TestVerify_RootExpiredAndNotActive(t *testing.T) {
	f := setup(t)

	expired := rootGrant("rh-exp")
	expired.Validity.ExpiresAt = domain.ISO(now.Add(-time.Minute))
	require.NoError(t, f.st.PutGrant(ctx, expired))
	leaf := childGrant("ch1", "rh-exp", "rh-exp", 1)
	assert.Equal(t, CodeRootExpired, code(t, f.v.VerifyGrant(ctx, tenant, leaf, Operation{})))

	future := rootGrant("rh-fut")
	future.Validity.NotBefore = domain.ISO(now.Add(time.Hour))
	require.NoError(t, f.st.PutGrant(ctx, future))
	leaf2 := childGrant("ch2", "rh-fut", "rh-fut", 1)
	assert.Equal(t, CodeRootNotActive, code(t, f.v.VerifyGrant(ctx, tenant, leaf2, Operation{})))
}

func TestVerify_RootSchemaInvalid(t *testing.T) {
	f := setup(t)
	root := rootGrant("rh1")
	root.SchemaVersion = "AuthorityGrant.v0"
	require.NoError(t, f.st.PutGrant(ctx, root))

	// a schema-less parentless grant cannot anchor a chain for a delegation
	leaf := childGrant("ch1", "rh1", "rh1", 1)
	assert.Equal(t, CodeRootSchemaInvalid, code(t, f.v.VerifyGrant(ctx, tenant, leaf, Operation{})))
}

func TestVerify_RootMismatch(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.st.PutGrant(ctx, rootGrant("actual-root")))
	leaf := childGrant("ch1", "actual-root", "claimed-other-root", 1)
	assert.Equal(t, CodeRootMismatch, code(t, f.v.VerifyGrant(ctx, tenant, leaf, Operation{})))
}

func TestVerify_DepthExceeded(t *testing.T) {
	f := setup(t)
	root := rootGrant("rh1")
	root.ChainBinding.MaxDelegationDepth = 1
	require.NoError(t, f.st.PutGrant(ctx, root))
	mid := childGrant("mid", "rh1", "rh1", 1)
	require.NoError(t, f.st.PutGrant(ctx, mid))
	leaf := childGrant("leaf", "mid", "rh1", 2)

	assert.Equal(t, CodeDepthExceeded, code(t, f.v.VerifyGrant(ctx, tenant, leaf, Operation{})))
}

func TestVerify_ScopeEscalation_ToolList(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.st.PutGrant(ctx, rootGrant("rh1")))
	leaf := childGrant("ch1", "rh1", "rh1", 1)
	leaf.Scope.AllowedToolIds = []string{"search", "shell"} // shell not in parent

	assert.Equal(t, CodeScopeEscalation, code(t, f.v.VerifyGrant(ctx, tenant, leaf, Operation{})))
}

func TestVerify_ScopeEscalation_SpendEnvelope(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.st.PutGrant(ctx, rootGrant("rh1")))
	leaf := childGrant("ch1", "rh1", "rh1", 1)
	leaf.SpendEnvelope.MaxPerCallCents = 10000 // parent caps at 5000

	assert.Equal(t, CodeScopeEscalation, code(t, f.v.VerifyGrant(ctx, tenant, leaf, Operation{})))
}

func TestVerify_SideEffectForbiddenByAncestor(t *testing.T) {
	f := setup(t)
	root := rootGrant("rh1")
	root.Scope.SideEffectingAllowed = false
	require.NoError(t, f.st.PutGrant(ctx, root))
	leaf := childGrant("ch1", "rh1", "rh1", 1)
	leaf.Scope.SideEffectingAllowed = false

	err := f.v.VerifyGrant(ctx, tenant, leaf, Operation{Name: "payment.send", SideEffecting: true})
	assert.Equal(t, CodeScopeEscalation, code(t, err))
}

func TestVerify_OperationOutsideLeafScope(t *testing.T) {
	f := setup(t)
	root := rootGrant("rh1")
	require.NoError(t, f.st.PutGrant(ctx, root))

	err := f.v.VerifyGrant(ctx, tenant, root, Operation{ToolID: "shell"})
	assert.Equal(t, CodeScopeEscalation, code(t, err))

	err = f.v.VerifyGrant(ctx, tenant, root, Operation{RiskClass: "high"})
	assert.Equal(t, CodeScopeEscalation, code(t, err))
}

func TestVerify_SpendExceeded(t *testing.T) {
	f := setup(t)
	root := rootGrant("rh1")
	require.NoError(t, f.st.PutGrant(ctx, root))

	err := f.v.VerifyGrant(ctx, tenant, root, Operation{AmountCents: 9999})
	assert.Equal(t, CodeSpendExceeded, code(t, err))
}

func TestVerify_AgentLifecycle(t *testing.T) {
	f := setup(t)
	root := rootGrant("rh1")
	require.NoError(t, f.st.PutGrant(ctx, root))

	require.NoError(t, f.st.PutIdentity(ctx, &domain.AgentIdentity{
		TenantID: tenant, AgentID: "agent-leaf", Status: domain.AgentThrottled,
	}))
	err := f.v.VerifyGrant(ctx, tenant, root, Operation{})
	assert.Equal(t, CodeAgentThrottled, code(t, err))
	assert.Equal(t, 429, derr.As(err).HTTPStatus)

	require.NoError(t, f.st.PutIdentity(ctx, &domain.AgentIdentity{
		TenantID: tenant, AgentID: "agent-leaf", Status: domain.AgentSuspended,
	}))
	err = f.v.VerifyGrant(ctx, tenant, root, Operation{})
	assert.Equal(t, CodeAgentSuspended, code(t, err))
	assert.Equal(t, 410, derr.As(err).HTTPStatus)
}

func TestVerify_SignerKeyLifecycle(t *testing.T) {
	f := setup(t)
	f.v.RequireSignerKey = true
	root := rootGrant("rh1")
	require.NoError(t, f.st.PutGrant(ctx, root))

	cases := []struct {
		name   string
		keys   []domain.AgentKey
		reason string
	}{
		{"no keys", nil, ReasonSignerKeyMissing},
		{"revoked", []domain.AgentKey{{KeyID: "k", Status: "revoked"}}, ReasonSignerKeyRevoked},
		{"rotated", []domain.AgentKey{{KeyID: "k", Status: "rotated"}}, ReasonSignerKeyRotated},
		{"pending", []domain.AgentKey{{KeyID: "k", Status: "pending"}}, ReasonSignerKeyNotActive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, f.st.PutIdentity(ctx, &domain.AgentIdentity{
				TenantID: tenant, AgentID: "agent-leaf", Status: domain.AgentActive, Keys: tc.keys,
			}))
			err := f.v.VerifyGrant(ctx, tenant, root, Operation{Role: "payee"})
			require.Equal(t, CodeSignerKeyInvalid, code(t, err))
			de := derr.As(err)
			assert.Equal(t, tc.reason, de.Details["reasonCode"])
			assert.Equal(t, "payee", de.Details["role"])
		})
	}

	// active key passes
	require.NoError(t, f.st.PutIdentity(ctx, &domain.AgentIdentity{
		TenantID: tenant, AgentID: "agent-leaf", Status: domain.AgentActive,
		Keys: []domain.AgentKey{{KeyID: "k", Status: "active"}},
	}))
	require.NoError(t, f.v.VerifyGrant(ctx, tenant, root, Operation{Role: "payee"}))
}

func TestComputeGrantHash_OmitsHashField(t *testing.T) {
	a := rootGrant("")
	h1, err := ComputeGrantHash(a)
	require.NoError(t, err)
	a.GrantHash = h1
	h2, err := ComputeGrantHash(a)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
