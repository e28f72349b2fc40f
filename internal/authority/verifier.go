// Package authority verifies authority and delegation grants against the
// root-rooted grant DAG: chain resolution, validity windows, revocation,
// scope subset rules, delegation depth, spend envelopes, signer-key
// lifecycle, and agent lifecycle.
package authority

import (
	"context"
	"net/http"
	"time"

	"github.com/settld-labs/settld-core/internal/canonical"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/store"
)

// Error codes surfaced by the verifier.
const (
	CodeRootNotFound        = "X402_AUTHORITY_DELEGATION_ROOT_NOT_FOUND"
	CodeRootAmbiguous       = "X402_AUTHORITY_DELEGATION_ROOT_AMBIGUOUS"
	CodeRootRevoked         = "X402_AUTHORITY_DELEGATION_ROOT_REVOKED"
	CodeRootNotActive       = "X402_AUTHORITY_DELEGATION_ROOT_NOT_ACTIVE"
	CodeRootExpired         = "X402_AUTHORITY_DELEGATION_ROOT_EXPIRED"
	CodeRootSchemaInvalid   = "X402_AUTHORITY_DELEGATION_ROOT_SCHEMA_INVALID"
	CodeRootUnavailable     = "X402_AUTHORITY_DELEGATION_ROOT_RESOLVER_UNAVAILABLE"
	CodeRootMismatch        = "X402_AUTHORITY_DELEGATION_ROOT_MISMATCH"
	CodeScopeEscalation     = "X402_AUTHORITY_DELEGATION_SCOPE_ESCALATION"
	CodeDepthExceeded       = "X402_AUTHORITY_DELEGATION_DEPTH_EXCEEDED"
	CodeGrantRevoked        = "X402_AUTHORITY_GRANT_REVOKED"
	CodeGrantExpired        = "X402_AUTHORITY_GRANT_EXPIRED"
	CodeGrantNotActive      = "X402_AUTHORITY_GRANT_NOT_ACTIVE"
	CodeSpendExceeded       = "X402_AUTHORITY_SPEND_EXCEEDED"
	CodeSignerKeyInvalid    = "X402_AUTHORITY_GRANT_SIGNER_KEY_INVALID"
	CodeAgentSuspended      = "X402_AGENT_SUSPENDED"
	CodeAgentThrottled      = "X402_AGENT_THROTTLED"
)

// Signer-key reason codes carried in the details of CodeSignerKeyInvalid.
const (
	ReasonSignerKeyNotActive = "SIGNER_KEY_NOT_ACTIVE"
	ReasonSignerKeyRevoked   = "SIGNER_KEY_REVOKED"
	ReasonSignerKeyRotated   = "SIGNER_KEY_ROTATED"
	ReasonSignerKeyMissing   = "SIGNER_KEY_MISSING"
)

// Operation describes the action being authorized against a leaf grant.
type Operation struct {
	Role          string // grantor | grantee | payer | payee
	Name          string
	ToolID        string
	ProviderID    string
	RiskClass     string
	SideEffecting bool
	AmountCents   int64
}

// Verifier resolves and validates grant chains. RequireSignerKey mirrors the
// tenant policy that demands an active signer key on the grantee.
type Verifier struct {
	Store            store.Store
	Now              func() time.Time
	RequireSignerKey bool
	MaxChainLength   int
}

// NewVerifier builds a verifier with sane defaults.
func NewVerifier(st store.Store) *Verifier {
	return &Verifier{Store: st, Now: time.Now, MaxChainLength: 32}
}

// ComputeGrantHash returns the canonical fingerprint of a grant's core (the
// grant with the grantHash field omitted).
func ComputeGrantHash(g *domain.AuthorityGrant) (string, error) {
	return canonical.HashArtifact(g, "grantHash")
}

// VerifyGrant walks the chain from leaf to root and applies every check.
// Returns nil when the operation is authorized under the leaf grant.
func (v *Verifier) VerifyGrant(ctx context.Context, tenantID string, leaf *domain.AuthorityGrant, op Operation) error {
	now := v.Now().UTC()

	chainGrants, err := v.resolveChain(ctx, tenantID, leaf)
	if err != nil {
		return err
	}
	root := chainGrants[len(chainGrants)-1]

	if leaf.ChainBinding.RootGrantHash != "" && leaf.ChainBinding.RootGrantHash != root.GrantHash {
		return derr.Conflict(CodeRootMismatch,
			"leaf rootGrantHash %s does not match resolved root %s",
			leaf.ChainBinding.RootGrantHash, root.GrantHash)
	}

	// root lifecycle checks with root-specific codes
	if err := v.checkRoot(root, now); err != nil {
		return err
	}

	// every grant in the chain must be alive
	for _, g := range chainGrants[:len(chainGrants)-1] {
		if err := v.checkGrantAlive(g, now); err != nil {
			return err
		}
	}

	// depth rule: leaf depth bounded by the root's delegation budget
	if leaf.ChainBinding.Depth > root.ChainBinding.MaxDelegationDepth {
		return derr.Conflict(CodeDepthExceeded,
			"delegation depth %d exceeds root maxDelegationDepth %d",
			leaf.ChainBinding.Depth, root.ChainBinding.MaxDelegationDepth)
	}

	// scope subset at every parent/child link, walking root-ward
	for i := 0; i < len(chainGrants)-1; i++ {
		child, parent := chainGrants[i], chainGrants[i+1]
		if err := checkScopeSubset(child, parent); err != nil {
			return err
		}
	}

	if err := checkOperationScope(leaf, chainGrants, op); err != nil {
		return err
	}

	if err := v.checkGrantee(ctx, tenantID, leaf, op); err != nil {
		return err
	}
	return nil
}

// resolveChain returns [leaf, ..., root].
func (v *Verifier) resolveChain(ctx context.Context, tenantID string, leaf *domain.AuthorityGrant) ([]*domain.AuthorityGrant, error) {
	chainGrants := []*domain.AuthorityGrant{leaf}
	cur := leaf
	seen := map[string]bool{leaf.GrantHash: true}
	for cur.ChainBinding.ParentGrantHash != "" {
		if len(chainGrants) >= v.MaxChainLength {
			return nil, derr.Conflict(CodeRootUnavailable, "delegation chain exceeds %d links", v.MaxChainLength)
		}
		parent, err := v.Store.GetGrantByHash(ctx, tenantID, cur.ChainBinding.ParentGrantHash)
		if err != nil {
			if de := derr.As(err); de != nil {
				switch {
				case de.HTTPStatus == http.StatusNotFound:
					return nil, derr.NotFound(CodeRootNotFound,
						"grant %s referenced by %s not found", cur.ChainBinding.ParentGrantHash, cur.GrantID)
				case de.Code == "GRANT_AMBIGUOUS":
					return nil, derr.Conflict(CodeRootAmbiguous,
						"grant hash %s resolves to more than one grant", cur.ChainBinding.ParentGrantHash)
				}
			}
			return nil, derr.New(CodeRootUnavailable, http.StatusServiceUnavailable,
				"grant resolver unavailable")
		}
		if seen[parent.GrantHash] {
			return nil, derr.Conflict(CodeRootMismatch, "delegation chain contains a cycle at %s", parent.GrantHash)
		}
		seen[parent.GrantHash] = true
		chainGrants = append(chainGrants, parent)
		cur = parent
	}
	root := chainGrants[len(chainGrants)-1]
	if root.IsDelegation() {
		// a delegation grant without a parent cannot anchor a chain
		return nil, derr.NotFound(CodeRootNotFound, "chain for grant %s does not terminate in an authority grant", leaf.GrantID)
	}
	return chainGrants, nil
}

func (v *Verifier) checkRoot(root *domain.AuthorityGrant, now time.Time) error {
	if root.SchemaVersion != "AuthorityGrant.v1" {
		return derr.Conflict(CodeRootSchemaInvalid, "root grant schema %q is not AuthorityGrant.v1", root.SchemaVersion)
	}
	if root.Revocation.RevokedAt != "" {
		return derr.Conflict(CodeRootRevoked, "root grant %s revoked at %s", root.GrantID, root.Revocation.RevokedAt)
	}
	nb, err := time.Parse(time.RFC3339Nano, root.Validity.NotBefore)
	if err != nil {
		return derr.Conflict(CodeRootSchemaInvalid, "root grant %s has unparseable notBefore", root.GrantID)
	}
	exp, err := time.Parse(time.RFC3339Nano, root.Validity.ExpiresAt)
	if err != nil {
		return derr.Conflict(CodeRootSchemaInvalid, "root grant %s has unparseable expiresAt", root.GrantID)
	}
	if now.Before(nb) {
		return derr.Conflict(CodeRootNotActive, "root grant %s is not yet active", root.GrantID)
	}
	if !now.Before(exp) {
		return derr.Conflict(CodeRootExpired, "root grant %s expired at %s", root.GrantID, root.Validity.ExpiresAt)
	}
	return nil
}

func (v *Verifier) checkGrantAlive(g *domain.AuthorityGrant, now time.Time) error {
	if g.Revocation.RevokedAt != "" {
		return derr.Conflict(CodeGrantRevoked, "grant %s revoked at %s", g.GrantID, g.Revocation.RevokedAt)
	}
	nb, err := time.Parse(time.RFC3339Nano, g.Validity.NotBefore)
	if err == nil && now.Before(nb) {
		return derr.Conflict(CodeGrantNotActive, "grant %s is not yet active", g.GrantID)
	}
	exp, err := time.Parse(time.RFC3339Nano, g.Validity.ExpiresAt)
	if err == nil && !now.Before(exp) {
		return derr.Conflict(CodeGrantExpired, "grant %s expired at %s", g.GrantID, g.Validity.ExpiresAt)
	}
	return nil
}

// checkScopeSubset enforces child ⊆ parent on every scope axis. An absent
// parent list means unrestricted.
func checkScopeSubset(child, parent *domain.AuthorityGrant) error {
	if child.Scope.SideEffectingAllowed && !parent.Scope.SideEffectingAllowed {
		return escalation(child, parent, "sideEffectingAllowed")
	}
	if !subset(child.Scope.AllowedRiskClasses, parent.Scope.AllowedRiskClasses) {
		return escalation(child, parent, "allowedRiskClasses")
	}
	if !subset(child.Scope.AllowedProviderIds, parent.Scope.AllowedProviderIds) {
		return escalation(child, parent, "allowedProviderIds")
	}
	if !subset(child.Scope.AllowedToolIds, parent.Scope.AllowedToolIds) {
		return escalation(child, parent, "allowedToolIds")
	}
	if parent.SpendEnvelope.MaxPerCallCents > 0 &&
		(child.SpendEnvelope.MaxPerCallCents == 0 || child.SpendEnvelope.MaxPerCallCents > parent.SpendEnvelope.MaxPerCallCents) {
		return escalation(child, parent, "maxPerCallCents")
	}
	if parent.SpendEnvelope.MaxTotalCents > 0 &&
		(child.SpendEnvelope.MaxTotalCents == 0 || child.SpendEnvelope.MaxTotalCents > parent.SpendEnvelope.MaxTotalCents) {
		return escalation(child, parent, "maxTotalCents")
	}
	return nil
}

func escalation(child, parent *domain.AuthorityGrant, axis string) error {
	return derr.Conflict(CodeScopeEscalation,
		"grant %s escalates %s beyond its parent %s", child.GrantID, axis, parent.GrantID).
		WithDetails(map[string]interface{}{
			"axis":          axis,
			"childGrantId":  child.GrantID,
			"parentGrantId": parent.GrantID,
		})
}

// subset reports whether every element of child is in parent. An empty (nil)
// parent list means unrestricted; an empty child with a non-empty parent is
// the empty set and always allowed.
func subset(child, parent []string) bool {
	if len(parent) == 0 {
		return true
	}
	allowed := make(map[string]bool, len(parent))
	for _, p := range parent {
		allowed[p] = true
	}
	for _, c := range child {
		if !allowed[c] {
			return false
		}
	}
	return true
}

// checkOperationScope validates the concrete operation against the leaf
// scope and the whole chain's side-effect policy.
func checkOperationScope(leaf *domain.AuthorityGrant, chainGrants []*domain.AuthorityGrant, op Operation) error {
	if op.SideEffecting {
		for _, g := range chainGrants {
			if !g.Scope.SideEffectingAllowed {
				return derr.Conflict(CodeScopeEscalation,
					"operation %s is side-effecting but grant %s forbids side effects", op.Name, g.GrantID)
			}
		}
	}
	if op.RiskClass != "" && !subset([]string{op.RiskClass}, leaf.Scope.AllowedRiskClasses) {
		return derr.Conflict(CodeScopeEscalation,
			"risk class %s is outside grant %s scope", op.RiskClass, leaf.GrantID)
	}
	if op.ProviderID != "" && !subset([]string{op.ProviderID}, leaf.Scope.AllowedProviderIds) {
		return derr.Conflict(CodeScopeEscalation,
			"provider %s is outside grant %s scope", op.ProviderID, leaf.GrantID)
	}
	if op.ToolID != "" && !subset([]string{op.ToolID}, leaf.Scope.AllowedToolIds) {
		return derr.Conflict(CodeScopeEscalation,
			"tool %s is outside grant %s scope", op.ToolID, leaf.GrantID)
	}
	if op.AmountCents > 0 && leaf.SpendEnvelope.MaxPerCallCents > 0 &&
		op.AmountCents > leaf.SpendEnvelope.MaxPerCallCents {
		return derr.Conflict(CodeSpendExceeded,
			"amount %d exceeds grant %s per-call envelope %d",
			op.AmountCents, leaf.GrantID, leaf.SpendEnvelope.MaxPerCallCents)
	}
	return nil
}

// checkGrantee validates the grantee agent's lifecycle and signer key.
func (v *Verifier) checkGrantee(ctx context.Context, tenantID string, leaf *domain.AuthorityGrant, op Operation) error {
	identity, err := v.Store.GetIdentity(ctx, tenantID, leaf.GranteeID)
	if err != nil {
		return err
	}
	switch identity.Status {
	case domain.AgentActive:
	case domain.AgentThrottled:
		return derr.New(CodeAgentThrottled, http.StatusTooManyRequests,
			"agent %s is throttled", identity.AgentID)
	case domain.AgentSuspended, domain.AgentRetired:
		return derr.New(CodeAgentSuspended, http.StatusGone,
			"agent %s is %s", identity.AgentID, identity.Status)
	default:
		return derr.New(CodeAgentSuspended, http.StatusGone,
			"agent %s has unknown lifecycle status %q", identity.AgentID, identity.Status)
	}

	if !v.RequireSignerKey {
		return nil
	}
	reason := ReasonSignerKeyMissing
	for _, k := range identity.Keys {
		switch k.Status {
		case "active":
			return nil
		case "revoked":
			reason = ReasonSignerKeyRevoked
		case "rotated":
			if reason == ReasonSignerKeyMissing {
				reason = ReasonSignerKeyRotated
			}
		default:
			if reason == ReasonSignerKeyMissing {
				reason = ReasonSignerKeyNotActive
			}
		}
	}
	return derr.Conflict(CodeSignerKeyInvalid,
		"agent %s has no active signer key", identity.AgentID).
		WithDetails(map[string]interface{}{
			"reasonCode": reason,
			"role":       op.Role,
		})
}
