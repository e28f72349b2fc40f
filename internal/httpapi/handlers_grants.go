package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/settld-labs/settld-core/internal/authority"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
)

// handleCreateGrant persists an authority grant (principal to agent) or a
// delegation grant (agent to agent). The grant hash is always computed
// server-side over the canonical core.
func (s *Server) handleCreateGrant(delegation bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFrom(r.Context())
		var g domain.AuthorityGrant
		if err := readJSON(r, &g); err != nil {
			writeErr(w, r, err)
			return
		}
		if g.GranteeID == "" {
			writeErr(w, r, derr.Validation("GRANTEE_REQUIRED", "granteeAgentId is required"))
			return
		}
		if delegation {
			if g.ChainBinding.ParentGrantHash == "" || g.ChainBinding.RootGrantHash == "" {
				writeErr(w, r, derr.Validation("CHAIN_BINDING_REQUIRED",
					"delegation grants require parentGrantHash and rootGrantHash"))
				return
			}
			g.SchemaVersion = "DelegationGrant.v1"
		} else {
			if g.PrincipalID == "" {
				writeErr(w, r, derr.Validation("PRINCIPAL_REQUIRED", "principalId is required"))
				return
			}
			g.SchemaVersion = "AuthorityGrant.v1"
		}
		g.TenantID = tenant
		if g.GrantID == "" {
			g.GrantID = "grant_" + uuid.NewString()
		}
		g.CreatedAt = domain.ISO(time.Now())
		g.GrantHash = ""
		hash, err := authority.ComputeGrantHash(&g)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		g.GrantHash = hash
		if err := s.Store.PutGrant(r.Context(), &g); err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, &g)
	}
}

func (s *Server) handleListGrants(delegation bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		grants, err := s.Store.ListGrants(r.Context(), tenantFrom(r.Context()), delegation)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, grants)
	}
}

func (s *Server) handleGetGrant() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g, err := s.Store.GetGrant(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}

// handleRevokeGrant marks a grant revoked. Revoking an already-revoked grant
// is a no-op returning the stored grant.
func (s *Server) handleRevokeGrant() http.HandlerFunc {
	type revokeRequest struct {
		ReasonCode string `json:"reasonCode,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFrom(r.Context())
		var req revokeRequest
		if err := readJSON(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
		g, err := s.Store.GetGrant(r.Context(), tenant, mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if g.Revocation.RevokedAt != "" {
			writeJSON(w, http.StatusOK, g)
			return
		}
		if !g.Revocation.Revocable {
			writeErr(w, r, derr.Conflict("GRANT_NOT_REVOCABLE", "grant %s is not revocable", g.GrantID))
			return
		}
		g.Revocation.RevokedAt = domain.ISO(time.Now())
		g.Revocation.RevocationReasonCode = req.ReasonCode
		if err := s.Store.PutGrant(r.Context(), g); err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}
