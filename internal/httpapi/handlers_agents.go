package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/store"
	"github.com/settld-labs/settld-core/internal/wallet"
)

// registerAgentRequest is the registration payload.
type registerAgentRequest struct {
	AgentID      string            `json:"agentId"`
	DisplayName  string            `json:"displayName"`
	Owner        domain.AgentOwner `json:"owner"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Keys         []domain.AgentKey `json:"keys,omitempty"`
	Currency     string            `json:"currency,omitempty"`
	Visibility   string            `json:"visibility,omitempty"` // public | private
}

// handleRegisterAgent creates the identity, its wallet and its agent card in
// one transaction.
func (s *Server) handleRegisterAgent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFrom(r.Context())
		var req registerAgentRequest
		if err := readJSON(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
		if req.AgentID == "" {
			writeErr(w, r, derr.Validation("AGENT_ID_REQUIRED", "agentId is required"))
			return
		}
		if req.DisplayName == "" {
			req.DisplayName = req.AgentID
		}
		visibility := req.Visibility
		if visibility == "" {
			visibility = "private"
		}
		currency := req.Currency
		if currency == "" {
			currency = "USD"
		}
		now := time.Now()
		var identity *domain.AgentIdentity
		err := s.Store.Tx(r.Context(), func(ctx2 context.Context, tx store.Store) error {
			if existing, err := tx.GetIdentity(ctx2, tenant, req.AgentID); err == nil && existing != nil {
				return derr.Conflict("AGENT_ALREADY_EXISTS", "agent %s is already registered", req.AgentID)
			}
			identity = &domain.AgentIdentity{
				SchemaVersion: "AgentIdentity.v1",
				TenantID:      tenant,
				AgentID:       req.AgentID,
				DisplayName:   req.DisplayName,
				Owner:         req.Owner,
				Capabilities:  req.Capabilities,
				Keys:          req.Keys,
				Status:        domain.AgentActive,
				CreatedAt:     domain.ISO(now),
				UpdatedAt:     domain.ISO(now),
			}
			if err := tx.PutIdentity(ctx2, identity); err != nil {
				return err
			}
			w := wallet.New(tenant, req.AgentID, currency, now)
			if err := tx.PutWallet(ctx2, &w); err != nil {
				return err
			}
			return tx.PutAgentCard(ctx2, &domain.AgentCard{
				SchemaVersion: "AgentCard.v1",
				TenantID:      tenant,
				AgentID:       req.AgentID,
				DisplayName:   req.DisplayName,
				Capabilities:  req.Capabilities,
				Visibility:    visibility,
				UpdatedAt:     domain.ISO(now),
			})
		})
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, identity)
	}
}

func (s *Server) handleGetAgent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.Store.GetIdentity(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, identity)
	}
}

func (s *Server) handleGetWallet() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wlt, err := s.Store.GetWallet(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wlt)
	}
}

func (s *Server) handleCreditWallet() http.HandlerFunc {
	type creditRequest struct {
		AmountCents int64 `json:"amountCents"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFrom(r.Context())
		agentID := mux.Vars(r)["id"]
		var req creditRequest
		if err := readJSON(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
		now := time.Now()
		var out *domain.AgentWallet
		err := s.Store.Tx(r.Context(), func(ctx2 context.Context, tx store.Store) error {
			cur, err := tx.GetWallet(ctx2, tenant, agentID)
			if err != nil {
				return err
			}
			credited, err := wallet.Credit(*cur, req.AmountCents, now)
			if err != nil {
				return err
			}
			if err := tx.PutWallet(ctx2, &credited); err != nil {
				return err
			}
			out = &credited
			return nil
		})
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}
