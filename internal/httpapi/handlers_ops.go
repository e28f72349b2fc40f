package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/outbox"
	"github.com/settld-labs/settld-core/internal/toolcall"
	"github.com/settld-labs/settld-core/internal/x402"
)

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleWellKnownKeys publishes the signer keyset for receiver-side chain
// verification.
func (s *Server) handleWellKnownKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Keys == nil {
			writeErr(w, r, derr.NotFound("KEYSET_NOT_FOUND", "no signer keyset configured"))
			return
		}
		writeJSON(w, http.StatusOK, s.Keys.Keyset())
	}
}

func (s *Server) handleExportsAck() http.HandlerFunc {
	type ackRequest struct {
		DeliveryID string `json:"deliveryId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req ackRequest
		if err := readJSON(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
		if req.DeliveryID == "" {
			writeErr(w, r, derr.Validation("DELIVERY_ID_REQUIRED", "deliveryId is required"))
			return
		}
		d, err := outbox.Ack(r.Context(), s.Store, tenantFrom(r.Context()), req.DeliveryID, time.Now())
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// handleListDeliveries lists delivery records by state:
// pending|processed|dlq|all (pending maps to queued).
func (s *Server) handleListDeliveries() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFrom(r.Context())
		state := r.URL.Query().Get("state")
		var states []domain.DeliveryState
		switch state {
		case "", "all":
			states = []domain.DeliveryState{
				domain.DeliveryQueued, domain.DeliveryDelivered,
				domain.DeliveryAcked, domain.DeliveryFailed, domain.DeliveryDLQ,
			}
		case "pending":
			states = []domain.DeliveryState{domain.DeliveryQueued}
		case "processed":
			states = []domain.DeliveryState{domain.DeliveryDelivered, domain.DeliveryAcked}
		case "dlq":
			states = []domain.DeliveryState{domain.DeliveryDLQ}
		default:
			writeErr(w, r, derr.Validation("STATE_INVALID",
				"state must be one of pending, processed, dlq, all"))
			return
		}
		out := []*domain.DeliveryRecord{}
		for _, st := range states {
			batch, err := s.Store.ListDeliveries(r.Context(), tenant, st, 200)
			if err != nil {
				writeErr(w, r, err)
				return
			}
			out = append(out, batch...)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleLockHold() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in toolcall.HoldInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		h, err := s.ToolCalls.CreateHold(r.Context(), tenantFrom(r.Context()), in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, h)
	}
}

func (s *Server) handleListHolds() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		holds, err := s.ToolCalls.ListHolds(r.Context(), tenantFrom(r.Context()))
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, holds)
	}
}

func (s *Server) handleGetHold() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := s.ToolCalls.GetHold(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["holdHash"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, h)
	}
}

func (s *Server) handleReplayEvaluate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agreementHash := r.URL.Query().Get("agreementHash")
		if agreementHash == "" {
			writeErr(w, r, derr.Validation("AGREEMENT_HASH_REQUIRED", "agreementHash query parameter is required"))
			return
		}
		report, err := s.ToolCalls.ReplayEvaluate(r.Context(), tenantFrom(r.Context()), agreementHash)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleCreateAgreement() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in toolcall.AgreementInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		a, err := s.ToolCalls.CreateAgreement(r.Context(), tenantFrom(r.Context()), in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
	}
}

func (s *Server) handleSignEvidence() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in toolcall.EvidenceInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		ev, err := s.ToolCalls.SignEvidence(r.Context(), tenantFrom(r.Context()), in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, ev)
	}
}

func (s *Server) handleArbitrationOpen() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in toolcall.DisputeInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		env, arb, err := s.ToolCalls.OpenDispute(r.Context(), tenantFrom(r.Context()), in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"envelope": env,
			"case":     arb,
		})
	}
}

func (s *Server) handleArbitrationVerdict() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in toolcall.VerdictInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		arb, adj, err := s.ToolCalls.Verdict(r.Context(), tenantFrom(r.Context()), in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"case":       arb,
			"adjustment": adj,
		})
	}
}

func (s *Server) handleCreateGate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in x402.CreateGateInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		g, err := s.Gates.CreateGate(r.Context(), tenantFrom(r.Context()), in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, g)
	}
}

func (s *Server) handleAuthorizePayment() http.HandlerFunc {
	type authorizeRequest struct {
		GateID string `json:"gateId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req authorizeRequest
		if err := readJSON(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
		if req.GateID == "" {
			writeErr(w, r, derr.Validation("GATE_ID_REQUIRED", "gateId is required"))
			return
		}
		g, err := s.Gates.AuthorizePayment(r.Context(), tenantFrom(r.Context()), req.GateID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}

func (s *Server) handleConsumeGate() http.HandlerFunc {
	type consumeRequest struct {
		GateID string `json:"gateId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req consumeRequest
		if err := readJSON(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
		if req.GateID == "" {
			writeErr(w, r, derr.Validation("GATE_ID_REQUIRED", "gateId is required"))
			return
		}
		g, err := s.Gates.Consume(r.Context(), tenantFrom(r.Context()), req.GateID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	}
}

func (s *Server) handleAgentLifecycle() http.HandlerFunc {
	type lifecycleRequest struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req lifecycleRequest
		if err := readJSON(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
		identity, err := s.Gates.SetLifecycle(r.Context(), tenantFrom(r.Context()),
			mux.Vars(r)["id"], domain.AgentStatus(req.Status))
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, identity)
	}
}
