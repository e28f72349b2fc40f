package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/dispute"
	"github.com/settld-labs/settld-core/internal/run"
)

func (s *Server) handleCreateRun() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in run.CreateRunInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		in.AgentID = mux.Vars(r)["id"]
		created, stl, err := s.Runs.CreateRun(r.Context(), tenantFrom(r.Context()), in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{
			"run":        created,
			"settlement": stl,
		})
	}
}

func (s *Server) handleListRuns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.Store.ListRunsByAgent(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], 100)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func (s *Server) handleGetRun() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got, err := s.Runs.GetRun(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["runId"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, got)
	}
}

func (s *Server) handleListRunEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := s.Runs.ListEvents(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["runId"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	}
}

// handleAppendRunEvent appends one typed event. The chain precondition comes
// from the body, falling back to the expected-prev-chain-hash header.
func (s *Server) handleAppendRunEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in run.AppendEventInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		if in.ExpectedPrevChainHash == "" {
			in.ExpectedPrevChainHash = headerAny(r.Header, HeaderExpectedPrev, HeaderExpectedPrevAlt)
		}
		ev, err := s.Runs.AppendEvent(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["runId"], in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, ev)
	}
}

func (s *Server) handleGetRunSettlement() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stl, err := s.Runs.GetSettlementByRun(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stl)
	}
}

func (s *Server) handleResolveSettlement() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in run.ResolveInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		stl, err := s.Runs.ResolveRunSettlement(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stl)
	}
}

// handleGetRunVerification replays the policy decision from the stored event
// stream.
func (s *Server) handleGetRunVerification() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.Runs.Replay(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// handleGetRunAgreement returns the terms the run settles under.
func (s *Server) handleGetRunAgreement() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFrom(r.Context())
		runID := mux.Vars(r)["id"]
		got, err := s.Runs.GetRun(r.Context(), tenant, runID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		out := map[string]interface{}{
			"runId":         got.RunID,
			"agentId":       got.AgentID,
			"policyVersion": got.PolicyVersion,
		}
		if got.SettlementID != "" {
			stl, err := s.Runs.GetSettlementByRun(r.Context(), tenant, runID)
			if err != nil {
				writeErr(w, r, err)
				return
			}
			out["settlement"] = map[string]interface{}{
				"settlementId":      stl.SettlementID,
				"payerAgentId":      stl.PayerAgentID,
				"payeeAgentId":      stl.PayeeAgentID,
				"amountCents":       stl.AmountCents,
				"currency":          stl.Currency,
				"disputeWindowDays": stl.DisputeWindowDays,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleDisputeOpen() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in dispute.OpenInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		d, err := s.Disputes.Open(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, d)
	}
}

func (s *Server) handleDisputeEvidence() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in dispute.EvidenceInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		d, err := s.Disputes.SubmitEvidence(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func (s *Server) handleDisputeEscalate() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in dispute.EscalateInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		d, err := s.Disputes.Escalate(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func (s *Server) handleDisputeClose() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in dispute.CloseInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		if in.Outcome == "" {
			writeErr(w, r, derr.Validation("OUTCOME_REQUIRED", "outcome is required"))
			return
		}
		d, adj, err := s.Disputes.Close(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"dispute":    d,
			"adjustment": adj,
		})
	}
}
