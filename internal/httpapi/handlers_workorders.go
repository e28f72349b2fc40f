package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/settld-labs/settld-core/internal/workorder"
)

func (s *Server) handleCreateWorkOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in workorder.CreateInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		wo, err := s.WorkOrds.Create(r.Context(), tenantFrom(r.Context()), in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, wo)
	}
}

func (s *Server) handleGetWorkOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wo, err := s.WorkOrds.Get(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wo)
	}
}

func (s *Server) handleAcceptWorkOrder() http.HandlerFunc {
	type acceptRequest struct {
		Actor string `json:"actor,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req acceptRequest
		if err := readJSON(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
		wo, err := s.WorkOrds.Accept(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], req.Actor)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wo)
	}
}

func (s *Server) handleProgressWorkOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in workorder.ProgressInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		wo, entry, err := s.WorkOrds.Progress(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"workOrder": wo,
			"entry":     entry,
		})
	}
}

func (s *Server) handleTopUpWorkOrder() http.HandlerFunc {
	type topUpRequest struct {
		AmountCents int64 `json:"amountCents"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req topUpRequest
		if err := readJSON(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
		wo, err := s.WorkOrds.TopUp(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], req.AmountCents)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wo)
	}
}

func (s *Server) handleCompleteWorkOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wo, rc, err := s.WorkOrds.Complete(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"workOrder": wo,
			"receipt":   rc,
		})
	}
}

func (s *Server) handleSettleWorkOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wo, stl, err := s.WorkOrds.Settle(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"workOrder":  wo,
			"settlement": stl,
		})
	}
}

func (s *Server) handleWorkOrderMetering() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.WorkOrds.Metering(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func (s *Server) handleWorkOrderReceipts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		receipts, err := s.WorkOrds.Receipts(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, receipts)
	}
}
