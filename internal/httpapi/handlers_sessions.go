package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/session"
)

func (s *Server) handleCreateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in session.CreateInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		created, err := s.Sessions.Create(r.Context(), tenantFrom(r.Context()), in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func (s *Server) handleGetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got, err := s.Sessions.Get(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, got)
	}
}

func (s *Server) handleAppendSessionEvent() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in session.AppendInput
		if err := readJSON(r, &in); err != nil {
			writeErr(w, r, err)
			return
		}
		if in.ExpectedPrevChainHash == "" {
			in.ExpectedPrevChainHash = headerAny(r.Header, HeaderExpectedPrev, HeaderExpectedPrevAlt)
		}
		ev, err := s.Sessions.AppendEvent(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"], in)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, ev)
	}
}

func (s *Server) handleListSessionEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events, err := s.Sessions.Events(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	}
}

func (s *Server) handleSessionReplayPack() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pack, err := s.Sessions.BuildReplayPack(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pack)
	}
}

func (s *Server) handleSessionTranscript() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lines, err := s.Sessions.Transcript(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["id"])
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, lines)
	}
}

// handleSessionEventStream serves the session stream over SSE. The event id
// is the stream sequence number, so reconnecting clients resume with
// last-event-id and miss nothing.
func (s *Server) handleSessionEventStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := tenantFrom(r.Context())
		sessionID := mux.Vars(r)["id"]
		if _, err := s.Sessions.Get(r.Context(), tenant, sessionID); err != nil {
			writeErr(w, r, err)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeErr(w, r, derr.New("STREAMING_UNSUPPORTED", http.StatusInternalServerError,
				"response writer does not support streaming"))
			return
		}
		afterSeq := lastEventID(r)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(s.SSEPollInterval)
		defer ticker.Stop()
		for {
			events, err := s.Sessions.EventsAfter(r.Context(), tenant, sessionID, afterSeq)
			if err != nil {
				return
			}
			for _, ev := range events {
				writeSSE(w, strconv.FormatInt(ev.Seq, 10), ev.Type, ev)
				afterSeq = ev.Seq
			}
			if len(events) > 0 {
				flusher.Flush()
			}
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// handleAgentCardStream streams public agent cards: a snapshot on connect,
// then updates as cards change.
func (s *Server) handleAgentCardStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeErr(w, r, derr.New("STREAMING_UNSUPPORTED", http.StatusInternalServerError,
				"response writer does not support streaming"))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		cursor := ""
		ticker := time.NewTicker(s.SSEPollInterval)
		defer ticker.Stop()
		for {
			cards, err := s.Store.ListPublicAgentCards(r.Context())
			if err != nil {
				return
			}
			sent := false
			for _, card := range cards {
				if card.UpdatedAt <= cursor {
					continue
				}
				writeSSE(w, card.TenantID+"/"+card.AgentID, "agent-card", card)
				sent = true
			}
			cursor = maxUpdatedAt(cards, cursor)
			if sent {
				flusher.Flush()
			}
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, id, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", id, event, data)
}

// lastEventID reads the SSE resume point from the standard header or the
// lastEventId query parameter.
func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func maxUpdatedAt(cards []*domain.AgentCard, cursor string) string {
	for _, c := range cards {
		if c.UpdatedAt > cursor {
			cursor = c.UpdatedAt
		}
	}
	return cursor
}
