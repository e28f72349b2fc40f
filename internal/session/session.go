// Package session manages conversational sessions backed by the shared
// hash-chained event stream. Appends carry the expectedPrevChainHash
// precondition like run events do; the replay pack re-verifies the whole
// chain so receivers can audit a transcript offline.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/settld-labs/settld-core/internal/chain"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/store"
)

// EventSessionCreated is the engine-minted genesis event of every session
// stream; clients cannot append it.
const EventSessionCreated = "SESSION_CREATED"

// Engine appends and reads session streams.
type Engine struct {
	Store  store.Store
	Signer chain.Signer
	Now    func() time.Time
}

func NewEngine(st store.Store, signer chain.Signer) *Engine {
	return &Engine{Store: st, Signer: signer, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// CreateInput opens a session.
type CreateInput struct {
	SessionID  string `json:"sessionId,omitempty"`
	AgentID    string `json:"agentId"`
	Title      string `json:"title,omitempty"`
	Visibility string `json:"visibility,omitempty"` // private | public
}

// Create registers the session and appends its genesis event atomically.
func (e *Engine) Create(ctx context.Context, tenantID string, in CreateInput) (*domain.Session, error) {
	if in.AgentID == "" {
		return nil, derr.Validation("AGENT_ID_REQUIRED", "agentId is required")
	}
	visibility := in.Visibility
	if visibility == "" {
		visibility = "private"
	}
	if visibility != "private" && visibility != "public" {
		return nil, derr.Validation("VISIBILITY_INVALID", "visibility must be private or public")
	}
	now := e.now()
	id := in.SessionID
	if id == "" {
		id = "ses_" + uuid.NewString()
	}
	var out *domain.Session
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.GetIdentity(ctx, tenantID, in.AgentID); err != nil {
			return err
		}
		if existing, err := tx.GetSession(ctx, tenantID, id); err == nil && existing != nil {
			return derr.Conflict("SESSION_ALREADY_EXISTS", "session %s already exists", id)
		}
		ev, err := chain.NewEvent(tenantID, id, EventSessionCreated, in.AgentID,
			map[string]interface{}{"title": in.Title, "visibility": visibility}, now)
		if err != nil {
			return err
		}
		if err := chain.Finalize(ev, chain.GenesisPrevHash, e.Signer); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		s := &domain.Session{
			SchemaVersion: "Session.v1",
			TenantID:      tenantID,
			SessionID:     id,
			AgentID:       in.AgentID,
			Title:         in.Title,
			Visibility:    visibility,
			LastChainHash: ev.ChainHash,
			CreatedAt:     domain.ISO(now),
			UpdatedAt:     domain.ISO(now),
		}
		if err := tx.PutSession(ctx, s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendInput is one client event append.
type AppendInput struct {
	Type                  string                 `json:"type"`
	Actor                 string                 `json:"actor"`
	Payload               map[string]interface{} `json:"payload,omitempty"`
	ExpectedPrevChainHash string                 `json:"expectedPrevChainHash"`
}

// AppendEvent appends one event under the optimistic chain precondition. Of
// two racing appends with the same expected head, one wins and the other
// gets CHAIN_HASH_MISMATCH.
func (e *Engine) AppendEvent(ctx context.Context, tenantID, sessionID string, in AppendInput) (*domain.ChainedEvent, error) {
	if in.Type == "" {
		return nil, derr.Validation("EVENT_TYPE_REQUIRED", "event type is required")
	}
	if in.Type == EventSessionCreated {
		return nil, derr.Validation("EVENT_TYPE_INVALID", "%s is reserved for the genesis event", EventSessionCreated)
	}
	now := e.now()
	var out *domain.ChainedEvent
	err := e.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		s, err := tx.GetSession(ctx, tenantID, sessionID)
		if err != nil {
			return err
		}
		if err := chain.CheckAppend(in.ExpectedPrevChainHash, s.LastChainHash); err != nil {
			return err
		}
		ev, err := chain.NewEvent(tenantID, sessionID, in.Type, in.Actor, in.Payload, now)
		if err != nil {
			return err
		}
		if err := chain.Finalize(ev, s.LastChainHash, e.Signer); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		s.LastChainHash = ev.ChainHash
		s.UpdatedAt = domain.ISO(now)
		if err := tx.PutSession(ctx, s); err != nil {
			return err
		}
		out = ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a session.
func (e *Engine) Get(ctx context.Context, tenantID, sessionID string) (*domain.Session, error) {
	return e.Store.GetSession(ctx, tenantID, sessionID)
}

// Events returns the full stream, oldest first.
func (e *Engine) Events(ctx context.Context, tenantID, sessionID string) ([]*domain.ChainedEvent, error) {
	if _, err := e.Store.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return e.Store.ListEvents(ctx, tenantID, sessionID)
}

// EventsAfter returns events with seq greater than afterSeq; the SSE stream
// uses it to resume from last-event-id.
func (e *Engine) EventsAfter(ctx context.Context, tenantID, sessionID string, afterSeq int64) ([]*domain.ChainedEvent, error) {
	if _, err := e.Store.GetSession(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return e.Store.ListEventsAfter(ctx, tenantID, sessionID, afterSeq)
}

// ReplayPack is the exportable audit bundle of a session.
type ReplayPack struct {
	Session    *domain.Session        `json:"session"`
	Events     []*domain.ChainedEvent `json:"events"`
	ChainValid bool                   `json:"chainValid"`
	ChainError string                 `json:"chainError,omitempty"`
}

// BuildReplayPack exports the session with its full stream and a chain
// verification result computed from scratch.
func (e *Engine) BuildReplayPack(ctx context.Context, tenantID, sessionID string) (*ReplayPack, error) {
	s, err := e.Store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := e.Store.ListEvents(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	pack := &ReplayPack{Session: s, Events: events, ChainValid: true}
	var prev *domain.ChainedEvent
	for _, ev := range events {
		if err := chain.Verify(ev, prev); err != nil {
			pack.ChainValid = false
			pack.ChainError = err.Error()
			break
		}
		prev = ev
	}
	return pack, nil
}

// TranscriptLine is one rendered transcript entry.
type TranscriptLine struct {
	At    string `json:"at"`
	Actor string `json:"actor"`
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
}

// Transcript renders the stream as ordered lines, extracting payload "text"
// where present.
func (e *Engine) Transcript(ctx context.Context, tenantID, sessionID string) ([]TranscriptLine, error) {
	events, err := e.Events(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	lines := make([]TranscriptLine, 0, len(events))
	for _, ev := range events {
		line := TranscriptLine{At: ev.At, Actor: ev.Actor, Type: ev.Type}
		if txt, ok := ev.Payload["text"].(string); ok {
			line.Text = txt
		}
		lines = append(lines, line)
	}
	return lines, nil
}
