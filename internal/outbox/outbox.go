// Package outbox implements transactional event export. Domain mutations
// enqueue messages in the same store transaction; a background worker drains
// pending messages and delivers them to registered destinations as signed
// webhooks, with per-aggregate FIFO ordering and bounded retries.
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/settld-labs/settld-core/internal/circuitbreaker"
	"github.com/settld-labs/settld-core/internal/derr"
	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/metrics"
	"github.com/settld-labs/settld-core/internal/store"
	"github.com/settld-labs/settld-core/internal/webhook"
)

// Delivery headers attached to every export POST.
const (
	HeaderSignature    = "x-settld-signature"
	HeaderTimestamp    = "x-settld-timestamp"
	HeaderDeliveryID   = "x-settld-delivery-id"
	HeaderDedupeKey    = "x-settld-dedupe-key"
	HeaderArtifactType = "x-settld-artifact-type"
)

// DefaultMaxAttempts caps retries before a message parks in the DLQ.
const DefaultMaxAttempts = 8

// defaultBackoff is the fixed retry schedule; attempts beyond its length use
// the last entry.
var defaultBackoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
	1 * time.Hour,
}

// claimLease keeps a claimed message invisible to other workers while its
// HTTP deliveries run outside the claiming transaction.
const claimLease = 60 * time.Second

// Enqueue stores a pending export message. Must run inside the same store
// transaction as the mutation that produced the event.
func Enqueue(ctx context.Context, tx store.Store, tenantID, topic, aggregateType, aggregateID, dedupeKey string, payload map[string]interface{}) error {
	now := time.Now()
	return tx.EnqueueOutbox(ctx, &domain.OutboxMessage{
		TenantID:      tenantID,
		Topic:         topic,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		DedupeKey:     dedupeKey,
		Payload:       payload,
		State:         domain.OutboxPending,
		NextAttemptAt: domain.ISO(now),
		CreatedAt:     domain.ISO(now),
	})
}

// envelope is the wire body of an export delivery.
type envelope struct {
	ID            int64                  `json:"id"`
	Topic         string                 `json:"topic"`
	AggregateType string                 `json:"aggregateType"`
	AggregateID   string                 `json:"aggregateId"`
	DedupeKey     string                 `json:"dedupeKey,omitempty"`
	OccurredAt    string                 `json:"occurredAt"`
	Payload       map[string]interface{} `json:"payload"`
}

// Worker drains the outbox and posts signed deliveries.
type Worker struct {
	Store       store.Store
	Client      *http.Client
	MaxAttempts int
	Backoff     []time.Duration
	BatchSize   int
	Now         func() time.Time
	Logger      *log.Logger

	// Breakers trips per destination after consecutive transport failures;
	// open breakers skip the HTTP call and reschedule the message.
	Breakers *circuitbreaker.Group
}

func NewWorker(st store.Store, client *http.Client) *Worker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Worker{
		Store:       st,
		Client:      client,
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     defaultBackoff,
		BatchSize:   50,
		Now:         time.Now,
		Logger:      log.New(log.Writer(), "[OUTBOX] ", log.LstdFlags),
		Breakers:    circuitbreaker.NewGroup(),
	}
}

func (w *Worker) breakerFor(tenantID, destinationID string) *circuitbreaker.Breaker {
	if w.Breakers == nil {
		return nil
	}
	return w.Breakers.Get(tenantID + "/" + destinationID)
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) backoffFor(attempt int) time.Duration {
	sched := w.Backoff
	if len(sched) == 0 {
		sched = defaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(sched) {
		attempt = len(sched)
	}
	return sched[attempt-1]
}

// Pump claims due pending messages and attempts delivery. It returns the
// number of messages that reached a terminal state this pass.
func (w *Worker) Pump(ctx context.Context) (int, error) {
	now := w.now()
	var claimed []*domain.OutboxMessage
	err := w.Store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		msgs, err := tx.ClaimPendingOutbox(ctx, domain.ISO(now), w.BatchSize)
		if err != nil {
			return err
		}
		// lease the claim so concurrent pumps skip these rows
		for _, m := range msgs {
			m.NextAttemptAt = domain.ISO(now.Add(claimLease))
			if err := tx.PutOutbox(ctx, m); err != nil {
				return err
			}
		}
		claimed = msgs
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.OutboxPending.Set(float64(len(claimed)))

	done := 0
	for _, msg := range claimed {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		terminal, err := w.process(ctx, msg)
		if err != nil {
			w.Logger.Printf("outbox %d: %v", msg.ID, err)
			continue
		}
		if terminal {
			done++
		}
	}
	return done, nil
}

// process attempts delivery of one claimed message to every matching
// destination. Returns true when the message reached processed or dlq.
func (w *Worker) process(ctx context.Context, msg *domain.OutboxMessage) (bool, error) {
	dests, err := w.Store.ListDestinations(ctx, msg.TenantID)
	if err != nil {
		return false, err
	}
	targets := make([]*domain.Destination, 0, len(dests))
	for _, d := range dests {
		if d.Active && topicMatches(d.Topics, msg.Topic) {
			targets = append(targets, d)
		}
	}

	now := w.now()
	msg.Attempt++

	if len(targets) == 0 {
		msg.State = domain.OutboxProcessed
		msg.ProcessedAt = domain.ISO(now)
		return true, w.Store.PutOutbox(ctx, msg)
	}

	body, err := json.Marshal(envelope{
		ID:            msg.ID,
		Topic:         msg.Topic,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		DedupeKey:     msg.DedupeKey,
		OccurredAt:    msg.CreatedAt,
		Payload:       msg.Payload,
	})
	if err != nil {
		return false, fmt.Errorf("encode envelope: %w", err)
	}

	allDelivered := true
	rejected := false
	var retryErr, rejectErr string
	for _, dest := range targets {
		rec, err := w.deliveryRecord(ctx, msg, dest, now)
		if err != nil {
			return false, err
		}
		switch rec.State {
		case domain.DeliveryDelivered, domain.DeliveryAcked:
			continue // already landed on a previous attempt
		case domain.DeliveryDLQ:
			rejected = true
			rejectErr = rec.LastError
			continue
		}

		brk := w.breakerFor(msg.TenantID, dest.DestinationID)
		if brk != nil && !brk.Allow() {
			allDelivered = false
			retryErr = fmt.Sprintf("destination %s circuit open", dest.DestinationID)
			metrics.OutboxDeliveries.WithLabelValues("skipped").Inc()
			continue
		}

		status, derrMsg := w.post(ctx, dest, rec.DeliveryID, msg, body)
		if brk != nil {
			// any HTTP response means the destination is reachable; only
			// transport errors and 5xx count against the breaker
			if status == 0 || status >= 500 {
				brk.Failure()
			} else {
				brk.Success()
			}
		}
		rec.Attempts++
		rec.LastStatus = status
		rec.LastError = derrMsg
		rec.UpdatedAt = domain.ISO(w.now())

		switch {
		case status >= 200 && status < 300:
			rec.State = domain.DeliveryDelivered
			metrics.OutboxDeliveries.WithLabelValues("delivered").Inc()
		case status >= 400 && status < 500:
			// receiver rejected the payload; retrying cannot help
			rec.State = domain.DeliveryDLQ
			rejected = true
			rejectErr = derrMsg
			if rejectErr == "" {
				rejectErr = fmt.Sprintf("destination %s rejected with %d", dest.DestinationID, status)
			}
			metrics.OutboxDeliveries.WithLabelValues("dlq").Inc()
		default: // 5xx, timeout, connection error
			rec.State = domain.DeliveryFailed
			allDelivered = false
			retryErr = derrMsg
			if retryErr == "" {
				retryErr = fmt.Sprintf("destination %s returned %d", dest.DestinationID, status)
			}
			metrics.OutboxDeliveries.WithLabelValues("retry").Inc()
		}
		if err := w.Store.PutDelivery(ctx, rec); err != nil {
			return false, err
		}
	}

	if rejected {
		msg.State = domain.OutboxDLQ
		msg.LastError = rejectErr
		w.Logger.Printf("outbox %d parked in dlq: %s", msg.ID, rejectErr)
		return true, w.Store.PutOutbox(ctx, msg)
	}
	if allDelivered {
		msg.State = domain.OutboxProcessed
		msg.ProcessedAt = domain.ISO(w.now())
		msg.LastError = ""
		return true, w.Store.PutOutbox(ctx, msg)
	}
	if msg.Attempt >= w.MaxAttempts {
		msg.State = domain.OutboxDLQ
		msg.LastError = retryErr
		metrics.OutboxDeliveries.WithLabelValues("dlq").Inc()
		w.Logger.Printf("outbox %d parked in dlq after %d attempts: %s", msg.ID, msg.Attempt, retryErr)
		return true, w.Store.PutOutbox(ctx, msg)
	}
	msg.LastError = retryErr
	msg.NextAttemptAt = domain.ISO(w.now().Add(w.backoffFor(msg.Attempt)))
	return false, w.Store.PutOutbox(ctx, msg)
}

// deliveryRecord loads or creates the per-destination record. Delivery ids
// are deterministic per (message, destination) so retries reuse the record.
func (w *Worker) deliveryRecord(ctx context.Context, msg *domain.OutboxMessage, dest *domain.Destination, now time.Time) (*domain.DeliveryRecord, error) {
	id := fmt.Sprintf("dlv_%d_%s", msg.ID, dest.DestinationID)
	rec, err := w.Store.GetDelivery(ctx, msg.TenantID, id)
	if err == nil {
		return rec, nil
	}
	if de := derr.As(err); de == nil || de.HTTPStatus != http.StatusNotFound {
		return nil, err
	}
	rec = &domain.DeliveryRecord{
		DeliveryID:    id,
		TenantID:      msg.TenantID,
		OutboxID:      msg.ID,
		DestinationID: dest.DestinationID,
		State:         domain.DeliveryQueued,
		CreatedAt:     domain.ISO(now),
		UpdatedAt:     domain.ISO(now),
	}
	if err := w.Store.PutDelivery(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// post sends one signed delivery. Returns the HTTP status (0 on transport
// error) and an error string for bookkeeping.
func (w *Worker) post(ctx context.Context, dest *domain.Destination, deliveryID string, msg *domain.OutboxMessage, body []byte) (int, string) {
	ts := domain.ISO(w.now())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, webhook.Sign(dest.Secret, ts, body))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderDeliveryID, deliveryID)
	req.Header.Set(HeaderArtifactType, msg.AggregateType)
	if msg.DedupeKey != "" {
		req.Header.Set(HeaderDedupeKey, msg.DedupeKey)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return 0, err.Error()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, string(snippet)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, ""
}

// Ack marks a delivered webhook as acknowledged by the receiver. Acking an
// already-acked delivery is a no-op.
func Ack(ctx context.Context, st store.Store, tenantID, deliveryID string, at time.Time) (*domain.DeliveryRecord, error) {
	var out *domain.DeliveryRecord
	err := st.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		rec, err := tx.GetDelivery(ctx, tenantID, deliveryID)
		if err != nil {
			return err
		}
		switch rec.State {
		case domain.DeliveryAcked:
			out = rec
			return nil
		case domain.DeliveryDelivered:
			rec.State = domain.DeliveryAcked
			rec.AckedAt = domain.ISO(at)
			rec.UpdatedAt = domain.ISO(at)
			out = rec
			return tx.PutDelivery(ctx, rec)
		default:
			return derr.Conflict("DELIVERY_NOT_DELIVERED", "delivery %s is %s, cannot ack", deliveryID, rec.State)
		}
	})
	return out, err
}

func topicMatches(topics []string, topic string) bool {
	if len(topics) == 0 {
		return true
	}
	for _, t := range topics {
		if t == topic || t == "*" {
			return true
		}
	}
	return false
}
