package hospital

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/abdm-relay/internal/db"
	"github.com/minasoft/abdm-relay/internal/ids"
	natsstore "github.com/minasoft/abdm-relay/internal/nats"
)

// EventHandler processes one webhook event. Handlers must be idempotent
// against replays of the same event ID; a returned error leaves the event
// pending for a later drain (at-least-once).
type EventHandler func(ctx context.Context, event *db.WebhookEvent) error

// Queue is the node's inbound webhook delivery queue: an append-only
// JetStream stream preserving insertion order, with a history bucket
// carrying the processed flags for inspection and replay detection.
type Queue struct {
	js      jetstream.JetStream
	history jetstream.KeyValue

	mu       sync.RWMutex
	handlers map[string]EventHandler

	locks keyedMutex
}

func NewQueue(ctx context.Context, js jetstream.JetStream) (*Queue, error) {
	history, err := js.KeyValue(ctx, natsstore.WebhookHistoryBucket)
	if err != nil {
		return nil, fmt.Errorf("webhook history KV could not be opened: %w", err)
	}
	return &Queue{
		js:       js,
		history:  history,
		handlers: make(map[string]EventHandler),
	}, nil
}

// Handle registers the handler for an event type.
func (q *Queue) Handle(eventType string, handler EventHandler) {
	q.mu.Lock()
	q.handlers[eventType] = handler
	q.mu.Unlock()
}

// Enqueue appends an inbound event. Called by the transport layer on
// receipt of any callback; assigns receivedAt and preserves arrival order.
func (q *Queue) Enqueue(ctx context.Context, event db.WebhookEvent) (*db.WebhookEvent, error) {
	if event.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	if event.ID == "" {
		event.ID = ids.New()
	}
	event.ReceivedAt = time.Now()
	event.Processed = false

	if err := q.putHistory(ctx, &event); err != nil {
		return nil, err
	}

	data, err := json.Marshal(&event)
	if err != nil {
		return nil, fmt.Errorf("event could not be serialized: %w", err)
	}
	subject := natsstore.WebhookSubjectPrefix + event.ID
	if _, err := q.js.Publish(ctx, subject, data); err != nil {
		// Without the stream entry no drain will ever reach this event, so
		// the history row must not survive as phantom pending work.
		if derr := q.history.Delete(ctx, event.ID); derr != nil {
			slog.Error("History rollback failed", "eventId", event.ID, "error", derr)
		}
		return nil, fmt.Errorf("event could not be enqueued: %w", err)
	}

	slog.Info("Webhook event enqueued",
		"eventId", event.ID,
		"type", event.Type,
		"fromBridge", event.FromBridge)
	return &event, nil
}

// Start runs the consumer. MaxAckPending 1 keeps processing strictly in
// enqueue order with a single in-flight event; the keyed locks additionally
// serialize same-context/same-request handling should the consumer ever be
// widened.
func (q *Queue) Start(ctx context.Context) error {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, natsstore.WebhookStream, jetstream.ConsumerConfig{
		Name:          "webhook-processor",
		Description:   "Processes inbound webhook events in enqueue order",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("webhook consumer could not be created: %w", err)
	}

	go func() {
		slog.Info("Webhook consumer started", "stream", natsstore.WebhookStream)

		cons, err := consumer.Consume(func(msg jetstream.Msg) {
			q.process(ctx, msg)
		})
		if err != nil {
			slog.Error("Webhook consumer error", "error", err)
			return
		}

		<-ctx.Done()
		cons.Stop()
	}()

	return nil
}

func (q *Queue) process(ctx context.Context, msg jetstream.Msg) {
	var event db.WebhookEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		slog.Error("Webhook event could not be parsed", "error", err)
		msg.Term()
		return
	}

	// Replay guard: the same event ID processed before is a no-op.
	if stored, err := q.getHistory(ctx, event.ID); err == nil && stored.Processed {
		slog.Debug("Replayed webhook event skipped", "eventId", event.ID)
		msg.Ack()
		return
	}

	unlock := q.locks.lock(event.Key())
	defer unlock()

	q.mu.RLock()
	handler, ok := q.handlers[event.Type]
	q.mu.RUnlock()
	if !ok {
		// Semantic error: unknown type is logged and discarded, not retried.
		slog.Warn("Webhook event of unknown type discarded",
			"eventId", event.ID,
			"type", event.Type)
		event.Processed = true
		event.LastError = "unknown event type"
		q.putHistory(ctx, &event)
		msg.Term()
		return
	}

	if err := handler(ctx, &event); err != nil {
		slog.Error("Webhook event handling failed, left pending",
			"eventId", event.ID,
			"type", event.Type,
			"error", err)
		event.LastError = err.Error()
		q.putHistory(ctx, &event)
		msg.Nak()
		return
	}

	event.Processed = true
	event.LastError = ""
	if err := q.putHistory(ctx, &event); err != nil {
		slog.Error("Processed flag could not be persisted", "eventId", event.ID, "error", err)
	}

	slog.Info("Webhook event processed", "eventId", event.ID, "type", event.Type)
	msg.Ack()
}

// Events lists queue entries in received order, optionally only the
// unprocessed ones.
func (q *Queue) Events(ctx context.Context, unprocessedOnly bool) ([]db.WebhookEvent, error) {
	keys, err := q.history.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return []db.WebhookEvent{}, nil
		}
		return nil, err
	}

	events := make([]db.WebhookEvent, 0, len(keys))
	for _, key := range keys {
		entry, err := q.history.Get(ctx, key)
		if err != nil {
			continue
		}
		var event db.WebhookEvent
		if json.Unmarshal(entry.Value(), &event) != nil {
			continue
		}
		if unprocessedOnly && event.Processed {
			continue
		}
		events = append(events, event)
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].ReceivedAt.Equal(events[j].ReceivedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].ReceivedAt.Before(events[j].ReceivedAt)
	})
	return events, nil
}

// Clear unconditionally discards all queued and historical events. This is
// an operator-only, data-loss action; the HTTP boundary requires explicit
// confirmation before calling it.
func (q *Queue) Clear(ctx context.Context) error {
	stream, err := q.js.Stream(ctx, natsstore.WebhookStream)
	if err != nil {
		return fmt.Errorf("webhook stream could not be opened: %w", err)
	}
	if err := stream.Purge(ctx); err != nil {
		return fmt.Errorf("webhook stream could not be purged: %w", err)
	}

	keys, err := q.history.Keys(ctx)
	if err != nil && err != jetstream.ErrNoKeysFound {
		return err
	}
	for _, key := range keys {
		if err := q.history.Delete(ctx, key); err != nil {
			slog.Error("History entry could not be deleted", "eventId", key, "error", err)
		}
	}

	slog.Warn("Webhook queue cleared")
	return nil
}

func (q *Queue) putHistory(ctx context.Context, event *db.WebhookEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event could not be serialized: %w", err)
	}
	if _, err := q.history.Put(ctx, event.ID, data); err != nil {
		return fmt.Errorf("event history could not be stored: %w", err)
	}
	return nil
}

func (q *Queue) getHistory(ctx context.Context, eventID string) (*db.WebhookEvent, error) {
	entry, err := q.history.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	var event db.WebhookEvent
	if err := json.Unmarshal(entry.Value(), &event); err != nil {
		return nil, err
	}
	return &event, nil
}
