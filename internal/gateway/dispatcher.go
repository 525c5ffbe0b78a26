package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/abdm-relay/internal/db"
	"github.com/minasoft/abdm-relay/internal/ids"
	natsstore "github.com/minasoft/abdm-relay/internal/nats"
)

// Dispatcher drains the durable outbound queue and delivers webhook events
// to the callback URL registered for the target bridge. Delivery is
// at-least-once: a failed POST is Nak'ed and redelivered up to MaxDeliver.
type Dispatcher struct {
	js         jetstream.JetStream
	registry   *Registry
	httpClient *http.Client
}

type dispatchJob struct {
	BridgeID string          `json:"bridgeId"`
	Event    db.WebhookEvent `json:"event"`
}

func NewDispatcher(js jetstream.JetStream, registry *Registry, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		js:         js,
		registry:   registry,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Enqueue appends a webhook event for one bridge to the dispatch queue.
func (d *Dispatcher) Enqueue(ctx context.Context, bridgeID string, event db.WebhookEvent) error {
	if event.ID == "" {
		event.ID = ids.New()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}

	job := dispatchJob{BridgeID: bridgeID, Event: event}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("dispatch job could not be serialized: %w", err)
	}

	subject := fmt.Sprintf("%s%s.%s", natsstore.DispatchSubjectPrefix, bridgeID, event.ID)
	if _, err := d.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("dispatch publish failed: %w", err)
	}

	slog.Info("Webhook event enqueued for dispatch",
		"eventId", event.ID,
		"type", event.Type,
		"bridgeId", bridgeID)
	return nil
}

// FanOut enqueues the event for every registered bridge with a callback
// URL, except the originating one.
func (d *Dispatcher) FanOut(ctx context.Context, exceptBridgeID string, event db.WebhookEvent) {
	regs, err := d.registry.All(ctx)
	if err != nil {
		slog.Error("Bridge list could not be read for fan-out", "error", err)
		return
	}
	for _, reg := range regs {
		if reg.BridgeID == exceptBridgeID || reg.CallbackURL == "" {
			continue
		}
		// Fresh event ID per target so redeliveries stay distinguishable.
		ev := event
		ev.ID = ids.New()
		if err := d.Enqueue(ctx, reg.BridgeID, ev); err != nil {
			slog.Error("Fan-out enqueue failed", "bridgeId", reg.BridgeID, "error", err)
		}
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	consumer, err := d.js.CreateOrUpdateConsumer(ctx, natsstore.DispatchStream, jetstream.ConsumerConfig{
		Name:          "webhook-dispatcher",
		Description:   "Delivers queued webhook events to bridge callback URLs",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
	})
	if err != nil {
		return fmt.Errorf("dispatcher consumer could not be created: %w", err)
	}

	go func() {
		slog.Info("Webhook dispatcher started", "stream", natsstore.DispatchStream)

		cons, err := consumer.Consume(func(msg jetstream.Msg) {
			d.deliver(ctx, msg)
		})
		if err != nil {
			slog.Error("Dispatcher consumer error", "error", err)
			return
		}

		<-ctx.Done()
		cons.Stop()
	}()

	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg jetstream.Msg) {
	var job dispatchJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		slog.Error("Dispatch job could not be parsed", "error", err)
		msg.Term()
		return
	}

	reg, err := d.registry.Lookup(ctx, job.BridgeID)
	if err != nil || reg.CallbackURL == "" {
		// Bridge may register its URL later; keep retrying within MaxDeliver.
		slog.Warn("No callback URL for bridge, delivery deferred",
			"bridgeId", job.BridgeID,
			"eventId", job.Event.ID)
		msg.Nak()
		return
	}

	if err := d.post(ctx, reg.CallbackURL, job.Event); err != nil {
		slog.Error("Webhook delivery failed",
			"eventId", job.Event.ID,
			"bridgeId", job.BridgeID,
			"callbackUrl", reg.CallbackURL,
			"error", err)
		msg.Nak()
		return
	}

	slog.Info("Webhook event delivered",
		"eventId", job.Event.ID,
		"type", job.Event.Type,
		"bridgeId", job.BridgeID)
	msg.Ack()
}

func (d *Dispatcher) post(ctx context.Context, callbackURL string, event db.WebhookEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event could not be serialized: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("REQUEST-ID", ids.New())
	req.Header.Set("TIMESTAMP", ids.Timestamp())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("callback unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	return nil
}
