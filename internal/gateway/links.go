package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/abdm-relay/internal/db"
	natsstore "github.com/minasoft/abdm-relay/internal/nats"
)

var ErrLinkNotFound = errors.New("care context link not found")

// LinkRelay holds the gateway's view of node-owned care contexts: a
// reference per context plus the bridge it belongs to. On a successful bind
// it fans a linking notification out to the counterpart bridges.
type LinkRelay struct {
	links      jetstream.KeyValue
	registry   *Registry
	dispatcher *Dispatcher
}

func NewLinkRelay(ctx context.Context, js jetstream.JetStream, registry *Registry, dispatcher *Dispatcher) (*LinkRelay, error) {
	links, err := js.KeyValue(ctx, natsstore.LinksBucket)
	if err != nil {
		return nil, fmt.Errorf("links KV could not be opened: %w", err)
	}
	return &LinkRelay{links: links, registry: registry, dispatcher: dispatcher}, nil
}

type BindRequest struct {
	PatientID    string `json:"patientId"`
	HIPID        string `json:"hipId"`
	CareContexts []struct {
		ID              string `json:"id"`
		ReferenceNumber string `json:"referenceNumber"`
	} `json:"careContexts"`
}

// Bind records the link between the patient's central identity and the
// node's care contexts, then notifies counterpart bridges. The binding
// bridge must be registered; an unknown bridge is a semantic error and
// nothing is stored.
func (l *LinkRelay) Bind(ctx context.Context, req BindRequest) error {
	if req.PatientID == "" || len(req.CareContexts) == 0 {
		return errors.New("patientId and careContexts are required")
	}
	if _, err := l.registry.Lookup(ctx, req.HIPID); err != nil {
		return fmt.Errorf("unknown bridge %q: %w", req.HIPID, err)
	}

	now := time.Now()
	for _, cc := range req.CareContexts {
		link := db.ContextLink{
			ContextID:       cc.ID,
			PatientID:       req.PatientID,
			ReferenceNumber: cc.ReferenceNumber,
			BridgeID:        req.HIPID,
			LinkedAt:        now,
		}
		data, err := json.Marshal(link)
		if err != nil {
			return fmt.Errorf("link could not be serialized: %w", err)
		}
		if _, err := l.links.Put(ctx, cc.ID, data); err != nil {
			return fmt.Errorf("link could not be stored: %w", err)
		}

		slog.Info("Care context linked",
			"contextId", cc.ID,
			"patientId", req.PatientID,
			"bridgeId", req.HIPID)

		payload, _ := json.Marshal(map[string]string{
			"contextId":       cc.ID,
			"patientId":       req.PatientID,
			"referenceNumber": cc.ReferenceNumber,
			"hipId":           req.HIPID,
			"status":          "LINKED",
		})
		l.dispatcher.FanOut(ctx, req.HIPID, db.WebhookEvent{
			Type:       db.EventLinking,
			Event:      "care-context-linked",
			FromBridge: req.HIPID,
			Data:       payload,
		})
	}

	return nil
}

// Resolve returns the bridge that owns a linked care context.
func (l *LinkRelay) Resolve(ctx context.Context, contextID string) (*db.ContextLink, error) {
	entry, err := l.links.Get(ctx, contextID)
	if err != nil {
		return nil, ErrLinkNotFound
	}
	var link db.ContextLink
	if err := json.Unmarshal(entry.Value(), &link); err != nil {
		return nil, fmt.Errorf("link entry could not be parsed: %w", err)
	}
	return &link, nil
}
