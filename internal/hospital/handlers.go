package hospital

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/minasoft/abdm-relay/internal/db"
	"github.com/minasoft/abdm-relay/internal/gwclient"
)

// RegisterHandlers wires the type-specific webhook handlers: linking
// confirmations update the care context, data requests are serviced from
// the local record store (HIP), deliveries are materialized as external
// records (HIU). Consent and plain notifications are acknowledged and
// logged only.
func RegisterHandlers(q *Queue, store *Store, engine *LinkingEngine, records *Records, gw *gwclient.Client) {
	q.Handle(db.EventLinking, func(ctx context.Context, event *db.WebhookEvent) error {
		var payload struct {
			ContextID string `json:"contextId"`
			Status    string `json:"status"`
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return fmt.Errorf("linking payload could not be parsed: %w", err)
		}
		if payload.ContextID == "" {
			return errors.New("linking payload has no contextId")
		}

		err := engine.MarkLinked(ctx, payload.ContextID)
		if errors.Is(err, ErrContextNotFound) {
			// A counterpart's context; nothing to update locally.
			slog.Debug("Linking notice for foreign context",
				"contextId", payload.ContextID,
				"status", payload.Status)
			return nil
		}
		return err
	})

	q.Handle(db.EventDataRequest, func(ctx context.Context, event *db.WebhookEvent) error {
		var payload struct {
			RequestID      string   `json:"requestId"`
			PatientID      string   `json:"patientId"`
			ConsentID      string   `json:"consentId"`
			CareContextIDs []string `json:"careContextIds"`
			DataTypes      []string `json:"dataTypes"`
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return fmt.Errorf("data-request payload could not be parsed: %w", err)
		}

		recs, err := store.RecordsByContexts(ctx, payload.CareContextIDs)
		if err != nil {
			return fmt.Errorf("records could not be read: %w", err)
		}

		filtered := filterByType(recs, payload.DataTypes)
		data, err := json.Marshal(filtered)
		if err != nil {
			return fmt.Errorf("records could not be serialized: %w", err)
		}

		slog.Info("Servicing data request",
			"requestId", payload.RequestID,
			"consentId", payload.ConsentID,
			"recordCount", len(filtered))

		if gw == nil {
			return errors.New("gateway client not configured")
		}
		return gw.SendDataResponse(ctx, gwclient.DataResponseBody{
			RequestID: payload.RequestID,
			PatientID: payload.PatientID,
			Records:   data,
		})
	})

	q.Handle(db.EventDataDelivery, func(ctx context.Context, event *db.WebhookEvent) error {
		var payload struct {
			RequestID string            `json:"requestId"`
			PatientID string            `json:"patientId"`
			Records   []db.HealthRecord `json:"records"`
		}
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return fmt.Errorf("data-delivery payload could not be parsed: %w", err)
		}

		slog.Info("Materializing delivered records",
			"requestId", payload.RequestID,
			"recordCount", len(payload.Records))
		return records.StoreExternal(ctx, payload.RequestID, event.FromBridge, payload.Records)
	})

	q.Handle(db.EventConsent, func(ctx context.Context, event *db.WebhookEvent) error {
		slog.Info("Consent notification received", "eventId", event.ID)
		return nil
	})

	q.Handle(db.EventNotification, func(ctx context.Context, event *db.WebhookEvent) error {
		var notice db.RecordNotice
		if err := json.Unmarshal(event.Data, &notice); err != nil {
			return fmt.Errorf("notification payload could not be parsed: %w", err)
		}
		slog.Info("Record availability notice received",
			"recordId", notice.RecordID,
			"recordType", notice.RecordType,
			"fromBridge", notice.BridgeID)
		return nil
	})
}

func filterByType(recs []*db.HealthRecord, dataTypes []string) []*db.HealthRecord {
	if len(dataTypes) == 0 {
		return recs
	}
	wanted := make(map[string]bool, len(dataTypes))
	for _, t := range dataTypes {
		wanted[t] = true
	}
	var out []*db.HealthRecord
	for _, rec := range recs {
		if wanted[rec.RecordType] {
			out = append(out, rec)
		}
	}
	return out
}
