package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/abdm-relay/internal/db"
	natsstore "github.com/minasoft/abdm-relay/internal/nats"
)

// NoticeBoard stores record-availability announcements from HIP nodes and
// fans a notification webhook out to interested bridges. Announcements are
// independent of linking state: a record notice for an unlinked context is
// still stored.
type NoticeBoard struct {
	notices    jetstream.KeyValue
	dispatcher *Dispatcher
}

func NewNoticeBoard(ctx context.Context, js jetstream.JetStream, dispatcher *Dispatcher) (*NoticeBoard, error) {
	notices, err := js.KeyValue(ctx, natsstore.RecordNoticesBucket)
	if err != nil {
		return nil, fmt.Errorf("record notices KV could not be opened: %w", err)
	}
	return &NoticeBoard{notices: notices, dispatcher: dispatcher}, nil
}

// Announce stores the notice keyed by record ID (idempotent against the
// notifier retrying) and notifies counterpart bridges.
func (n *NoticeBoard) Announce(ctx context.Context, notice db.RecordNotice) error {
	if notice.RecordID == "" {
		return fmt.Errorf("recordId is required")
	}
	if notice.NotifiedAt.IsZero() {
		notice.NotifiedAt = time.Now()
	}

	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("notice could not be serialized: %w", err)
	}
	if _, err := n.notices.Put(ctx, notice.RecordID, data); err != nil {
		return fmt.Errorf("notice could not be stored: %w", err)
	}

	slog.Info("Health record announced",
		"recordId", notice.RecordID,
		"patientId", notice.PatientID,
		"recordType", notice.RecordType,
		"bridgeId", notice.BridgeID)

	n.dispatcher.FanOut(ctx, notice.BridgeID, db.WebhookEvent{
		Type:       db.EventNotification,
		Event:      "record-available",
		FromBridge: notice.BridgeID,
		Data:       data,
	})
	return nil
}
