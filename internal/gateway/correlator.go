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
	"github.com/minasoft/abdm-relay/internal/ids"
	natsstore "github.com/minasoft/abdm-relay/internal/nats"
)

var ErrRequestNotFound = errors.New("data request not found")

// Correlator matches outgoing data requests to their asynchronous
// responses by correlation ID. State transitions are revision-checked
// against the KV store so a late delivery and an external timeout mark
// cannot both win.
type Correlator struct {
	requests   jetstream.KeyValue
	links      *LinkRelay
	registry   *Registry
	dispatcher *Dispatcher
}

func NewCorrelator(ctx context.Context, js jetstream.JetStream, links *LinkRelay, registry *Registry, dispatcher *Dispatcher) (*Correlator, error) {
	requests, err := js.KeyValue(ctx, natsstore.DataRequestsBucket)
	if err != nil {
		return nil, fmt.Errorf("data requests KV could not be opened: %w", err)
	}
	return &Correlator{
		requests:   requests,
		links:      links,
		registry:   registry,
		dispatcher: dispatcher,
	}, nil
}

type InitiateParams struct {
	HIUID          string   `json:"hiuId"`
	HIPID          string   `json:"hipId,omitempty"`
	PatientID      string   `json:"patientId,omitempty"`
	ConsentID      string   `json:"consentId"`
	CareContextIDs []string `json:"careContextIds"`
	DataTypes      []string `json:"dataTypes"`
}

// Initiate persists a fresh data request and dispatches it toward the HIP
// owning the referenced care contexts. The request transitions to
// awaiting-response on successful dispatch and to failed when dispatch
// itself errors; in both cases the persisted request is returned so the
// caller can poll it by ID.
func (c *Correlator) Initiate(ctx context.Context, params InitiateParams) (*db.DataRequest, error) {
	req := &db.DataRequest{
		ID:             ids.New(),
		HIUID:          params.HIUID,
		HIPID:          params.HIPID,
		PatientID:      params.PatientID,
		ConsentID:      params.ConsentID,
		CareContextIDs: params.CareContextIDs,
		DataTypes:      params.DataTypes,
		Status:         db.RequestInitiated,
		RequestedAt:    time.Now(),
	}
	if err := c.create(ctx, req); err != nil {
		return nil, err
	}

	hipID := params.HIPID
	if hipID == "" {
		if len(params.CareContextIDs) == 0 {
			return c.fail(ctx, req, "no care contexts referenced")
		}
		link, err := c.links.Resolve(ctx, params.CareContextIDs[0])
		if err != nil {
			return c.fail(ctx, req, fmt.Sprintf("care context %s is not linked", params.CareContextIDs[0]))
		}
		hipID = link.BridgeID
	}
	req.HIPID = hipID

	if _, err := c.registry.Lookup(ctx, hipID); err != nil {
		return c.fail(ctx, req, fmt.Sprintf("bridge %s is not registered", hipID))
	}

	payload, _ := json.Marshal(map[string]any{
		"requestId":      req.ID,
		"hiuId":          req.HIUID,
		"hipId":          hipID,
		"patientId":      req.PatientID,
		"consentId":      req.ConsentID,
		"careContextIds": req.CareContextIDs,
		"dataTypes":      req.DataTypes,
	})
	event := db.WebhookEvent{
		Type:       db.EventDataRequest,
		Event:      "data-requested",
		FromBridge: req.HIUID,
		Data:       payload,
	}
	if err := c.dispatcher.Enqueue(ctx, hipID, event); err != nil {
		return c.fail(ctx, req, "dispatch failed: "+err.Error())
	}

	req.Status = db.RequestAwaiting
	req.Error = ""
	if err := c.update(ctx, req); err != nil {
		return nil, err
	}

	slog.Info("Data request dispatched",
		"requestId", req.ID,
		"hiuId", req.HIUID,
		"hipId", hipID)
	return req, nil
}

// HandleResponse resolves a data request with the delivered records. A
// response for an unknown or already-resolved request ID is a duplicate or
// stale delivery: it is logged and discarded without error. The returned
// bool reports whether the response was applied.
func (c *Correlator) HandleResponse(ctx context.Context, requestID, patientID string, records json.RawMessage) (bool, error) {
	req, rev, err := c.get(ctx, requestID)
	if err != nil {
		slog.Warn("Response for unknown request discarded", "requestId", requestID)
		return false, nil
	}
	if req.Status != db.RequestAwaiting {
		slog.Warn("Stale or duplicate response discarded",
			"requestId", requestID,
			"status", req.Status)
		return false, nil
	}

	now := time.Now()
	req.Status = db.RequestFulfilled
	req.Records = records
	req.ResolvedAt = &now

	if err := c.updateRev(ctx, req, rev); err != nil {
		// Lost the race against a concurrent transition; treat as stale.
		slog.Warn("Response lost transition race, discarded", "requestId", requestID)
		return false, nil
	}

	slog.Info("Data request fulfilled", "requestId", requestID, "hiuId", req.HIUID)

	// Deliver the records to the requesting HIU.
	var count int
	var recordList []json.RawMessage
	if json.Unmarshal(records, &recordList) == nil {
		count = len(recordList)
	}
	payload, _ := json.Marshal(map[string]any{
		"requestId": requestID,
		"patientId": patientID,
		"status":    "DELIVERED",
		"dataCount": count,
		"records":   records,
	})
	if err := c.dispatcher.Enqueue(ctx, req.HIUID, db.WebhookEvent{
		Type:       db.EventDataDelivery,
		Event:      "data-delivered",
		FromBridge: req.HIPID,
		Data:       payload,
	}); err != nil {
		slog.Error("Delivery enqueue failed", "requestId", requestID, "error", err)
	}

	return true, nil
}

// Get returns the current state of a data request. Pure read.
func (c *Correlator) Get(ctx context.Context, requestID string) (*db.DataRequest, error) {
	req, _, err := c.get(ctx, requestID)
	return req, err
}

// MarkTimedOut applies the caller-supplied deadline policy: an
// awaiting-response request becomes timed-out, after which late responses
// are rejected as stale. Any other state is left untouched.
func (c *Correlator) MarkTimedOut(ctx context.Context, requestID string) (bool, error) {
	req, rev, err := c.get(ctx, requestID)
	if err != nil {
		return false, err
	}
	if req.Status != db.RequestAwaiting {
		return false, nil
	}
	now := time.Now()
	req.Status = db.RequestTimedOut
	req.ResolvedAt = &now
	if err := c.updateRev(ctx, req, rev); err != nil {
		return false, nil
	}
	slog.Info("Data request marked timed-out", "requestId", requestID)
	return true, nil
}

func (c *Correlator) fail(ctx context.Context, req *db.DataRequest, reason string) (*db.DataRequest, error) {
	req.Status = db.RequestFailed
	req.Error = reason
	if err := c.update(ctx, req); err != nil {
		return nil, err
	}
	slog.Warn("Data request dispatch failed", "requestId", req.ID, "reason", reason)
	return req, fmt.Errorf("data request %s failed: %s", req.ID, reason)
}

func (c *Correlator) get(ctx context.Context, requestID string) (*db.DataRequest, uint64, error) {
	entry, err := c.requests.Get(ctx, requestID)
	if err != nil {
		return nil, 0, ErrRequestNotFound
	}
	var req db.DataRequest
	if err := json.Unmarshal(entry.Value(), &req); err != nil {
		return nil, 0, fmt.Errorf("request entry could not be parsed: %w", err)
	}
	return &req, entry.Revision(), nil
}

func (c *Correlator) create(ctx context.Context, req *db.DataRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("request could not be serialized: %w", err)
	}
	if _, err := c.requests.Create(ctx, req.ID, data); err != nil {
		return fmt.Errorf("request could not be stored: %w", err)
	}
	return nil
}

func (c *Correlator) update(ctx context.Context, req *db.DataRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("request could not be serialized: %w", err)
	}
	if _, err := c.requests.Put(ctx, req.ID, data); err != nil {
		return fmt.Errorf("request could not be updated: %w", err)
	}
	return nil
}

func (c *Correlator) updateRev(ctx context.Context, req *db.DataRequest, rev uint64) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("request could not be serialized: %w", err)
	}
	if _, err := c.requests.Update(ctx, req.ID, data, rev); err != nil {
		return err
	}
	return nil
}
