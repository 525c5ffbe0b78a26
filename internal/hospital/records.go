package hospital

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/minasoft/abdm-relay/internal/db"
	"github.com/minasoft/abdm-relay/internal/gwclient"
	"github.com/minasoft/abdm-relay/internal/ids"
)

// Records creates health record references and announces them toward the
// gateway. The announcement is best-effort: a record is created and stays
// created whether or not the gateway heard about it.
type Records struct {
	store    *Store
	engine   *LinkingEngine
	gw       *gwclient.Client
	bridgeID string
}

func NewRecords(store *Store, engine *LinkingEngine, gw *gwclient.Client, bridgeID string) *Records {
	return &Records{
		store:    store,
		engine:   engine,
		gw:       gw,
		bridgeID: bridgeID,
	}
}

type CreateRecordParams struct {
	VisitID    string          `json:"visitId,omitempty"`
	ContextID  string          `json:"contextId,omitempty"`
	RecordType string          `json:"recordType"`
	RecordDate time.Time       `json:"recordDate,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// Create stores a health record for the patient. The record must attach to
// a care context; when none is named the engine's create-and-link runs as
// a side effect (and a failed link does not block the record).
func (r *Records) Create(ctx context.Context, patientID string, params CreateRecordParams) (*db.HealthRecord, error) {
	if params.RecordType == "" {
		return nil, errors.New("recordType is required")
	}
	if _, err := r.store.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}

	contextID := params.ContextID
	if contextID == "" {
		result, err := r.engine.CreateAndLink(ctx, CreateAndLinkParams{
			PatientID:   patientID,
			VisitID:     params.VisitID,
			ContextName: params.RecordType + " Records",
			ContextType: params.RecordType,
		})
		if err != nil {
			return nil, err
		}
		contextID = result.LocalContext.ID
	} else {
		cc, err := r.store.GetContext(ctx, contextID)
		if err != nil {
			return nil, err
		}
		if cc.PatientID != patientID {
			return nil, errors.New("care context belongs to another patient")
		}
		if cc.VisitID != "" {
			visit, err := r.store.GetVisit(ctx, cc.VisitID)
			if err == nil && visit.Terminal() {
				return nil, ErrVisitTerminal
			}
		}
	}

	rec := &db.HealthRecord{
		ID:         ids.New(),
		PatientID:  patientID,
		VisitID:    params.VisitID,
		ContextID:  contextID,
		RecordType: params.RecordType,
		RecordDate: params.RecordDate,
		Data:       params.Data,
		CreatedAt:  time.Now(),
	}
	if rec.RecordDate.IsZero() {
		rec.RecordDate = rec.CreatedAt
	}
	if err := r.store.PutRecord(ctx, rec); err != nil {
		return nil, err
	}
	slog.Info("Health record created",
		"recordId", rec.ID,
		"patientId", patientID,
		"contextId", contextID,
		"recordType", rec.RecordType)

	r.notify(ctx, rec)
	return rec, nil
}

// notify announces the record to the gateway and flips the acknowledgement
// flag on success. Runs independent of linking state.
func (r *Records) notify(ctx context.Context, rec *db.HealthRecord) {
	if r.gw == nil {
		return
	}

	patient, _ := r.store.GetPatient(ctx, rec.PatientID)
	notice := db.RecordNotice{
		RecordID:   rec.ID,
		PatientID:  rec.PatientID,
		ContextID:  rec.ContextID,
		RecordType: rec.RecordType,
		RecordDate: rec.RecordDate,
		BridgeID:   r.bridgeID,
	}
	if patient != nil {
		notice.AbhaID = patient.AbhaID
	}

	if err := r.gw.NotifyRecord(ctx, notice); err != nil {
		slog.Warn("Gateway record notification failed, record kept locally",
			"recordId", rec.ID,
			"error", err)
		return
	}

	rec.GatewayNotified = true
	if err := r.store.PutRecord(ctx, rec); err != nil {
		slog.Error("Acknowledgement flag could not be persisted", "recordId", rec.ID, "error", err)
	}
	slog.Info("Gateway notified of health record", "recordId", rec.ID)
}

// StoreExternal materializes records delivered by another node. Keyed by
// the incoming record ID, so replaying the same delivery is a no-op.
func (r *Records) StoreExternal(ctx context.Context, requestID, sourceHospital string, records []db.HealthRecord) error {
	for i := range records {
		rec := records[i]
		if rec.ID == "" {
			rec.ID = ids.New()
		}
		rec.SourceHospital = sourceHospital
		rec.RequestID = requestID
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now()
		}
		if err := r.store.PutRecord(ctx, &rec); err != nil {
			return err
		}
		slog.Info("External health record stored",
			"recordId", rec.ID,
			"requestId", requestID,
			"sourceHospital", sourceHospital)
	}
	return nil
}
