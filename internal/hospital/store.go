package hospital

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/minasoft/abdm-relay/internal/db"
	"github.com/minasoft/abdm-relay/internal/ids"
	natsstore "github.com/minasoft/abdm-relay/internal/nats"
)

var (
	ErrPatientNotFound = errors.New("patient not found")
	ErrVisitNotFound   = errors.New("visit not found")
	ErrContextNotFound = errors.New("care context not found")
	ErrVisitTerminal   = errors.New("visit is in a terminal status")
)

// Store is the hospital node's persistence layer over JetStream KV.
type Store struct {
	patients jetstream.KeyValue
	visits   jetstream.KeyValue
	contexts jetstream.KeyValue
	index    jetstream.KeyValue
	records  jetstream.KeyValue
}

func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	s := &Store{}
	for _, b := range []struct {
		bucket string
		kv     *jetstream.KeyValue
	}{
		{natsstore.PatientsBucket, &s.patients},
		{natsstore.VisitsBucket, &s.visits},
		{natsstore.CareContextsBucket, &s.contexts},
		{natsstore.CareContextIndexBucket, &s.index},
		{natsstore.HealthRecordsBucket, &s.records},
	} {
		kv, err := js.KeyValue(ctx, b.bucket)
		if err != nil {
			return nil, fmt.Errorf("%s KV could not be opened: %w", b.bucket, err)
		}
		*b.kv = kv
	}
	return s, nil
}

// --- Patients ---

func (s *Store) CreatePatient(ctx context.Context, p *db.Patient) (*db.Patient, error) {
	if p.Name == "" || p.Mobile == "" {
		return nil, errors.New("name and mobile are required")
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	p.CreatedAt = time.Now()
	if err := putJSON(ctx, s.patients, p.ID, p); err != nil {
		return nil, err
	}
	slog.Info("Patient registered", "patientId", p.ID)
	return p, nil
}

func (s *Store) GetPatient(ctx context.Context, patientID string) (*db.Patient, error) {
	var p db.Patient
	if err := getJSON(ctx, s.patients, patientID, &p); err != nil {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (s *Store) ListPatients(ctx context.Context) ([]*db.Patient, error) {
	var out []*db.Patient
	err := eachValue(ctx, s.patients, func(value []byte) {
		var p db.Patient
		if json.Unmarshal(value, &p) == nil {
			out = append(out, &p)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Visits ---

func (s *Store) CreateVisit(ctx context.Context, v *db.Visit) (*db.Visit, error) {
	if _, err := s.GetPatient(ctx, v.PatientID); err != nil {
		return nil, err
	}
	if v.VisitType == "" || v.Department == "" {
		return nil, errors.New("visitType and department are required")
	}
	if v.ID == "" {
		v.ID = ids.New()
	}
	if v.Status == "" {
		v.Status = db.VisitScheduled
	}
	if v.VisitDate.IsZero() {
		v.VisitDate = time.Now()
	}
	if err := putJSON(ctx, s.visits, v.ID, v); err != nil {
		return nil, err
	}
	slog.Info("Visit created", "visitId", v.ID, "patientId", v.PatientID)
	return v, nil
}

func (s *Store) GetVisit(ctx context.Context, visitID string) (*db.Visit, error) {
	var v db.Visit
	if err := getJSON(ctx, s.visits, visitID, &v); err != nil {
		return nil, ErrVisitNotFound
	}
	return &v, nil
}

func (s *Store) VisitsByPatient(ctx context.Context, patientID string) ([]*db.Visit, error) {
	var out []*db.Visit
	err := eachValue(ctx, s.visits, func(value []byte) {
		var v db.Visit
		if json.Unmarshal(value, &v) == nil && v.PatientID == patientID {
			out = append(out, &v)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VisitDate.Before(out[j].VisitDate) })
	return out, nil
}

var visitRank = map[string]int{
	db.VisitScheduled:  0,
	db.VisitInProgress: 1,
	db.VisitCompleted:  2,
	db.VisitCancelled:  2,
}

// UpdateVisitStatus enforces the monotonic visit lifecycle: forward moves
// only, Cancelled reachable from Scheduled alone, terminal states final.
func (s *Store) UpdateVisitStatus(ctx context.Context, visitID, status string) (*db.Visit, error) {
	v, err := s.GetVisit(ctx, visitID)
	if err != nil {
		return nil, err
	}
	newRank, ok := visitRank[status]
	if !ok {
		return nil, fmt.Errorf("unknown visit status %q", status)
	}
	if v.Terminal() {
		return nil, fmt.Errorf("visit %s is already %s", visitID, v.Status)
	}
	if status == db.VisitCancelled && v.Status != db.VisitScheduled {
		return nil, fmt.Errorf("visit can only be cancelled while Scheduled")
	}
	if newRank <= visitRank[v.Status] {
		return nil, fmt.Errorf("visit status cannot move from %s to %s", v.Status, status)
	}
	v.Status = status
	if err := putJSON(ctx, s.visits, v.ID, v); err != nil {
		return nil, err
	}
	slog.Info("Visit status updated", "visitId", visitID, "status", status)
	return v, nil
}

// --- Care contexts ---

func (s *Store) GetContext(ctx context.Context, contextID string) (*db.CareContext, error) {
	var cc db.CareContext
	if err := getJSON(ctx, s.contexts, contextID, &cc); err != nil {
		return nil, ErrContextNotFound
	}
	return &cc, nil
}

func (s *Store) ContextsByPatient(ctx context.Context, patientID string) ([]*db.CareContext, error) {
	var out []*db.CareContext
	err := eachValue(ctx, s.contexts, func(value []byte) {
		var cc db.CareContext
		if json.Unmarshal(value, &cc) == nil && cc.PatientID == patientID {
			out = append(out, &cc)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ContextByVisit resolves the context created for a (patient, visit) pair
// through the uniqueness index.
func (s *Store) ContextByVisit(ctx context.Context, patientID, visitID string) (*db.CareContext, error) {
	entry, err := s.index.Get(ctx, indexKey(patientID, visitID))
	if err != nil {
		return nil, ErrContextNotFound
	}
	return s.GetContext(ctx, string(entry.Value()))
}

// CreateContext persists a new care context. For visit-bound contexts the
// index entry is created first-writer-wins; the losing writer of a
// concurrent race gets the winner's context back instead of an error.
func (s *Store) CreateContext(ctx context.Context, cc *db.CareContext) (*db.CareContext, bool, error) {
	if cc.ID == "" {
		cc.ID = ids.New()
	}
	cc.CreatedAt = time.Now()

	if cc.VisitID != "" {
		_, err := s.index.Create(ctx, indexKey(cc.PatientID, cc.VisitID), []byte(cc.ID))
		if err != nil {
			existing, lookupErr := s.ContextByVisit(ctx, cc.PatientID, cc.VisitID)
			if lookupErr == nil {
				return existing, false, nil
			}
			return nil, false, fmt.Errorf("context index could not be created: %w", err)
		}
	}

	if err := putJSON(ctx, s.contexts, cc.ID, cc); err != nil {
		return nil, false, err
	}
	slog.Info("Care context created",
		"contextId", cc.ID,
		"patientId", cc.PatientID,
		"visitId", cc.VisitID,
		"contextName", cc.ContextName)
	return cc, true, nil
}

func (s *Store) UpdateContext(ctx context.Context, cc *db.CareContext) error {
	return putJSON(ctx, s.contexts, cc.ID, cc)
}

// --- Health records ---

func (s *Store) PutRecord(ctx context.Context, rec *db.HealthRecord) error {
	return putJSON(ctx, s.records, rec.ID, rec)
}

func (s *Store) RecordsByPatient(ctx context.Context, patientID string) ([]*db.HealthRecord, error) {
	var out []*db.HealthRecord
	err := eachValue(ctx, s.records, func(value []byte) {
		var rec db.HealthRecord
		if json.Unmarshal(value, &rec) == nil && rec.PatientID == patientID {
			out = append(out, &rec)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RecordsByContexts(ctx context.Context, contextIDs []string) ([]*db.HealthRecord, error) {
	wanted := make(map[string]bool, len(contextIDs))
	for _, id := range contextIDs {
		wanted[id] = true
	}
	var out []*db.HealthRecord
	err := eachValue(ctx, s.records, func(value []byte) {
		var rec db.HealthRecord
		if json.Unmarshal(value, &rec) == nil && wanted[rec.ContextID] {
			out = append(out, &rec)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- helpers ---

func indexKey(patientID, visitID string) string {
	return patientID + "." + visitID
}

func putJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("entry could not be serialized: %w", err)
	}
	if _, err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("entry could not be stored: %w", err)
	}
	return nil
}

func getJSON(ctx context.Context, kv jetstream.KeyValue, key string, v any) error {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(entry.Value(), v)
}

func eachValue(ctx context.Context, kv jetstream.KeyValue, fn func(value []byte)) error {
	keys, err := kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return err
	}
	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			continue
		}
		fn(entry.Value())
	}
	return nil
}
