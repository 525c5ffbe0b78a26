package hospital

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/minasoft/abdm-relay/internal/db"
	"github.com/minasoft/abdm-relay/internal/gwclient"
)

// LinkingEngine owns care context creation and its linking state machine.
//
// The local context is written first and is never rolled back: a failed
// bind leaves the context usable for attaching health records, only its
// network visibility is affected. Valid transitions are pending->linked
// and pending->failed; a later create-and-link call for the same visit
// re-attempts the bind on a failed context instead of creating a second
// row.
type LinkingEngine struct {
	store    *Store
	gw       *gwclient.Client
	bridgeID string
	locks    keyedMutex
}

func NewLinkingEngine(store *Store, gw *gwclient.Client, bridgeID string) *LinkingEngine {
	return &LinkingEngine{
		store:    store,
		gw:       gw,
		bridgeID: bridgeID,
	}
}

type CreateAndLinkParams struct {
	PatientID   string `json:"patientId"`
	VisitID     string `json:"visitId,omitempty"`
	ContextName string `json:"contextName"`
	ContextType string `json:"contextType,omitempty"`
	Description string `json:"description,omitempty"`
}

type CreateAndLinkResult struct {
	LocalContext    *db.CareContext       `json:"localContext"`
	GatewayResponse *gwclient.LinkResponse `json:"gatewayResponse"`
	Reused          bool                  `json:"reused"`
}

// CreateAndLink creates (or reuses) the care context for the given patient
// and visit and asks the gateway to bind it to the patient's central
// identity. Duplicate invocation for the same (patient, visit) pair reuses
// the existing context; the lookup-then-create window is closed by a keyed
// mutex plus the storage index.
func (e *LinkingEngine) CreateAndLink(ctx context.Context, params CreateAndLinkParams) (*CreateAndLinkResult, error) {
	if params.ContextName == "" {
		return nil, errors.New("contextName is required")
	}
	if _, err := e.store.GetPatient(ctx, params.PatientID); err != nil {
		return nil, err
	}

	if params.VisitID != "" {
		visit, err := e.store.GetVisit(ctx, params.VisitID)
		if err != nil {
			return nil, err
		}
		if visit.Terminal() {
			return nil, ErrVisitTerminal
		}
	}

	unlock := e.locks.lock(lockKey(params))
	defer unlock()

	cc, created, err := e.findOrCreate(ctx, params)
	if err != nil {
		return nil, err
	}

	if !created && cc.LinkingStatus != db.LinkingFailed {
		// Non-failed context already exists for this visit: idempotent reuse,
		// no second bind attempt.
		slog.Info("Existing care context reused",
			"contextId", cc.ID,
			"patientId", cc.PatientID,
			"visitId", cc.VisitID,
			"linkingStatus", cc.LinkingStatus)
		return &CreateAndLinkResult{
			LocalContext: cc,
			GatewayResponse: &gwclient.LinkResponse{
				Status:  cc.LinkingStatus,
				Message: "existing care context reused",
			},
			Reused: true,
		}, nil
	}

	gatewayResp := e.bind(ctx, cc)

	return &CreateAndLinkResult{
		LocalContext:    cc,
		GatewayResponse: gatewayResp,
		Reused:          !created,
	}, nil
}

func (e *LinkingEngine) findOrCreate(ctx context.Context, params CreateAndLinkParams) (*db.CareContext, bool, error) {
	if params.VisitID != "" {
		if existing, err := e.store.ContextByVisit(ctx, params.PatientID, params.VisitID); err == nil {
			return existing, false, nil
		}
	} else {
		// Visit-less contexts are deduplicated by name under the keyed lock.
		contexts, err := e.store.ContextsByPatient(ctx, params.PatientID)
		if err != nil {
			return nil, false, err
		}
		for _, cc := range contexts {
			if cc.VisitID == "" && cc.ContextName == params.ContextName {
				return cc, false, nil
			}
		}
	}

	cc := &db.CareContext{
		PatientID:     params.PatientID,
		VisitID:       params.VisitID,
		ContextName:   params.ContextName,
		ContextType:   params.ContextType,
		Description:   params.Description,
		LinkingStatus: db.LinkingPending,
	}
	return e.store.CreateContext(ctx, cc)
}

// bind performs the gateway call and applies the state machine outcome.
// Transport and gateway-side failures both land in failed; the distinction
// survives in the linkingError text only.
func (e *LinkingEngine) bind(ctx context.Context, cc *db.CareContext) *gwclient.LinkResponse {
	if e.gw == nil {
		return e.markFailed(ctx, cc, "gateway client not configured")
	}

	resp, err := e.gw.LinkCareContext(ctx, gwclient.LinkRequest{
		PatientID: cc.PatientID,
		HIPID:     e.bridgeID,
		CareContexts: []gwclient.CareContextRef{
			{ID: cc.ID, ReferenceNumber: cc.ContextName},
		},
	})
	if err != nil {
		return e.markFailed(ctx, cc, err.Error())
	}

	unlock := e.locks.lock("ctx/" + cc.ID)
	defer unlock()

	cc.LinkingStatus = db.LinkingLinked
	cc.LinkingError = ""
	if err := e.store.UpdateContext(ctx, cc); err != nil {
		slog.Error("Linked status could not be persisted", "contextId", cc.ID, "error", err)
	}

	slog.Info("Care context linked", "contextId", cc.ID, "patientId", cc.PatientID)
	if resp.Status == "" {
		resp.Status = db.LinkingLinked
	}
	return resp
}

// markFailed shares the per-context lock with MarkLinked: a bind that timed
// out may race the asynchronous confirmation for the same context, and
// linked must win since linked->failed is not a valid transition.
func (e *LinkingEngine) markFailed(ctx context.Context, cc *db.CareContext, reason string) *gwclient.LinkResponse {
	unlock := e.locks.lock("ctx/" + cc.ID)
	defer unlock()

	if stored, err := e.store.GetContext(ctx, cc.ID); err == nil && stored.LinkingStatus == db.LinkingLinked {
		slog.Info("Bind failure superseded by asynchronous confirmation", "contextId", cc.ID)
		cc.LinkingStatus = db.LinkingLinked
		cc.LinkingError = ""
		return &gwclient.LinkResponse{
			Status:  db.LinkingLinked,
			Message: "care context linked",
		}
	}

	cc.LinkingStatus = db.LinkingFailed
	cc.LinkingError = reason
	if err := e.store.UpdateContext(ctx, cc); err != nil {
		slog.Error("Failed status could not be persisted", "contextId", cc.ID, "error", err)
	}

	slog.Warn("Care context linking failed, context remains usable locally",
		"contextId", cc.ID,
		"patientId", cc.PatientID,
		"error", reason)

	return &gwclient.LinkResponse{
		Status:  db.LinkingFailed,
		Error:   reason,
		Message: "Care context created locally but gateway linking failed",
	}
}

// MarkLinked applies an asynchronous linking confirmation (from a webhook
// event). Only pending contexts move; linked and failed are left alone so
// replays are no-ops.
func (e *LinkingEngine) MarkLinked(ctx context.Context, contextID string) error {
	unlock := e.locks.lock("ctx/" + contextID)
	defer unlock()

	cc, err := e.store.GetContext(ctx, contextID)
	if err != nil {
		return err
	}
	if cc.LinkingStatus != db.LinkingPending {
		return nil
	}
	cc.LinkingStatus = db.LinkingLinked
	cc.LinkingError = ""
	return e.store.UpdateContext(ctx, cc)
}

func lockKey(params CreateAndLinkParams) string {
	if params.VisitID != "" {
		return params.PatientID + "/" + params.VisitID
	}
	return params.PatientID + "/name/" + params.ContextName
}

// keyedMutex serializes work per key without holding a global lock across
// the critical section. Entries are reference-counted and evicted when the
// last holder releases, so the map stays bounded by in-flight keys.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
