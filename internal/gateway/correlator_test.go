package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/abdm-relay/internal/db"
)

func newTestCorrelator(t *testing.T, js jetstream.JetStream) (*Correlator, *Registry) {
	t.Helper()
	ctx := context.Background()

	registry := newTestRegistry(t, js)
	dispatcher := NewDispatcher(js, registry, 2*time.Second)
	links, err := NewLinkRelay(ctx, js, registry, dispatcher)
	require.NoError(t, err)
	correlator, err := NewCorrelator(ctx, js, links, registry, dispatcher)
	require.NoError(t, err)
	return correlator, registry
}

func TestInitiateAndFulfill(t *testing.T) {
	js := newTestJetStream(t)
	correlator, registry := newTestCorrelator(t, js)
	ctx := context.Background()

	_, err := registry.Register(ctx, "hip-001", db.RoleHIP, "City Hospital", "http://localhost:8080/webhook/receive")
	require.NoError(t, err)

	req, err := correlator.Initiate(ctx, InitiateParams{
		HIUID:          "hiu-001",
		HIPID:          "hip-001",
		ConsentID:      "consent-1",
		CareContextIDs: []string{"ctx-1"},
		DataTypes:      []string{"Prescription"},
	})
	require.NoError(t, err)
	assert.Equal(t, db.RequestAwaiting, req.Status)
	assert.NotEmpty(t, req.ID)

	records := json.RawMessage(`[{"recordId":"rec-1","recordType":"Prescription"}]`)
	applied, err := correlator.HandleResponse(ctx, req.ID, "pat-1", records)
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := correlator.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RequestFulfilled, got.Status)
	assert.JSONEq(t, string(records), string(got.Records))
	assert.NotNil(t, got.ResolvedAt)
}

func TestDuplicateResponseDiscarded(t *testing.T) {
	js := newTestJetStream(t)
	correlator, registry := newTestCorrelator(t, js)
	ctx := context.Background()

	_, err := registry.Register(ctx, "hip-001", db.RoleHIP, "", "http://localhost:8080/webhook/receive")
	require.NoError(t, err)

	req, err := correlator.Initiate(ctx, InitiateParams{
		HIUID:     "hiu-001",
		HIPID:     "hip-001",
		ConsentID: "consent-1",
	})
	require.NoError(t, err)

	first := json.RawMessage(`[{"recordId":"rec-1"}]`)
	applied, err := correlator.HandleResponse(ctx, req.ID, "pat-1", first)
	require.NoError(t, err)
	require.True(t, applied)

	// Second delivery for the same correlation ID is stale; the first
	// result must survive unchanged.
	second := json.RawMessage(`[{"recordId":"rec-2"}]`)
	applied, err = correlator.HandleResponse(ctx, req.ID, "pat-1", second)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := correlator.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(got.Records))
}

func TestResponseForUnknownRequestDiscarded(t *testing.T) {
	js := newTestJetStream(t)
	correlator, _ := newTestCorrelator(t, js)

	applied, err := correlator.HandleResponse(context.Background(), "no-such-request", "pat-1", json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestTimedOutRejectsLateResponse(t *testing.T) {
	js := newTestJetStream(t)
	correlator, registry := newTestCorrelator(t, js)
	ctx := context.Background()

	_, err := registry.Register(ctx, "hip-001", db.RoleHIP, "", "http://localhost:8080/webhook/receive")
	require.NoError(t, err)

	req, err := correlator.Initiate(ctx, InitiateParams{
		HIUID:     "hiu-001",
		HIPID:     "hip-001",
		ConsentID: "consent-1",
	})
	require.NoError(t, err)

	applied, err := correlator.MarkTimedOut(ctx, req.ID)
	require.NoError(t, err)
	require.True(t, applied)

	// Marking again is a no-op.
	applied, err = correlator.MarkTimedOut(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = correlator.HandleResponse(ctx, req.ID, "pat-1", json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := correlator.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RequestTimedOut, got.Status)
	assert.Empty(t, got.Records)
}

func TestInitiateFailsForUnknownBridge(t *testing.T) {
	js := newTestJetStream(t)
	correlator, _ := newTestCorrelator(t, js)
	ctx := context.Background()

	req, err := correlator.Initiate(ctx, InitiateParams{
		HIUID:     "hiu-001",
		HIPID:     "ghost-hip",
		ConsentID: "consent-1",
	})
	require.Error(t, err)
	require.NotNil(t, req)
	assert.Equal(t, db.RequestFailed, req.Status)
	assert.Contains(t, req.Error, "ghost-hip")

	// The failed request stays queryable by ID.
	got, err := correlator.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, db.RequestFailed, got.Status)
}

func TestInitiateResolvesHIPFromLink(t *testing.T) {
	js := newTestJetStream(t)
	ctx := context.Background()

	registry := newTestRegistry(t, js)
	dispatcher := NewDispatcher(js, registry, 2*time.Second)
	links, err := NewLinkRelay(ctx, js, registry, dispatcher)
	require.NoError(t, err)
	correlator, err := NewCorrelator(ctx, js, links, registry, dispatcher)
	require.NoError(t, err)

	_, err = registry.Register(ctx, "hip-001", db.RoleHIP, "", "http://localhost:8080/webhook/receive")
	require.NoError(t, err)

	err = links.Bind(ctx, BindRequest{
		PatientID: "pat-1",
		HIPID:     "hip-001",
		CareContexts: []struct {
			ID              string `json:"id"`
			ReferenceNumber string `json:"referenceNumber"`
		}{{ID: "ctx-1", ReferenceNumber: "OPD Visit"}},
	})
	require.NoError(t, err)

	req, err := correlator.Initiate(ctx, InitiateParams{
		HIUID:          "hiu-001",
		ConsentID:      "consent-1",
		CareContextIDs: []string{"ctx-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hip-001", req.HIPID)
	assert.Equal(t, db.RequestAwaiting, req.Status)
}

func TestBindRejectsUnknownBridge(t *testing.T) {
	js := newTestJetStream(t)
	ctx := context.Background()

	registry := newTestRegistry(t, js)
	dispatcher := NewDispatcher(js, registry, 2*time.Second)
	links, err := NewLinkRelay(ctx, js, registry, dispatcher)
	require.NoError(t, err)

	err = links.Bind(ctx, BindRequest{
		PatientID: "pat-1",
		HIPID:     "never-registered",
		CareContexts: []struct {
			ID              string `json:"id"`
			ReferenceNumber string `json:"referenceNumber"`
		}{{ID: "ctx-1", ReferenceNumber: "OPD Visit"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBridgeNotFound)

	_, err = links.Resolve(ctx, "ctx-1")
	assert.ErrorIs(t, err, ErrLinkNotFound)
}
