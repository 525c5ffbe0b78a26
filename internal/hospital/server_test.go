package hospital

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/abdm-relay/internal/config"
	"github.com/minasoft/abdm-relay/internal/db"
)

func newTestHospitalServer(t *testing.T) (*Server, *Queue) {
	t.Helper()
	ctx := context.Background()

	js := newTestJetStream(t)
	store := newTestStore(t, js)
	engine := NewLinkingEngine(store, nil, "hip-001")
	records := NewRecords(store, engine, nil, "hip-001")
	queue, err := NewQueue(ctx, js)
	require.NoError(t, err)

	srv := NewServer(js, &config.Config{HospitalPort: 0}, store, engine, records, queue, nil)
	srv.setupRoutes()
	return srv, queue
}

func hospitalRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestWebhookClearRequiresConfirmation(t *testing.T) {
	srv, queue := newTestHospitalServer(t)
	ctx := context.Background()

	_, err := queue.Enqueue(ctx, db.WebhookEvent{
		Type: db.EventConsent,
		Data: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	// Without the confirm flag the destructive clear is refused and the
	// queue is untouched.
	rec := hospitalRequest(t, srv, http.MethodDelete, "/webhook/queue", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "confirm=true")

	events, err := queue.Events(ctx, false)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	rec = hospitalRequest(t, srv, http.MethodDelete, "/webhook/queue?confirm=true", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	events, err = queue.Events(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestWebhookReceiveEnqueues(t *testing.T) {
	srv, queue := newTestHospitalServer(t)

	rec := hospitalRequest(t, srv, http.MethodPost, "/webhook/receive",
		`{"type":"notification","data":{"recordId":"rec-1"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "RECEIVED", resp["status"])
	assert.NotEmpty(t, resp["id"])

	events, err := queue.Events(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, resp["id"], events[0].ID)

	// An event without a type is a malformed delivery.
	rec = hospitalRequest(t, srv, http.MethodPost, "/webhook/receive", `{"data":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAndLinkOverHTTP(t *testing.T) {
	srv, _ := newTestHospitalServer(t)

	rec := hospitalRequest(t, srv, http.MethodPost, "/api/patient/register",
		`{"name":"Asha Verma","mobile":"9876543210"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var patient db.Patient
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &patient))

	// No gateway client is wired, so the context is created locally with a
	// failed bind.
	rec = hospitalRequest(t, srv, http.MethodPost, "/api/care-context/create-and-link",
		`{"patientId":"`+patient.ID+`","contextName":"Cardiology Care - 2025"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var result CreateAndLinkResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, db.LinkingFailed, result.LocalContext.LinkingStatus)
	assert.NotEmpty(t, result.LocalContext.LinkingError)

	// Unknown patient is a 404 at the boundary.
	rec = hospitalRequest(t, srv, http.MethodPost, "/api/care-context/create-and-link",
		`{"patientId":"ghost","contextName":"OPD Visit"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
