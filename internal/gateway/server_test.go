package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minasoft/abdm-relay/internal/config"
	"github.com/minasoft/abdm-relay/internal/db"
	"github.com/minasoft/abdm-relay/internal/ids"
)

func newTestGatewayServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()

	js := newTestJetStream(t)
	registry := newTestRegistry(t, js)
	dispatcher := NewDispatcher(js, registry, 2*time.Second)
	links, err := NewLinkRelay(ctx, js, registry, dispatcher)
	require.NoError(t, err)
	correlator, err := NewCorrelator(ctx, js, links, registry, dispatcher)
	require.NoError(t, err)
	notices, err := NewNoticeBoard(ctx, js, dispatcher)
	require.NoError(t, err)

	srv := NewServer(js, &config.Config{GatewayPort: 0}, registry, links, correlator, notices)
	srv.setupRoutes()
	return srv
}

// gatewayRequest performs a request carrying the correlation headers every
// gateway call requires.
func gatewayRequest(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("REQUEST-ID", ids.New())
	req.Header.Set("TIMESTAMP", ids.Timestamp())
	req.Header.Set("X-CM-ID", "hospital-main")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestAPIRejectsMissingGatewayHeaders(t *testing.T) {
	srv := newTestGatewayServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/session", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	for _, name := range []string{"REQUEST-ID", "TIMESTAMP", "X-CM-ID"} {
		assert.Contains(t, rec.Body.String(), name)
	}
}

func TestSessionRejectsWrongGrantType(t *testing.T) {
	srv := newTestGatewayServer(t)

	rec := gatewayRequest(t, srv, http.MethodPost, "/api/auth/session", "", map[string]string{
		"clientId":     "client-001",
		"clientSecret": "secret-001",
		"grantType":    "password",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "client_credentials")
}

func TestSessionRejectsBadCredentialsOverHTTP(t *testing.T) {
	srv := newTestGatewayServer(t)

	rec := gatewayRequest(t, srv, http.MethodPost, "/api/auth/session", "", map[string]string{
		"clientId":     "client-001",
		"clientSecret": "wrong-secret",
		"grantType":    "client_credentials",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	srv := newTestGatewayServer(t)

	body := map[string]string{"bridgeId": "hip-001", "role": "HIP"}

	rec := gatewayRequest(t, srv, http.MethodPost, "/api/bridge/register", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = gatewayRequest(t, srv, http.MethodPost, "/api/bridge/register", "not-a-valid-token", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBridgeRegistrationOverHTTP(t *testing.T) {
	srv := newTestGatewayServer(t)

	rec := gatewayRequest(t, srv, http.MethodPost, "/api/auth/session", "", map[string]string{
		"clientId":     "client-002",
		"clientSecret": "secret-002",
		"grantType":    "client_credentials",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var session Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	require.NotEmpty(t, session.AccessToken)
	assert.Equal(t, "Bearer", session.TokenType)

	rec = gatewayRequest(t, srv, http.MethodPost, "/api/bridge/register", session.AccessToken, map[string]string{
		"bridgeId":    "hip-002",
		"role":        "HIP",
		"name":        "Metro Hospital",
		"callbackUrl": "http://localhost:8081/webhook/receive",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = gatewayRequest(t, srv, http.MethodGet, "/api/bridge/hip-002/services", session.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var services []db.BridgeService
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &services))
	assert.Len(t, services, 2)

	rec = gatewayRequest(t, srv, http.MethodGet, "/api/bridge/ghost/services", session.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
