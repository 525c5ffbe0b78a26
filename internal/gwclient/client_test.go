package gwclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthCallReauthenticatesOnceOn401(t *testing.T) {
	sessions := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/session", func(w http.ResponseWriter, r *http.Request) {
		sessions++
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken": fmt.Sprintf("token-%d", sessions),
			"expiresIn":   1800,
			"tokenType":   "Bearer",
		})
	})
	// The first token is already expired from the gateway's point of view.
	mux.HandleFunc("/api/data/request/req-1/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "fulfilled"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "client-001", "secret-001", "hospital-main", 2*time.Second)

	status, err := c.RequestStatus(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "fulfilled", status)
	assert.Equal(t, 2, sessions)
}

func TestAuthCallGivesUpAfterOneRetry(t *testing.T) {
	sessions := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/session", func(w http.ResponseWriter, r *http.Request) {
		sessions++
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "some-token",
			"expiresIn":   1800,
			"tokenType":   "Bearer",
		})
	})
	mux.HandleFunc("/api/data/request/req-1/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "client-001", "secret-001", "hospital-main", 2*time.Second)

	_, err := c.RequestStatus(context.Background(), "req-1")
	require.Error(t, err)

	var stErr *StatusError
	require.True(t, errors.As(err, &stErr))
	assert.Equal(t, http.StatusUnauthorized, stErr.Code)
	// One session for the initial token, one for the single retry.
	assert.Equal(t, 2, sessions)
}

func TestCallsCarryGatewayHeaders(t *testing.T) {
	var got http.Header
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/session", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"accessToken": "test-token",
			"expiresIn":   1800,
			"tokenType":   "Bearer",
		})
	})
	mux.HandleFunc("/api/data/request/req-1/status", func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		json.NewEncoder(w).Encode(map[string]string{"status": "fulfilled"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "client-001", "secret-001", "hospital-main", 2*time.Second)

	_, err := c.RequestStatus(context.Background(), "req-1")
	require.NoError(t, err)

	assert.NotEmpty(t, got.Get("REQUEST-ID"))
	assert.NotEmpty(t, got.Get("TIMESTAMP"))
	assert.Equal(t, "hospital-main", got.Get("X-CM-ID"))
	assert.Equal(t, "Bearer test-token", got.Get("Authorization"))
}

func TestTransportErrorIsNotStatusError(t *testing.T) {
	c := New("http://127.0.0.1:1", "client-001", "secret-001", "hospital-main", time.Second)

	_, err := c.RequestStatus(context.Background(), "req-1")
	require.Error(t, err)

	var stErr *StatusError
	assert.False(t, errors.As(err, &stErr))
}
