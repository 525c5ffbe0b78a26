// Package gwclient is the HTTP client hospital nodes use to talk to the
// gateway. It owns the session token lifecycle: tokens are fetched on
// demand, cached in memory and refreshed once when a call comes back 401.
package gwclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/minasoft/abdm-relay/internal/db"
	"github.com/minasoft/abdm-relay/internal/ids"
)

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	cmID         string
	httpClient   *http.Client

	mu    sync.Mutex
	token string
}

func New(baseURL, clientID, clientSecret, cmID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		cmID:         cmID,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

type SessionResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
	TokenType   string `json:"tokenType"`
}

// Authenticate creates a fresh session at the gateway and caches the token.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	body := map[string]string{
		"clientId":     c.clientID,
		"clientSecret": c.clientSecret,
		"grantType":    "client_credentials",
	}

	var session SessionResponse
	if err := c.callWithToken(ctx, http.MethodPost, "/api/auth/session", body, &session, ""); err != nil {
		return "", fmt.Errorf("session could not be created: %w", err)
	}

	c.mu.Lock()
	c.token = session.AccessToken
	c.mu.Unlock()

	slog.Debug("Gateway session created", "clientId", c.clientID, "expiresIn", session.ExpiresIn)
	return session.AccessToken, nil
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}
	return c.Authenticate(ctx)
}

type CareContextRef struct {
	ID              string `json:"id"`
	ReferenceNumber string `json:"referenceNumber"`
}

type LinkRequest struct {
	PatientID    string           `json:"patientId"`
	HIPID        string           `json:"hipId"`
	CareContexts []CareContextRef `json:"careContexts"`
}

type LinkResponse struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// LinkCareContext asks the gateway to bind the given care contexts to the
// patient's central identity.
func (c *Client) LinkCareContext(ctx context.Context, req LinkRequest) (*LinkResponse, error) {
	var resp LinkResponse
	if err := c.authCall(ctx, http.MethodPost, "/api/link/carecontext", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type RegisterBridgeRequest struct {
	BridgeID    string `json:"bridgeId"`
	Role        string `json:"role"`
	Name        string `json:"name,omitempty"`
	CallbackURL string `json:"callbackUrl,omitempty"`
}

// RegisterBridge registers (or re-registers) this node's bridge identity.
func (c *Client) RegisterBridge(ctx context.Context, req RegisterBridgeRequest) error {
	return c.authCall(ctx, http.MethodPost, "/api/bridge/register", req, nil)
}

// UpdateBridgeURL points the bridge's callback URL at this node.
func (c *Client) UpdateBridgeURL(ctx context.Context, bridgeID, callbackURL string) error {
	body := map[string]string{"bridgeId": bridgeID, "callbackUrl": callbackURL}
	return c.authCall(ctx, http.MethodPatch, "/api/bridge/url", body, nil)
}

// NotifyRecord announces a locally created health record to the gateway.
func (c *Client) NotifyRecord(ctx context.Context, notice db.RecordNotice) error {
	return c.authCall(ctx, http.MethodPost, "/api/health-records/notify", notice, nil)
}

type DataRequestBody struct {
	HIUID          string   `json:"hiuId"`
	HIPID          string   `json:"hipId,omitempty"`
	PatientID      string   `json:"patientId,omitempty"`
	ConsentID      string   `json:"consentId"`
	CareContextIDs []string `json:"careContextIds"`
	DataTypes      []string `json:"dataTypes"`
}

type DataRequestResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// RequestData initiates a data request at the gateway (HIU role).
func (c *Client) RequestData(ctx context.Context, req DataRequestBody) (*DataRequestResponse, error) {
	var resp DataRequestResponse
	if err := c.authCall(ctx, http.MethodPost, "/api/data/request", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type DataResponseBody struct {
	RequestID string          `json:"requestId"`
	PatientID string          `json:"patientId,omitempty"`
	Records   json.RawMessage `json:"records"`
}

// SendDataResponse delivers records for a previously received data request
// (HIP role).
func (c *Client) SendDataResponse(ctx context.Context, resp DataResponseBody) error {
	return c.authCall(ctx, http.MethodPost, "/api/data/response", resp, nil)
}

// RequestStatus polls the gateway for the status of a data request.
func (c *Client) RequestStatus(ctx context.Context, requestID string) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.authCall(ctx, http.MethodGet, "/api/data/request/"+requestID+"/status", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// authCall performs a bearer-authenticated call, re-authenticating once on
// 401 before giving up.
func (c *Client) authCall(ctx context.Context, method, path string, body, out any) error {
	token, err := c.currentToken(ctx)
	if err != nil {
		return err
	}

	err = c.callWithToken(ctx, method, path, body, out, token)
	if stErr, ok := err.(*StatusError); ok && stErr.Code == http.StatusUnauthorized {
		slog.Debug("Gateway session expired, re-authenticating", "path", path)
		token, err = c.Authenticate(ctx)
		if err != nil {
			return err
		}
		return c.callWithToken(ctx, method, path, body, out, token)
	}
	return err
}

func (c *Client) callWithToken(ctx context.Context, method, path string, body, out any, token string) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("request could not be serialized: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("REQUEST-ID", ids.New())
	req.Header.Set("TIMESTAMP", ids.Timestamp())
	req.Header.Set("X-CM-ID", c.cmID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("gateway response could not be parsed: %w", err)
		}
	}
	return nil
}

// StatusError is a non-2xx gateway reply. Transport failures are returned
// as plain wrapped errors so callers can tell the two apart.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway rejected request (%d): %s", e.Code, e.Body)
}
